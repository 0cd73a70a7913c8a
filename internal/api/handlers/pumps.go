package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/pump"
)

// PumpHandler exposes dispense jobs
type PumpHandler struct {
	pumps  *pump.Tracker
	logger logger.Interface
}

// NewPumpHandler creates a new pump handler
func NewPumpHandler(pumps *pump.Tracker, log logger.Interface) *PumpHandler {
	return &PumpHandler{
		pumps:  pumps,
		logger: log.WithField("component", "api-pumps"),
	}
}

// DispenseRequest starts a dispense
type DispenseRequest struct {
	ML float64 `json:"ml" binding:"required,gt=0"`
}

// CalibrateRequest reports what a pump actually moved for a calibration run
type CalibrateRequest struct {
	ActualML float64 `json:"actual_ml" binding:"required,gt=0"`
}

// List returns the current or last job of every pump
func (h *PumpHandler) List(c *gin.Context) {
	jobs := h.pumps.Jobs()
	c.JSON(http.StatusOK, gin.H{
		"pumps":  h.pumps.IDs(),
		"jobs":   jobs,
		"active": h.pumps.ActiveIDs(),
	})
}

// Get returns one pump's job and lifetime total without touching the bus
func (h *PumpHandler) Get(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	total, err := h.pumps.LifetimeML(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := gin.H{"id": id, "lifetime_ml": total}
	if job, ok := h.pumps.Job(id); ok {
		response["job"] = job
	}
	c.JSON(http.StatusOK, response)
}

// Dispense starts a dispense job
func (h *PumpHandler) Dispense(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req DispenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	job, err := h.pumps.StartDispense(c.Request.Context(), id, req.ML)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := http.StatusCreated
	if job.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, job)
}

// Poll reads progress from the pump
func (h *PumpHandler) Poll(c *gin.Context) {
	h.jobAction(c, h.pumps.Poll)
}

// Stop stops the running job
func (h *PumpHandler) Stop(c *gin.Context) {
	h.jobAction(c, h.pumps.Stop)
}

// Pause pauses the running job
func (h *PumpHandler) Pause(c *gin.Context) {
	h.jobAction(c, h.pumps.Pause)
}

// Resume resumes a paused job
func (h *PumpHandler) Resume(c *gin.Context) {
	h.jobAction(c, h.pumps.Resume)
}

func (h *PumpHandler) jobAction(c *gin.Context, action func(ctx context.Context, id int) (pump.Job, error)) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	job, err := action(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Calibrate sends a volume calibration
func (h *PumpHandler) Calibrate(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req CalibrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.pumps.Calibrate(c.Request.Context(), id, req.ActualML); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "actual_ml": req.ActualML})
}

// TotalVolume asks the pump for its volume since power on
func (h *PumpHandler) TotalVolume(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	ml, err := h.pumps.TotalVolume(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "total_ml": ml})
}
