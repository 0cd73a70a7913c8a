package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/flow"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// FlowHandler exposes fill and send jobs
type FlowHandler struct {
	flow   *flow.Counter
	logger logger.Interface
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(counter *flow.Counter, log logger.Interface) *FlowHandler {
	return &FlowHandler{
		flow:   counter,
		logger: log.WithField("component", "api-flow"),
	}
}

// StartFlowRequest starts a fill or send. PulsesPerGallon 0 keeps the
// meter's current calibration.
type StartFlowRequest struct {
	Gallons         float64        `json:"gallons" binding:"required,gt=0"`
	Operation       flow.Operation `json:"operation" binding:"required,oneof=fill send"`
	PulsesPerGallon int            `json:"pulses_per_gallon" binding:"gte=0"`
	TankID          int            `json:"tank_id" binding:"gte=0"`
}

// CalibrateFlowRequest sets a meter's pulses per gallon
type CalibrateFlowRequest struct {
	PulsesPerGallon int `json:"pulses_per_gallon" binding:"required,gt=0"`
}

// List returns the current or last job of every meter
func (h *FlowHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"meters": h.flow.IDs(),
		"jobs":   h.flow.Jobs(),
		"active": h.flow.ActiveIDs(),
	})
}

// Get returns one meter's live counters
func (h *FlowHandler) Get(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	pulses, err := h.flow.Pulses(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	ppg, _ := h.flow.PulsesPerGallon(id)
	total, err := h.flow.LifetimeGallons(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := gin.H{
		"id":                id,
		"pulses":            pulses,
		"pulses_per_gallon": ppg,
		"lifetime_gallons":  total,
	}
	if job, ok := h.flow.Job(id); ok {
		response["job"] = job
	}
	c.JSON(http.StatusOK, response)
}

// Start opens the meter's valve and starts counting
func (h *FlowHandler) Start(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req StartFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	job, err := h.flow.Start(c.Request.Context(), id, req.Gallons, req.PulsesPerGallon, req.Operation, req.TankID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// Poll recomputes a job from the pulse count
func (h *FlowHandler) Poll(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	job, err := h.flow.Poll(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Stop ends a job and closes the valve
func (h *FlowHandler) Stop(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	job, err := h.flow.Stop(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Calibrate stores a new pulses per gallon value
func (h *FlowHandler) Calibrate(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req CalibrateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.flow.Calibrate(id, req.PulsesPerGallon); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "pulses_per_gallon": req.PulsesPerGallon})
}

// ResetPulses zeroes an idle meter's counter
func (h *FlowHandler) ResetPulses(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	if err := h.flow.ResetPulses(id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
