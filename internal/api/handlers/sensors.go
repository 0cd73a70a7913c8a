package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/sensor"
)

// SensorHandler exposes pH and EC probes
type SensorHandler struct {
	sensors *sensor.Reader
	logger  logger.Interface
}

// NewSensorHandler creates a new sensor handler
func NewSensorHandler(sensors *sensor.Reader, log logger.Interface) *SensorHandler {
	return &SensorHandler{
		sensors: sensors,
		logger:  log.WithField("component", "api-sensors"),
	}
}

// SensorCalibrateRequest sends one calibration point
type SensorCalibrateRequest struct {
	Point string  `json:"point" binding:"required"`
	Value float64 `json:"value"`
}

// CompensateRequest sets the solution temperature
type CompensateRequest struct {
	Celsius *float64 `json:"celsius" binding:"required"`
}

// Last returns the stored reading
func (h *SensorHandler) Last(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	reading, found, err := h.sensors.Last(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "No reading yet",
		})
		return
	}
	c.JSON(http.StatusOK, reading)
}

// Read takes a fresh measurement
func (h *SensorHandler) Read(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	reading, err := h.sensors.Read(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, reading)
}

// Calibrate sends a calibration point
func (h *SensorHandler) Calibrate(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req SensorCalibrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.sensors.Calibrate(c.Request.Context(), id, req.Point, req.Value); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "point": req.Point, "value": req.Value})
}

// Compensate sets temperature compensation
func (h *SensorHandler) Compensate(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req CompensateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.sensors.Compensate(c.Request.Context(), id, *req.Celsius); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "celsius": *req.Celsius})
}
