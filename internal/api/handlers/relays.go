package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/relay"
)

// RelayHandler switches valve relays
type RelayHandler struct {
	relays *relay.Controller
	logger logger.Interface
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(relays *relay.Controller, log logger.Interface) *RelayHandler {
	return &RelayHandler{
		relays: relays,
		logger: log.WithField("component", "api-relays"),
	}
}

// SetRelayRequest sets one relay or all of them. On is a pointer so that
// an explicit false is distinguishable from a missing field.
type SetRelayRequest struct {
	On *bool `json:"on" binding:"required"`
}

// List returns every relay state
func (h *RelayHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"relays": h.relays.States(),
	})
}

// Get returns one relay state
func (h *RelayHandler) Get(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	on, err := h.relays.State(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "on": on})
}

// Set drives one relay
func (h *RelayHandler) Set(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req SetRelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.relays.Set(c.Request.Context(), id, *req.On); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "on": *req.On})
}

// Toggle flips one relay
func (h *RelayHandler) Toggle(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	on, err := h.relays.Toggle(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "on": on})
}

// SetAll drives every relay. A partial sweep answers 207 with the failures.
func (h *RelayHandler) SetAll(c *gin.Context) {
	var req SetRelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.relays.SetAll(c.Request.Context(), *req.On)
	failed := make(map[int]string, len(result.Failed))
	for id, ferr := range result.Failed {
		failed[id] = ferr.Error()
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
		h.logger.WithError(err).Warn("Relay sweep partly failed")
	}
	c.JSON(status, gin.H{
		"on":        *req.On,
		"succeeded": result.Succeeded,
		"failed":    failed,
	})
}
