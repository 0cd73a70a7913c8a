package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/storage"
)

// StateHandler gives direct access to the key/value state store
type StateHandler struct {
	store  *storage.Database
	logger logger.Interface
}

// NewStateHandler creates a new state handler
func NewStateHandler(store *storage.Database, log logger.Interface) *StateHandler {
	return &StateHandler{
		store:  store,
		logger: log.WithField("component", "api-state"),
	}
}

// List returns the records under ?prefix=
func (h *StateHandler) List(c *gin.Context) {
	records, err := h.store.Records(c.Query("prefix"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// Get returns the decoded value of one key
func (h *StateHandler) Get(c *gin.Context) {
	key := c.Param("key")
	records, err := h.store.Records(key)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	for _, rec := range records {
		if rec.Key != key {
			continue
		}
		value, err := rec.Decoded()
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"key":        rec.Key,
			"value":      value,
			"encoding":   rec.Encoding,
			"updated_at": rec.UpdatedAt,
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "Not Found",
		"message": "Key not found",
	})
}

// Set stores the JSON request body under key. A JSON string is stored raw.
func (h *StateHandler) Set(c *gin.Context) {
	key := c.Param("key")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		badRequest(c, "Body must be a JSON value")
		return
	}
	if err := h.store.Set(key, value); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("State key written through API", "key", key)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

// Delete removes key
func (h *StateHandler) Delete(c *gin.Context) {
	key := c.Param("key")
	if err := h.store.Delete(key); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("State key deleted through API", "key", key)
	c.Status(http.StatusNoContent)
}
