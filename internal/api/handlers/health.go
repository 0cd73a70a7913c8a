package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/storage"
)

// Pinger reports whether a dependency answers
type Pinger interface {
	Get(key string, def interface{}) (interface{}, error)
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	store Pinger
	bus   func() bool
}

// NewHealthHandler creates a new health handler. busReady reports whether
// the I2C transport is open.
func NewHealthHandler(store Pinger, busReady func() bool) *HealthHandler {
	return &HealthHandler{
		store: store,
		bus:   busReady,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

var startTime = time.Now()

// Version is reported by the health endpoint
var Version = "dev"

// Health returns the basic health status
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(startTime).String(),
	})
}

// Ready checks the state store and the bus
func (h *HealthHandler) Ready(c *gin.Context) {
	services := make(map[string]string)
	status := "ready"
	statusCode := http.StatusOK

	if _, err := h.store.Get(storage.Key("health", 0, "probe"), nil); err != nil {
		services["store"] = "unhealthy: " + err.Error()
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	} else {
		services["store"] = "healthy"
	}

	if h.bus != nil && !h.bus() {
		services["i2c"] = "closed"
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	} else {
		services["i2c"] = "healthy"
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  services,
	})
}

// RuntimeInfo returns Go runtime statistics
func RuntimeInfo(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
		"cpu_count":  runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":      m.Alloc,
			"sys":        m.Sys,
			"heap_alloc": m.HeapAlloc,
			"heap_inuse": m.HeapInuse,
		},
		"num_gc":    m.NumGC,
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime).String(),
	})
}
