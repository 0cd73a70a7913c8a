package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/multierr"

	"github.com/dsyorkd/hydro-controller/internal/hardware"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// SystemHandler covers whole-controller operations
type SystemHandler struct {
	system  *hardware.System
	dataDir string
	logger  logger.Interface
}

// NewSystemHandler creates a new system handler. dataDir is the directory
// whose disk usage is reported.
func NewSystemHandler(system *hardware.System, dataDir string, log logger.Interface) *SystemHandler {
	if dataDir == "" {
		dataDir = "."
	}
	return &SystemHandler{
		system:  system,
		dataDir: dataDir,
		logger:  log.WithField("component", "api-system"),
	}
}

// CommandRequest carries one Start;<Type>;<id>;<param>;end command
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// Status returns a snapshot of every device
func (h *SystemHandler) Status(c *gin.Context) {
	snap, err := h.system.Snapshot()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// EmergencyStop halts pumps, stops meters and switches every relay off
func (h *SystemHandler) EmergencyStop(c *gin.Context) {
	if err := h.system.EmergencyStop(c.Request.Context()); err != nil {
		var messages []string
		for _, e := range multierr.Errors(err) {
			messages = append(messages, e.Error())
		}
		c.JSON(http.StatusMultiStatus, gin.H{
			"stopped": false,
			"errors":  messages,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// Command runs a legacy serial command
func (h *SystemHandler) Command(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	out, err := h.system.Execute(c.Request.Context(), req.Command)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(out))
}

// BoardInfo reports host health: uptime, load, memory, disk and SoC temperature.
// Collectors that fail on this platform are left out.
func (h *SystemHandler) BoardInfo(c *gin.Context) {
	ctx := c.Request.Context()
	info := gin.H{"timestamp": time.Now()}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = hi.Hostname
		info["platform"] = hi.Platform
		info["kernel"] = hi.KernelVersion
		info["uptime_seconds"] = hi.Uptime
	} else {
		h.logger.Debug("Host info unavailable", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info["load"] = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory"] = gin.H{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}

	if du, err := disk.UsageWithContext(ctx, h.dataDir); err == nil {
		info["disk"] = gin.H{
			"path":         du.Path,
			"total":        du.Total,
			"free":         du.Free,
			"used_percent": du.UsedPercent,
		}
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		readings := make(map[string]float64, len(temps))
		for _, t := range temps {
			readings[t.SensorKey] = t.Temperature
		}
		info["temperatures"] = readings
	}

	c.JSON(http.StatusOK, info)
}
