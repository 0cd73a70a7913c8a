package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// Logger logs each request through the application logger. Health probes
// are skipped.
func Logger(log logger.Interface) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			entry := log.WithFields(map[string]interface{}{
				"status":  param.StatusCode,
				"method":  param.Method,
				"path":    param.Path,
				"ip":      param.ClientIP,
				"latency": param.Latency.String(),
				"time":    param.TimeStamp.Format(time.RFC3339),
			})
			if id, ok := param.Keys[RequestIDKey].(string); ok {
				entry = entry.WithField(RequestIDKey, id)
			}
			if param.ErrorMessage != "" {
				entry = entry.WithField("error", param.ErrorMessage)
			}

			if param.StatusCode >= 400 {
				entry.Warn("HTTP request completed with error")
			} else {
				entry.Info("HTTP request completed")
			}
			return ""
		},
		Output:    gin.DefaultWriter,
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	})
}
