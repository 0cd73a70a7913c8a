package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// statusFor maps controller errors onto HTTP status codes
func statusFor(err error) (int, string) {
	var (
		jobErr        *apperrors.JobError
		validationErr *apperrors.ValidationError
		transportErr  *apperrors.TransportError
		gpioErr       *apperrors.GPIOError
	)
	switch {
	case errors.As(err, &jobErr):
		switch jobErr.Kind {
		case apperrors.NotFound:
			return http.StatusNotFound, "Not Found"
		case apperrors.AlreadyActive:
			return http.StatusConflict, "Conflict"
		}
		return http.StatusBadRequest, "Bad Request"
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "Bad Request"
	case errors.As(err, &transportErr):
		switch transportErr.Kind {
		case apperrors.BusBusy:
			return http.StatusServiceUnavailable, "Bus Busy"
		case apperrors.InvalidResponse:
			return http.StatusBadGateway, "Invalid Device Response"
		}
		return http.StatusGatewayTimeout, "Device Unresponsive"
	case errors.As(err, &gpioErr):
		return http.StatusBadGateway, "GPIO Failure"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

// respondError writes err in the standard error body. Server side failures
// are logged; caller mistakes are not.
func respondError(c *gin.Context, log logger.Interface, err error) {
	status, title := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path)
	}
	c.JSON(status, gin.H{
		"error":   title,
		"message": err.Error(),
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Bad Request",
		"message": message,
	})
}

// deviceID parses the :id path parameter
func deviceID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		badRequest(c, "Invalid device ID")
		return 0, false
	}
	return id, true
}
