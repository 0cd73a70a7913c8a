package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxBodyBytes bounds request bodies; device requests are tiny
const MaxBodyBytes = 64 << 10

// stateKeyPattern matches store keys such as pump_1_job
var stateKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// LimitBody caps the request body size
func LimitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// ValidStateKey rejects :key path parameters that are not plain store keys
func ValidStateKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.Param("key"); key != "" && !stateKeyPattern.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Bad Request",
				"message": "Invalid state key",
			})
			return
		}
		c.Next()
	}
}
