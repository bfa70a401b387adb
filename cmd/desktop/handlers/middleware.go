package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dinovending/dino/backend/internal/logging"
)

// RequestLogger returns a gin middleware that logs each request as one
// structured line.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"query":      c.Request.URL.RawQuery,
			"status":     status,
			"latency_ms": float64(time.Since(start).Microseconds()) / 1000.0,
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Warn("request failed", fields)
		case c.Request.URL.Path == "/api/health":
			log.Debug("request", fields)
		default:
			log.Info("request", fields)
		}
	}
}
