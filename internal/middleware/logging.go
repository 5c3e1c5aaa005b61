package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/metrics"
)

// Logger middleware logs request details and records HTTP metrics
func Logger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), strconv.Itoa(status), latency.Seconds())
		log.LogHTTPRequest(c.Request.Method, path, c.ClientIP(), status, latency)
	}
}
