package logging

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-Id"

const traceKey = "trace_id"

// Trace assigns each request a trace id and a request-scoped logger.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader(TraceHeader))
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		c.Set(traceKey, traceID)
		c.Header(TraceHeader, traceID)

		logger := L.With(
			traceKey, traceID,
			"method", c.Request.Method,
			"path", c.FullPath(),
		)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), logger))

		start := time.Now()
		c.Next()

		logger.Info("http: request completed",
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// TraceID returns the id assigned by Trace, if any.
func TraceID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(traceKey)
}
