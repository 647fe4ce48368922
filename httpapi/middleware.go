package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDHeader carries the request correlation ID in both directions.
const requestIDHeader = "X-Request-Id"

// routerConfig holds optional router wiring.
type routerConfig struct {
	logger *slog.Logger
}

// RouterOption configures the router.
type RouterOption func(*routerConfig)

// WithLogger attaches a request logging middleware to the router.
func WithLogger(log *slog.Logger) RouterOption {
	return func(cfg *routerConfig) {
		cfg.logger = log
	}
}

// RequestID assigns a UUID to each request unless the caller supplied one,
// and echoes it back in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request with method, path, status and
// latency.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"))
	}
}
