package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/pkg/middleware/requestid"
)

// Audit records who triggered a scheduling action once the request succeeds.
func Audit(logger *zap.Logger, action string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		fields := []zap.Field{
			zap.String("action", action),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.GetHeader("User-Agent")),
		}
		if user := Claims(c); user != nil {
			fields = append(fields, zap.String("actor", user.UserID), zap.String("role", string(user.Role)))
		}
		if runID := c.Param("id"); runID != "" {
			fields = append(fields, zap.String("run_id", runID))
		}
		if reqID := requestid.Value(c); reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}

		logger.Info("audit", fields...)
	}
}
