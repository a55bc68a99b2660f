package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/fleet-scheduler-api/internal/service"
)

// unmatchedRoute labels requests that hit no route so scanners cannot inflate label cardinality.
const unmatchedRoute = "unmatched"

// Metrics records request count and latency per route template. WebSocket upgrades are
// skipped since their duration is the lifetime of the stream.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil || websocketUpgrade(c) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
