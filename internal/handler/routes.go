package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/middleware"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// Routes bundles what the scheduler API needs to be mounted.
type Routes struct {
	Scheduler *SchedulerHandler
	Events    *RunEventsHandler
	Exports   *ExportHandler
	Tokens    middleware.TokenValidator
	Limiter   *middleware.RateLimiter
	Logger    *zap.Logger
}

// Register mounts the scheduler API on the group. Reads need any valid token; mutations
// need an operator role and are rate limited per client.
func (r Routes) Register(api *gin.RouterGroup) {
	api.GET("/export/:token", r.Exports.Download)

	sched := api.Group("/scheduler", middleware.JWT(r.Tokens), middleware.WithResponseMeta())
	sched.GET("/runs", r.Scheduler.List)
	sched.GET("/runs/:id", r.Scheduler.Status)
	sched.GET("/runs/:id/report", r.Scheduler.Report)
	sched.GET("/runs/:id/events", r.Events.Stream)
	sched.GET("/stats", r.Scheduler.Stats)

	ops := sched.Group("",
		middleware.RequireRoles(models.RoleAdmin, models.RoleDepotManager),
		r.Limiter.Middleware(),
	)
	ops.POST("/preview", r.Scheduler.Preview)
	ops.POST("/runs", middleware.Audit(r.Logger, "scheduler.start"), r.Scheduler.Start)
	ops.POST("/runs/:id/stop", middleware.Audit(r.Logger, "scheduler.stop"), r.Scheduler.Stop)
	ops.POST("/runs/:id/export", middleware.Audit(r.Logger, "scheduler.export"), r.Scheduler.Export)
	ops.POST("/clear", middleware.Audit(r.Logger, "scheduler.clear"), r.Scheduler.Clear)
}
