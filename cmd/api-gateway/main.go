package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/fleet-scheduler-api/api/swagger"
	"github.com/noah-isme/fleet-scheduler-api/internal/app"
	"github.com/noah-isme/fleet-scheduler-api/internal/handler"
	"github.com/noah-isme/fleet-scheduler-api/internal/middleware"
	"github.com/noah-isme/fleet-scheduler-api/pkg/config"
	"github.com/noah-isme/fleet-scheduler-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/fleet-scheduler-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/fleet-scheduler-api/pkg/middleware/requestid"
)

// @title Fleet Scheduler API
// @version 1.0.0
// @description Plans bus trips and crew assignments for depots over service date ranges.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logr, app.Options{})
	if err != nil {
		logr.Sugar().Fatalw("failed to wire application", "error", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logr.Sugar().Warnw("shutdown cleanup failed", "error", err)
		}
	}()
	svc.Start(ctx)
	if cfg.Scheduler.Enabled {
		svc.StartMaintenance(ctx)
	} else {
		logr.Info("scheduler maintenance disabled on this instance")
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(svc.Metrics))

	checks := make(map[string]handler.ReadinessCheck)
	for name, check := range svc.ReadinessChecks() {
		checks[name] = check
	}
	metricsHandler := handler.NewMetricsHandler(svc.Metrics, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.Routes{
		Scheduler: handler.NewSchedulerHandler(svc.Scheduling, svc.Exports),
		Events:    handler.NewRunEventsHandler(svc.Scheduling, cfg.CORS.AllowedOrigins, logr),
		Exports:   handler.NewExportHandler(svc.Exports),
		Tokens:    svc.Tokens,
		Limiter:   middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Logger:    logr,
	}.Register(r.Group(cfg.APIPrefix))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}
