package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/middleware"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/service"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
	"github.com/noah-isme/fleet-scheduler-api/pkg/response"
)

const (
	defaultRunListLimit = 20
	maxRunListLimit     = 100
)

type runController interface {
	Preview(ctx context.Context, req dto.DateRangeRequest) (*dto.PreviewResponse, error)
	Start(ctx context.Context, req dto.StartRunRequest, actorID string) (*dto.StartRunResponse, error)
	Status(ctx context.Context, runID string) (*dto.RunStatusResponse, error)
	Stop(ctx context.Context, runID string) (*dto.StopRunResponse, error)
	Clear(ctx context.Context, req dto.DateRangeRequest) (*dto.ClearResponse, error)
	Report(ctx context.Context, runID string) (*models.RunReport, error)
	List(ctx context.Context, filter models.RunFilter) ([]dto.RunSummary, int, error)
	Stats(ctx context.Context) (*models.SchedulerStats, error)
}

type runExporter interface {
	Export(ctx context.Context, runID string, req dto.ExportRunRequest) (*dto.ExportRunResponse, error)
}

// SchedulerHandler exposes scheduling run endpoints.
type SchedulerHandler struct {
	service  runController
	exporter runExporter
}

// NewSchedulerHandler constructs the handler.
func NewSchedulerHandler(svc *service.SchedulingService, exporter *service.ExportService) *SchedulerHandler {
	return &SchedulerHandler{service: svc, exporter: exporter}
}

// Preview godoc
// @Summary Estimate buses, routes and trips for a date range
// @Tags Scheduler
// @Accept json
// @Produce json
// @Param payload body dto.DateRangeRequest true "Depots and service dates"
// @Success 200 {object} response.Envelope
// @Router /scheduler/preview [post]
func (h *SchedulerHandler) Preview(c *gin.Context) {
	var req dto.DateRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid preview payload"))
		return
	}
	preview, err := h.service.Preview(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview, nil, middleware.ExtractMeta(c))
}

// Start godoc
// @Summary Start a scheduling run
// @Description Validates the configuration, locks the depots and queues the run. Progress is available through the status and events endpoints.
// @Tags Scheduler
// @Accept json
// @Produce json
// @Param payload body dto.StartRunRequest true "Run configuration"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /scheduler/runs [post]
func (h *SchedulerHandler) Start(c *gin.Context) {
	var req dto.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid run payload"))
		return
	}
	actor := ""
	if claims := middleware.Claims(c); claims != nil {
		actor = claims.UserID
	}
	accepted, err := h.service.Start(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, accepted)
}

// Status godoc
// @Summary Get run status, progress and activity log
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /scheduler/runs/{id} [get]
func (h *SchedulerHandler) Status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Stop godoc
// @Summary Request a run to stop
// @Description Queued runs stop immediately. Running runs finish their current slot and keep what was written.
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /scheduler/runs/{id}/stop [post]
func (h *SchedulerHandler) Stop(c *gin.Context) {
	result, err := h.service.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Clear godoc
// @Summary Remove scheduled trips for depots and dates
// @Description Only trips still in scheduled status are removed.
// @Tags Scheduler
// @Accept json
// @Produce json
// @Param payload body dto.DateRangeRequest true "Depots and service dates"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /scheduler/clear [post]
func (h *SchedulerHandler) Clear(c *gin.Context) {
	var req dto.DateRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid clear payload"))
		return
	}
	result, err := h.service.Clear(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Report godoc
// @Summary Get the report of a finished run
// @Tags Scheduler
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /scheduler/runs/{id}/report [get]
func (h *SchedulerHandler) Report(c *gin.Context) {
	report, err := h.service.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Export godoc
// @Summary Export a run report as CSV or PDF
// @Tags Scheduler
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param payload body dto.ExportRunRequest true "Export format"
// @Success 201 {object} response.Envelope
// @Router /scheduler/runs/{id}/export [post]
func (h *SchedulerHandler) Export(c *gin.Context) {
	var req dto.ExportRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export payload"))
		return
	}
	result, err := h.exporter.Export(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List scheduling runs, newest first
// @Tags Scheduler
// @Produce json
// @Param status query string false "Run status"
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /scheduler/runs [get]
func (h *SchedulerHandler) List(c *gin.Context) {
	filter := models.RunFilter{Limit: defaultRunListLimit}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := models.RunStatus(strings.ToLower(raw))
		filter.Status = &status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "offset must not be negative"))
			return
		}
		filter.Offset = offset
	}

	runs, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	if filter.Limit > maxRunListLimit {
		middleware.SetMeta(c, "limit_capped", true)
		filter.Limit = maxRunListLimit
	}
	pagination := &models.Pagination{
		Page:       filter.Offset/filter.Limit + 1,
		PageSize:   filter.Limit,
		TotalCount: total,
	}
	response.JSON(c, http.StatusOK, runs, pagination, middleware.ExtractMeta(c))
}

// Stats godoc
// @Summary Fleet and trip totals for today
// @Tags Scheduler
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /scheduler/stats [get]
func (h *SchedulerHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}
