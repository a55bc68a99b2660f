package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
	"github.com/noah-isme/fleet-scheduler-api/pkg/export"
	"github.com/noah-isme/fleet-scheduler-api/pkg/storage"
)

// Export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type reportSource interface {
	Report(ctx context.Context, runID string) (*models.RunReport, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type tableRenderer interface {
	Render(table export.Table) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix       string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// ExportDownload is a resolved, opened export file.
type ExportDownload struct {
	File      *os.File
	Filename  string
	Format    string
	ExpiresAt time.Time
}

// ExportService renders run reports to CSV or PDF and hands out signed download URLs.
type ExportService struct {
	reports reportSource
	storage fileStorage
	csv     tableRenderer
	pdf     tableRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
	now     func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(reports reportSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv, pdf tableRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		reports: reports,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Export renders the run's report and returns a signed download URL.
func (s *ExportService) Export(ctx context.Context, runID string, req dto.ExportRunRequest) (*dto.ExportRunResponse, error) {
	format := strings.ToLower(req.Format)
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	report, err := s.reports.Report(ctx, runID)
	if err != nil {
		return nil, err
	}

	table := reportTable(runID, report, s.now())
	renderer := s.csv
	if format == ExportFormatPDF {
		renderer = s.pdf
	}
	payload, err := renderer.Render(table)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to render report")
	}

	filename := fmt.Sprintf("run_%s_%s.%s", sanitizeFilename(runID), s.now().Format("20060102_150405"), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to store report")
	}
	token, expiresAt, err := s.signer.Generate(runID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to sign download")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	s.logger.Sugar().Infow("run report exported", "run_id", runID, "format", format, "path", relPath)
	return &dto.ExportRunResponse{URL: fmt.Sprintf("%s/export/%s", prefix, token), ExpiresAt: expiresAt}, nil
}

// ResolveDownload validates the token and opens the stored file.
func (s *ExportService) ResolveDownload(token string) (*ExportDownload, error) {
	link, err := s.signer.Verify(token)
	if errors.Is(err, storage.ErrLinkExpired) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired, export the report again")
	}
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	relPath, expiresAt := link.Path, link.ExpiresAt
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export file not found")
	}
	format := strings.TrimPrefix(filepath.Ext(relPath), ".")
	return &ExportDownload{File: file, Filename: filepath.Base(relPath), Format: format, ExpiresAt: expiresAt}, nil
}

// StartCleanup purges expired export files periodically.
func (s *ExportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
				if err != nil {
					s.logger.Sugar().Warnw("export cleanup failed", "error", err)
					continue
				}
				if len(removed) > 0 {
					s.logger.Sugar().Infow("expired exports removed", "count", len(removed))
				}
			}
		}
	}()
}

var reportColumns = []export.Column{
	{Header: "Depot"},
	{Header: "Slots", Numeric: true},
	{Header: "Assigned", Numeric: true},
	{Header: "Existing", Numeric: true},
	{Header: "Unscheduled", Numeric: true},
	{Header: "Trips Written", Numeric: true},
	{Header: "Stale Retried", Numeric: true},
	{Header: "Buses", Numeric: true},
	{Header: "Drivers", Numeric: true},
	{Header: "Conductors", Numeric: true},
}

// maxExportNotes bounds the warnings and overrides listed under the table.
const maxExportNotes = 50

// reportTable lays the report out as one row per depot followed by a totals row.
func reportTable(runID string, r *models.RunReport, generatedAt time.Time) export.Table {
	rows := make([][]string, 0, len(r.Depots))
	assigned := 0
	stale := 0
	for _, d := range r.Depots {
		name := d.DepotCode
		if name == "" {
			name = d.DepotID
		}
		if d.Stopped {
			name += " (stopped)"
		}
		assigned += d.AssignedSlots
		stale += d.StaleRetried
		rows = append(rows, counts(name, d.TotalSlots, d.AssignedSlots, d.ExistingTrips, d.UnscheduledSlots,
			d.TripsCreated, d.StaleRetried, d.BusesAssigned, d.DriversAssigned, d.ConductorsAssigned))
	}
	totals := counts(fmt.Sprintf("TOTAL (%.2f%% filled)", r.SuccessRate), r.TotalSlots, assigned, r.ExistingTrips,
		r.UnscheduledSlots, r.TripsCreated, stale, r.BusesAssigned, r.DriversAssigned, r.ConductorsAssigned)

	return export.Table{
		Title:    fmt.Sprintf("Scheduling run %s", runID),
		Subtitle: fmt.Sprintf("Generated %s, mean crew fatigue %.1f", generatedAt.Format(time.RFC3339), r.MeanFatigueScore),
		Columns:  reportColumns,
		Rows:     rows,
		Totals:   totals,
		Notes:    reportNotes(r),
	}
}

func counts(label string, values ...int) []string {
	row := make([]string, 0, len(values)+1)
	row = append(row, label)
	for _, v := range values {
		row = append(row, strconv.Itoa(v))
	}
	return row
}

func reportNotes(r *models.RunReport) []string {
	var notes []string
	if r.Optimizer != nil {
		notes = append(notes, fmt.Sprintf("optimizer: %d iterations, %d improvements in %dms",
			r.Optimizer.Iterations, r.Optimizer.Improvements, r.Optimizer.DurationMs))
	}

	entries := make([]string, 0, len(r.Errors)+len(r.FatigueOverrides)+len(r.Warnings))
	for _, e := range r.Errors {
		entries = append(entries, "error "+messageNote(e))
	}
	for _, o := range r.FatigueOverrides {
		entries = append(entries, fmt.Sprintf("fatigue override: %s %s on route %s at %s (score %.1f)",
			o.Role, o.CrewID, o.RouteID, o.Departure.Format("2006-01-02 15:04"), o.Score))
	}
	for _, w := range r.Warnings {
		entries = append(entries, "warning "+messageNote(w))
	}

	omitted := r.WarningsTruncated
	if len(entries) > maxExportNotes {
		omitted += len(entries) - maxExportNotes
		entries = entries[:maxExportNotes]
	}
	notes = append(notes, entries...)
	if omitted > 0 {
		notes = append(notes, fmt.Sprintf("%d further entries omitted", omitted))
	}
	return notes
}

func messageNote(m models.RunMessage) string {
	note := m.Code
	if m.Reason != "" {
		note += "/" + m.Reason
	}
	if m.DepotID != "" {
		note += " depot " + m.DepotID
	}
	if m.RouteID != "" {
		note += " route " + m.RouteID
	}
	if m.Date != "" {
		note += " " + m.Date
	}
	return note + ": " + m.Message
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
