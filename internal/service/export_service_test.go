package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
	"github.com/noah-isme/fleet-scheduler-api/pkg/export"
	"github.com/noah-isme/fleet-scheduler-api/pkg/storage"
)

type reportSourceStub map[string]*models.RunReport

func (s reportSourceStub) Report(_ context.Context, runID string) (*models.RunReport, error) {
	r, ok := s[runID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "report not available yet")
	}
	return r, nil
}

func sampleReport() *models.RunReport {
	return &models.RunReport{
		TripsCreated:     7,
		TotalSlots:       10,
		ExistingTrips:    1,
		UnscheduledSlots: 2,
		SuccessRate:      80,
		BusesAssigned:    3,
		DriversAssigned:  4,
		Depots: []models.DepotReport{
			{DepotID: "d1", DepotCode: "NORTH", TotalSlots: 6, AssignedSlots: 5, TripsCreated: 5, ExistingTrips: 1},
			{DepotID: "d2", TotalSlots: 4, AssignedSlots: 2, TripsCreated: 2, UnscheduledSlots: 2, StaleRetried: 1, Stopped: true},
		},
	}
}

func newExportServiceForTest(t *testing.T) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(reportSourceStub{"run-1": sampleReport()}, store, signer, cfg, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
	return svc, store
}

func TestExportServiceCSVDownload(t *testing.T) {
	svc, _ := newExportServiceForTest(t)

	resp, err := svc.Export(context.Background(), "run-1", dto.ExportRunRequest{Format: "CSV"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.URL, "/api/v1/export/"))
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	download, err := svc.ResolveDownload(strings.TrimPrefix(resp.URL, "/api/v1/export/"))
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, ExportFormatCSV, download.Format)
	assert.True(t, strings.HasPrefix(download.Filename, "run_run-1_"))

	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Depot,Slots,Assigned,Existing,Unscheduled,Trips Written,Stale Retried,Buses,Drivers,Conductors", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "NORTH,6,5,1,0,5,0"))
	assert.True(t, strings.HasPrefix(lines[2], "d2 (stopped),4,2"))
	assert.True(t, strings.HasPrefix(lines[3], "TOTAL (80.00% filled),10,7,1,2,7,1"))
}

func TestExportServicePDF(t *testing.T) {
	svc, _ := newExportServiceForTest(t)

	resp, err := svc.Export(context.Background(), "run-1", dto.ExportRunRequest{Format: "pdf"})
	require.NoError(t, err)

	download, err := svc.ResolveDownload(strings.TrimPrefix(resp.URL, "/api/v1/export/"))
	require.NoError(t, err)
	defer download.File.Close()
	head := make([]byte, 4)
	_, err = io.ReadFull(download.File, head)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(head))
}

func TestExportServiceErrors(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	ctx := context.Background()

	_, err := svc.Export(ctx, "run-1", dto.ExportRunRequest{Format: "xlsx"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.Export(ctx, "run-2", dto.ExportRunRequest{Format: "csv"})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	_, err = svc.ResolveDownload("garbage")
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	resp, err := svc.Export(ctx, "run-1", dto.ExportRunRequest{Format: "csv"})
	require.NoError(t, err)
	token := strings.TrimPrefix(resp.URL, "/api/v1/export/")
	download, err := svc.ResolveDownload(token)
	require.NoError(t, err)
	download.File.Close()
	require.NoError(t, store.Delete(download.Filename))

	_, err = svc.ResolveDownload(token)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestReportTableNotes(t *testing.T) {
	report := sampleReport()
	report.Optimizer = &models.OptimizerStats{Iterations: 120, Improvements: 4, DurationMs: 35}
	report.FatigueOverrides = []models.FatigueOverride{{
		CrewID: "drv-7", Role: models.CrewRoleDriver, RouteID: "r1",
		Departure: time.Date(2025, time.March, 5, 6, 30, 0, 0, time.UTC), Score: 72.5,
	}}
	for i := 0; i < maxExportNotes+5; i++ {
		report.Warnings = append(report.Warnings, models.RunMessage{Code: "UNSCHEDULED", Reason: "no_driver", DepotID: "d2", RouteID: "r2", Date: "2025-03-05", Message: "no eligible driver"})
	}
	report.WarningsTruncated = 10

	table := reportTable("run-1", report, time.Date(2025, time.March, 4, 9, 0, 0, 0, time.UTC))

	assert.Equal(t, "Scheduling run run-1", table.Title)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "TOTAL (80.00% filled)", table.Totals[0])
	require.Len(t, table.Notes, maxExportNotes+2)
	assert.Equal(t, "optimizer: 120 iterations, 4 improvements in 35ms", table.Notes[0])
	assert.Equal(t, "fatigue override: driver drv-7 on route r1 at 2025-03-05 06:30 (score 72.5)", table.Notes[1])
	assert.Equal(t, "warning UNSCHEDULED/no_driver depot d2 route r2 2025-03-05: no eligible driver", table.Notes[2])
	assert.Equal(t, "16 further entries omitted", table.Notes[len(table.Notes)-1])
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "na", sanitizeFilename(""))
	assert.Equal(t, "a-b_c", sanitizeFilename("a/b c"))
	assert.Len(t, sanitizeFilename(strings.Repeat("x", 150)), 100)
}
