package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/fleet-scheduler-api/internal/service"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
	"github.com/noah-isme/fleet-scheduler-api/pkg/response"
)

var exportContentTypes = map[string]string{
	service.ExportFormatCSV: "text/csv; charset=utf-8",
	service.ExportFormatPDF: "application/pdf",
}

type downloadResolver interface {
	ResolveDownload(token string) (*service.ExportDownload, error)
}

// ExportHandler serves signed report downloads.
type ExportHandler struct {
	exports downloadResolver
}

// NewExportHandler constructs the handler.
func NewExportHandler(exports *service.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// Download godoc
// @Summary Download an exported run report
// @Tags Scheduler
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200
// @Failure 403 {object} response.Envelope
// @Router /export/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	download, err := h.exports.ResolveDownload(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read export"))
		return
	}
	contentType, ok := exportContentTypes[download.Format]
	if !ok {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", download.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), contentType, download.File, nil)
}
