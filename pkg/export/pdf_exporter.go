package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const (
	pdfMargin    = 10.0
	pdfRowHeight = 7.0
)

// PDFExporter renders tables as an A4 document. Wide tables switch to landscape and the
// header row repeats on every page.
type PDFExporter struct {
	landscapeAfter int
}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{landscapeAfter: 6}
}

// Render lays out the title, the grid, the totals row and any notes.
func (e *PDFExporter) Render(table Table) ([]byte, error) {
	if err := table.validate(); err != nil {
		return nil, fmt.Errorf("pdf: %w", err)
	}
	orientation := "P"
	if len(table.Columns) > e.landscapeAfter {
		orientation = "L"
	}
	pdf := gofpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(pdfMargin, 15, pdfMargin)
	pdf.SetAutoPageBreak(false, pdfMargin)
	pdf.AddPage()

	pageWidth, pageHeight := pdf.GetPageSize()
	widths := columnWidths(len(table.Columns), pageWidth-2*pdfMargin)

	if table.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, table.Title, "", 1, "C", false, 0, "")
	}
	if table.Subtitle != "" {
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 6, table.Subtitle, "", 1, "C", false, 0, "")
	}
	pdf.Ln(4)

	header := func() {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(225, 225, 225)
		for i, col := range table.Columns {
			pdf.CellFormat(widths[i], pdfRowHeight+1, col.Header, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
	}
	row := func(cells []string, fill bool) {
		if pdf.GetY()+pdfRowHeight > pageHeight-pdfMargin {
			pdf.AddPage()
			header()
			pdf.SetFont("Arial", "", 9)
		}
		for i, cell := range cells {
			align := "L"
			if table.Columns[i].Numeric {
				align = "R"
			}
			pdf.CellFormat(widths[i], pdfRowHeight, cell, "1", 0, align, fill, 0, "")
		}
		pdf.Ln(-1)
	}

	header()
	pdf.SetFont("Arial", "", 9)
	for _, cells := range table.Rows {
		row(cells, false)
	}
	if table.Totals != nil {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(245, 245, 245)
		row(table.Totals, true)
	}

	if len(table.Notes) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "", 8)
		for _, note := range table.Notes {
			if pdf.GetY()+5 > pageHeight-pdfMargin {
				pdf.AddPage()
			}
			pdf.MultiCell(0, 5, "- "+note, "", "L", false)
		}
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// columnWidths gives the first column twice the share of the others.
func columnWidths(n int, total float64) []float64 {
	widths := make([]float64, n)
	if n == 1 {
		widths[0] = total
		return widths
	}
	unit := total / float64(n+1)
	widths[0] = 2 * unit
	for i := 1; i < n; i++ {
		widths[i] = unit
	}
	return widths
}
