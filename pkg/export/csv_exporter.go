package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// CSVExporter writes tables as RFC 4180 CSV. Notes follow the grid as two-cell "note" records.
type CSVExporter struct{}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render encodes the table.
func (e *CSVExporter) Render(table Table) ([]byte, error) {
	if err := table.validate(); err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	records := make([][]string, 0, len(table.Rows)+len(table.Notes)+2)
	records = append(records, table.Headers())
	records = append(records, table.Rows...)
	if table.Totals != nil {
		records = append(records, table.Totals)
	}
	for _, note := range table.Notes {
		records = append(records, []string{"note", note})
	}
	if err := writer.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
