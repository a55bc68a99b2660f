package export

import "fmt"

// Column describes one report column. Numeric columns are right aligned in PDFs.
type Column struct {
	Header  string
	Numeric bool
}

// Table is a titled grid with an optional totals row and free-text notes printed after it.
type Table struct {
	Title    string
	Subtitle string
	Columns  []Column
	Rows     [][]string
	Totals   []string
	Notes    []string
}

// Headers returns the column headers in order.
func (t Table) Headers() []string {
	headers := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		headers[i] = col.Header
	}
	return headers
}

func (t Table) validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table requires at least one column")
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
	}
	if t.Totals != nil && len(t.Totals) != len(t.Columns) {
		return fmt.Errorf("totals row has %d cells, want %d", len(t.Totals), len(t.Columns))
	}
	return nil
}
