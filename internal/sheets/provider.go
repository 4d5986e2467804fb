// Package sheets is the narrow interface to the external spreadsheet
// provider: listing sign-up spreadsheets in a folder, reading meta and raw
// sheets as records, and creating the error/export spreadsheets.
package sheets

import (
	"context"
	"strings"
)

// Spreadsheet identifies one external spreadsheet document.
type Spreadsheet struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Sheet is one worksheet's grid. The first row is treated as headers by
// Records; the importer may drop leading junk rows before that holds.
type Sheet struct {
	Headers []string
	Rows    [][]string
}

// Provider is the spreadsheet collaborator consumed by the importer and
// the follow-up reconciler. Implementations wrap each call in the shared
// bounded retry policy; business logic never retries.
type Provider interface {
	// ListSpreadsheets returns every spreadsheet in the folder,
	// recursing into subfolders breadth-first.
	ListSpreadsheets(ctx context.Context, folderID string) ([]Spreadsheet, error)

	// ReadSheet fetches the grid of the named worksheet.
	ReadSheet(ctx context.Context, spreadsheetID, title string) (*Sheet, error)

	// CreateSpreadsheet makes a new single-sheet document in the folder
	// with the given header row.
	CreateSpreadsheet(ctx context.Context, folderID, title string, headers []string) (*Spreadsheet, error)

	// AppendRow appends one record to the named worksheet, ordering the
	// cells by the given headers.
	AppendRow(ctx context.Context, spreadsheetID, title string, headers []string, row map[string]string) error

	// MoveSpreadsheet reparents a document into the folder.
	MoveSpreadsheet(ctx context.Context, spreadsheetID, folderID string) error
}

// NormalizeHeader squashes a header cell to the bare lowercase key used
// by the column-name maps: "First Name" becomes "firstname".
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "")
	h = strings.ReplaceAll(h, "_", "")
	return h
}

// HasHeaders reports whether the sheet's current first row contains every
// wanted header.
func (s *Sheet) HasHeaders(wanted []string) bool {
	have := make(map[string]bool, len(s.Headers))
	for _, h := range s.Headers {
		have[NormalizeHeader(h)] = true
	}
	for _, w := range wanted {
		if !have[w] {
			return false
		}
	}
	return true
}

// DropFirstRow shifts the grid up one row: the old first data row becomes
// the header row. Used to discard meta junk above the real headers.
func (s *Sheet) DropFirstRow() {
	if len(s.Rows) == 0 {
		s.Headers = nil
		return
	}
	s.Headers = s.Rows[0]
	s.Rows = s.Rows[1:]
}

// Len returns the number of data rows.
func (s *Sheet) Len() int { return len(s.Rows) }

// Records returns the data rows keyed by normalized header.
func (s *Sheet) Records() []map[string]string {
	keys := make([]string, len(s.Headers))
	for i, h := range s.Headers {
		keys[i] = NormalizeHeader(h)
	}

	records := make([]map[string]string, 0, len(s.Rows))
	for _, row := range s.Rows {
		rec := make(map[string]string, len(keys))
		for i, key := range keys {
			if key == "" {
				continue
			}
			if i < len(row) {
				rec[key] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records
}
