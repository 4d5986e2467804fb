package followup

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/edemocracy/signup-verifier/internal/signup"
)

// exportOptOuts writes the batch's opt-outs to a fresh spreadsheet in the
// exports folder: the raw-sheet column layout plus reason and occurred.
func (r *Reconciler) exportOptOuts(ctx context.Context, b *signup.Batch, optouts []*signup.OptOut) (string, error) {
	headers := append(signup.RawHeaderKeys(), "reason", "occurred")
	title := fmt.Sprintf("%s (%s) - Opt-outs", b.EventName, b.EventDate)

	sheet, err := r.sheets.CreateSpreadsheet(ctx, r.cfg.ExportsFolderID, title, headers)
	if err != nil {
		return "", fmt.Errorf("create optout sheet: %w", err)
	}
	for _, o := range optouts {
		p, err := r.store.ResolvePerson(ctx, signup.ByID[signup.Person](o.PersonID))
		if err != nil {
			return "", fmt.Errorf("resolve opted-out person: %w", err)
		}
		row := signup.PersonToRow(p)
		row["reason"] = o.Reason
		row["occurred"] = o.Occurred.Format("2006-01-02 15:04")
		if err := r.sheets.AppendRow(ctx, sheet.ID, "Sheet1", headers, row); err != nil {
			return "", fmt.Errorf("append optout row: %w", err)
		}
	}
	return sheet.URL, nil
}

// exportBounces mirrors exportOptOuts for bounced addresses, with the
// delivery failure message in place of the reason.
func (r *Reconciler) exportBounces(ctx context.Context, b *signup.Batch, bounces []*signup.Bounce) (string, error) {
	headers := append(signup.RawHeaderKeys(), "message", "occurred")
	title := fmt.Sprintf("%s (%s) - Bounced", b.EventName, b.EventDate)

	sheet, err := r.sheets.CreateSpreadsheet(ctx, r.cfg.ExportsFolderID, title, headers)
	if err != nil {
		return "", fmt.Errorf("create bounce sheet: %w", err)
	}
	for _, bn := range bounces {
		p, err := r.store.ResolvePerson(ctx, signup.ByID[signup.Person](bn.PersonID))
		if err != nil {
			return "", fmt.Errorf("resolve bounced person: %w", err)
		}
		row := signup.PersonToRow(p)
		row["message"] = bn.Message
		row["occurred"] = bn.Occurred.Format("2006-01-02 15:04")
		if err := r.sheets.AppendRow(ctx, sheet.ID, "Sheet1", headers, row); err != nil {
			return "", fmt.Errorf("append bounce row: %w", err)
		}
	}
	return sheet.URL, nil
}

// WriteCSV renders rows into CSV bytes in the given column order.
// Columns missing from a row come out empty, matching the lossy row
// mapping. Also used by the demographics export handler.
func WriteCSV(columns []string, rows []map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildCSV(columns []string, persons []*signup.Person) ([]byte, error) {
	rows := make([]map[string]string, len(persons))
	for i, p := range persons {
		rows[i] = signup.PersonToRow(p)
	}
	return WriteCSV(columns, rows)
}

func csvFilename(b *signup.Batch, pref string) string {
	name := fmt.Sprintf("%s-%s-%s.csv", b.EventName, b.EventDate, pref)
	return sanitizeFilename(name)
}

// sanitizeFilename keeps the name safe for object keys and mail
// attachments.
func sanitizeFilename(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
