package signup

import (
	"context"
	"fmt"
	"time"
)

// LinkSpreadsheet records the association between an external spreadsheet
// and the batch created from it. Written exactly once per pair, right
// after batch creation; the set of linked ids is the sole dedupe mechanism
// preventing a spreadsheet from being imported twice.
func (s *Store) LinkSpreadsheet(ctx context.Context, batch Ref[Batch], spreadsheetID, title, url string) (*BatchSpreadsheet, error) {
	if spreadsheetID == "" {
		return nil, validationErr("spreadsheet_id", "required")
	}
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	bs := &BatchSpreadsheet{
		SpreadsheetID: spreadsheetID,
		BatchID:       b.ID,
		Title:         title,
		URL:           url,
		Created:       time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO signup_batch_spreadsheets
		(spreadsheet_id, batch_id, title, url, created) VALUES ($1, $2, $3, $4, $5)`,
		bs.SpreadsheetID, bs.BatchID, bs.Title, bs.URL, bs.Created)
	if isUniqueViolation(err) {
		return nil, validationErr("spreadsheet_id", "already linked to a batch")
	}
	if err != nil {
		return nil, fmt.Errorf("link spreadsheet: %w", err)
	}
	return bs, nil
}

// ImportedSpreadsheetIDs returns the set of external spreadsheet ids that
// have already produced a batch.
func (s *Store) ImportedSpreadsheetIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spreadsheet_id FROM signup_batch_spreadsheets`)
	if err != nil {
		return nil, fmt.Errorf("imported spreadsheet ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// SpreadsheetForBatch returns the spreadsheet link for a batch, used to
// locate the original input when building follow-up exports.
func (s *Store) SpreadsheetForBatch(ctx context.Context, batch Ref[Batch]) (*BatchSpreadsheet, error) {
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	bs := &BatchSpreadsheet{}
	err = s.db.QueryRowContext(ctx, `SELECT spreadsheet_id, batch_id, title, url, created
		FROM signup_batch_spreadsheets WHERE batch_id = $1`, b.ID).Scan(
		&bs.SpreadsheetID, &bs.BatchID, &bs.Title, &bs.URL, &bs.Created)
	if err != nil {
		return nil, fmt.Errorf("spreadsheet for batch: %w", err)
	}
	return bs, nil
}

// DeleteBatchSpreadsheet removes a spreadsheet link. Compensation only,
// like DeleteBatch.
func (s *Store) DeleteBatchSpreadsheet(ctx context.Context, spreadsheetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM signup_batch_spreadsheets
		WHERE spreadsheet_id = $1`, spreadsheetID)
	return err
}
