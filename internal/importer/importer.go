// Package importer orchestrates the initial processing run: discover new
// sign-up spreadsheets, import their batches and persons through the
// record store, mint opt-out tokens, send verification emails, and digest
// the results back to staff.
package importer

import (
	"context"
	"fmt"

	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
	"github.com/edemocracy/signup-verifier/internal/sheets"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

// requiredRawHeaders are the columns the raw sheet's header row must
// contain before rows are trusted as sign-up data.
var requiredRawHeaders = []string{"email", "firstname", "lastname", "fullname"}

// Config carries the settings the importer needs per run.
type Config struct {
	SignupsFolderID     string
	FailedFolderID      string
	MetaSheetTitle      string
	RawSheetTitle       string
	AdminEmail          string
	SignupsCC           string
	SubjectVerification string
	SubjectInitial      string
	OptOutBaseURL       string
}

// Importer drives one import run. It holds no per-run state; Run may be
// called repeatedly.
type Importer struct {
	store  *signup.Store
	sheets sheets.Provider
	mail   mailer.Sender
	tpl    *mailer.Templates
	cfg    Config
}

// New creates an importer.
func New(store *signup.Store, provider sheets.Provider, mail mailer.Sender, cfg Config) *Importer {
	return &Importer{
		store:  store,
		sheets: provider,
		mail:   mail,
		tpl:    mailer.NewTemplates(),
		cfg:    cfg,
	}
}

// PersonFailure is one row that could not become a person.
type PersonFailure struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Reason   string `json:"reason"`
}

// ImportedPerson pairs a stored person with the opt-out token minted for
// them, so the verification email can carry the opt-out link.
type ImportedPerson struct {
	Person *signup.Person
	Token  *signup.OptOutToken
}

// BatchLog collects what happened to one spreadsheet during a run.
type BatchLog struct {
	StaffEmail     string           `json:"staff_email"`
	EventName      string           `json:"event_name"`
	EventDate      string           `json:"event_date"`
	SpreadsheetURL string           `json:"spreadsheet_url"`
	Error          string           `json:"error,omitempty"`
	PersonsSuccess []ImportedPerson `json:"-"`
	PersonsFail    []PersonFailure  `json:"persons_fail,omitempty"`
	ErrorsSheetURL string           `json:"errors_sheet_url,omitempty"`
}

// RunReport summarizes one import run.
type RunReport struct {
	Found    int         `json:"found"`
	Skipped  int         `json:"skipped"`
	Imported int         `json:"imported"`
	Failed   int         `json:"failed"`
	Logs     []*BatchLog `json:"logs"`
}

// Run performs one full import pass. A failure on one spreadsheet never
// aborts the run; only listing the folder or reading the dedupe set can
// fail the whole pass.
func (im *Importer) Run(ctx context.Context) (*RunReport, error) {
	imported, err := im.store.ImportedSpreadsheetIDs(ctx)
	if err != nil {
		return nil, err
	}
	all, err := im.sheets.ListSpreadsheets(ctx, im.cfg.SignupsFolderID)
	if err != nil {
		return nil, fmt.Errorf("list signups folder: %w", err)
	}

	report := &RunReport{Found: len(all)}
	for _, sp := range all {
		if imported[sp.ID] {
			report.Skipped++
			continue
		}
		blog := im.importSpreadsheet(ctx, sp)
		report.Logs = append(report.Logs, blog)
		if blog.Error != "" {
			report.Failed++
		} else {
			report.Imported++
		}
	}

	if err := im.sendDigests(ctx, report.Logs); err != nil {
		logger.Error("import digest send failed", "err", err)
	}
	logger.Info("import run complete",
		"found", report.Found, "skipped", report.Skipped,
		"imported", report.Imported, "failed", report.Failed)
	return report, nil
}

// importSpreadsheet runs the per-spreadsheet state machine. Any failure
// before row processing deletes whatever the attempt created and moves
// the spreadsheet aside so the next run does not retry it forever.
func (im *Importer) importSpreadsheet(ctx context.Context, sp sheets.Spreadsheet) *BatchLog {
	blog := &BatchLog{SpreadsheetURL: sp.URL}

	batch, err := im.createBatch(ctx, sp, blog)
	if err != nil {
		im.failSpreadsheet(ctx, sp, batch, blog, err)
		return blog
	}

	raw, err := im.readRawSheet(ctx, sp)
	if err != nil {
		im.failSpreadsheet(ctx, sp, batch, blog, err)
		return blog
	}

	im.importRows(ctx, sp, batch, raw, blog)
	im.sendVerificationEmails(ctx, batch, blog)

	counters := signup.Counters{
		Submitted: batch.SubmittedCount,
		Invalid:   batch.InvalidCount,
	}
	if err := im.store.UpdateCounters(ctx, signup.Of(batch), counters); err != nil {
		logger.Error("persist batch counters failed", "batch", batch.ID, "err", err)
	}
	return blog
}

func (im *Importer) createBatch(ctx context.Context, sp sheets.Spreadsheet, blog *BatchLog) (*signup.Batch, error) {
	meta, err := im.sheets.ReadSheet(ctx, sp.ID, im.cfg.MetaSheetTitle)
	if err != nil {
		return nil, fmt.Errorf("read meta sheet: %w", err)
	}
	records := meta.Records()
	if len(records) == 0 {
		return nil, fmt.Errorf("meta sheet of %s has no data row", sp.ID)
	}

	fields, err := signup.MetaRowToFields(records[0])
	if err != nil {
		return nil, err
	}

	var batch *signup.Batch
	if fields.PrevBatch != nil {
		batch, err = im.store.CreateBatchChange(ctx, fields, signup.ByID[signup.Batch](*fields.PrevBatch))
	} else {
		batch, err = im.store.CreateBatch(ctx, fields)
	}
	if err != nil {
		return nil, err
	}

	blog.StaffEmail = batch.StaffEmail
	blog.EventName = batch.EventName
	blog.EventDate = batch.EventDate

	if _, err := im.store.LinkSpreadsheet(ctx, signup.Of(batch), sp.ID, sp.Title, sp.URL); err != nil {
		return batch, fmt.Errorf("link spreadsheet: %w", err)
	}
	return batch, nil
}

// failSpreadsheet is the compensation path: best-effort deletes, not a
// transaction. A crash between the creates and here can still leave an
// orphaned batch.
func (im *Importer) failSpreadsheet(ctx context.Context, sp sheets.Spreadsheet, batch *signup.Batch, blog *BatchLog, cause error) {
	logger.Error("spreadsheet import failed", "spreadsheet", sp.ID, "err", cause)
	blog.Error = cause.Error()
	if blog.StaffEmail == "" {
		blog.StaffEmail = im.cfg.AdminEmail
		blog.EventName = "ERROR"
		blog.EventDate = "ERROR"
	}

	if batch != nil {
		if err := im.store.DeleteBatchSpreadsheet(ctx, sp.ID); err != nil {
			logger.Error("rollback spreadsheet link failed", "spreadsheet", sp.ID, "err", err)
		}
		if err := im.store.DeleteBatch(ctx, signup.Of(batch)); err != nil {
			logger.Error("rollback batch failed", "batch", batch.ID, "err", err)
		}
	}
	if im.cfg.FailedFolderID != "" {
		if err := im.sheets.MoveSpreadsheet(ctx, sp.ID, im.cfg.FailedFolderID); err != nil {
			logger.Error("move to failed folder failed", "spreadsheet", sp.ID, "err", err)
		}
	}
}

// readRawSheet fetches the raw sheet and discards leading rows until the
// header row contains the sign-up columns. Staff sometimes paste meta
// headers above the real ones.
func (im *Importer) readRawSheet(ctx context.Context, sp sheets.Spreadsheet) (*sheets.Sheet, error) {
	raw, err := im.sheets.ReadSheet(ctx, sp.ID, im.cfg.RawSheetTitle)
	if err != nil {
		return nil, fmt.Errorf("read raw sheet: %w", err)
	}
	for !raw.HasHeaders(requiredRawHeaders) {
		if raw.Len() == 0 {
			return nil, fmt.Errorf("raw sheet of %s has no usable header row", sp.ID)
		}
		raw.DropFirstRow()
	}
	return raw, nil
}

func (im *Importer) importRows(ctx context.Context, sp sheets.Spreadsheet, batch *signup.Batch, raw *sheets.Sheet, blog *BatchLog) {
	var errorsSheet *sheets.Spreadsheet

	for _, row := range raw.Records() {
		if signup.IsBlankPersonRow(row) {
			continue
		}
		batch.SubmittedCount++

		if violations := signup.ValidatePersonRow(row); len(violations) > 0 {
			batch.InvalidCount++
			im.recordInvalidRow(ctx, batch, raw, row, violations, &errorsSheet, blog)
			continue
		}

		fields, err := signup.PersonRowToFields(row)
		if err != nil {
			im.recordFailedRow(row, err, blog)
			continue
		}

		var person *signup.Person
		if fields.PersonID != nil {
			person, err = im.store.CreatePersonChange(ctx, fields,
				signup.ByID[signup.Person](*fields.PersonID), signup.Of(batch))
		} else {
			person, err = im.store.CreatePerson(ctx, fields, signup.Of(batch))
		}
		if err != nil {
			im.recordFailedRow(row, err, blog)
			continue
		}

		token, err := im.store.CreateOptOutToken(ctx, signup.Of(batch), signup.Of(person))
		if err != nil {
			im.recordFailedRow(row, err, blog)
			continue
		}
		blog.PersonsSuccess = append(blog.PersonsSuccess, ImportedPerson{Person: person, Token: token})
	}
}

// recordInvalidRow appends the row and its problems to the per-batch
// validation-errors spreadsheet, creating it on the first violation.
func (im *Importer) recordInvalidRow(ctx context.Context, batch *signup.Batch, raw *sheets.Sheet, row map[string]string, violations []string, errorsSheet **sheets.Spreadsheet, blog *BatchLog) {
	reason := joinErrors(violations)
	blog.PersonsFail = append(blog.PersonsFail, PersonFailure{
		Email:    row["email"],
		FullName: row["fullname"],
		Reason:   reason,
	})

	headers := append(append([]string{}, raw.Headers...), "errors")
	if *errorsSheet == nil {
		title := fmt.Sprintf("%s - Validation Errors", batch.EventName)
		created, err := im.sheets.CreateSpreadsheet(ctx, im.cfg.FailedFolderID, title, headers)
		if err != nil {
			logger.Error("create validation errors sheet failed", "batch", batch.ID, "err", err)
			return
		}
		*errorsSheet = created
		blog.ErrorsSheetURL = created.URL
	}

	row["errors"] = reason
	if err := im.sheets.AppendRow(ctx, (*errorsSheet).ID, "Sheet1", headers, row); err != nil {
		logger.Error("append validation error row failed", "batch", batch.ID, "err", err)
	}
}

func (im *Importer) recordFailedRow(row map[string]string, err error, blog *BatchLog) {
	logger.Error("person import failed", "email", row["email"], "err", err)
	blog.PersonsFail = append(blog.PersonsFail, PersonFailure{
		Email:    row["email"],
		FullName: row["fullname"],
		Reason:   err.Error(),
	})
}

func joinErrors(violations []string) string {
	out := ""
	for i, v := range violations {
		if i > 0 {
			out += "; "
		}
		out += v
	}
	return out
}
