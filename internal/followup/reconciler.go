// Package followup reconciles recently imported batches against the
// opt-outs and bounces that arrived since their verification emails went
// out: it expires unused opt-out tokens, updates batch counters, exports
// the affected persons to staff-facing spreadsheets, builds CSVs of the
// successful sign-ups, and mails digests to staff and the admin.
package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
	"github.com/edemocracy/signup-verifier/internal/sheets"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

// Config carries the settings for one follow-up run. The window selects
// batches old enough for opt-outs and bounces to have arrived but not yet
// reconciled: created between now-WindowStart and now-WindowEnd.
type Config struct {
	WindowStart     time.Duration
	WindowEnd       time.Duration
	ProcessOptOuts  bool
	ProcessBounces  bool
	ExportsFolderID string
	CSVColumns      []string
	AdminEmail      string
	SignupsCC       string
	SubjectFollowup string
}

// Reconciler drives one follow-up run.
type Reconciler struct {
	store     *signup.Store
	sheets    sheets.Provider
	mail      mailer.Sender
	tpl       *mailer.Templates
	artifacts ArtifactStore
	cfg       Config

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a reconciler. artifacts may be nil, in which case CSVs are
// still attached to the admin bundle but no links are published.
func New(store *signup.Store, provider sheets.Provider, mail mailer.Sender, artifacts ArtifactStore, cfg Config) *Reconciler {
	return &Reconciler{
		store:     store,
		sheets:    provider,
		mail:      mail,
		tpl:       mailer.NewTemplates(),
		artifacts: artifacts,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CSVArtifact is one exported CSV of successful sign-ups.
type CSVArtifact struct {
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
	Count    int    `json:"count"`
	Data     []byte `json:"-"`
}

// BatchReport records what the run did for one batch.
type BatchReport struct {
	BatchID        uuid.UUID     `json:"batch_id"`
	EventName      string        `json:"event_name"`
	EventDate      string        `json:"event_date"`
	StaffEmail     string        `json:"staff_email"`
	Submitted      int           `json:"submitted"`
	Invalid        int           `json:"invalid"`
	OptOuts        int           `json:"optouts"`
	Bounces        int           `json:"bounces"`
	OptOutSheetURL string        `json:"optout_sheet_url,omitempty"`
	BounceSheetURL string        `json:"bounce_sheet_url,omitempty"`
	CSVs           []CSVArtifact `json:"csvs,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// RunReport summarizes one follow-up run.
type RunReport struct {
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Batches     int            `json:"batches"`
	Failed      int            `json:"failed"`
	Reports     []*BatchReport `json:"reports"`
}

// Run performs one follow-up pass over the batches in the window. A
// failure on one batch is recorded and the rest continue.
func (r *Reconciler) Run(ctx context.Context) (*RunReport, error) {
	now := r.now()
	after := now.Add(-r.cfg.WindowStart)
	before := now.Add(-r.cfg.WindowEnd)
	report := &RunReport{WindowStart: after, WindowEnd: before}

	batches, err := r.store.QueryBatches(ctx, &before, &after)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		logger.Info("follow-up: no batches in window",
			"after", after.Format(time.RFC3339), "before", before.Format(time.RFC3339))
		return report, nil
	}
	report.Batches = len(batches)

	refs := make([]signup.Ref[signup.Batch], 0, len(batches))
	for _, b := range batches {
		refs = append(refs, signup.Of(b))
	}
	// Tokens expire whether or not the rest of the batch reconciles; an
	// opt-out link must stop working once its follow-up has run.
	if err := r.store.DeleteOptOutTokensForBatches(ctx, refs); err != nil {
		return nil, fmt.Errorf("expire optout tokens: %w", err)
	}

	for _, b := range batches {
		br := r.reconcileBatch(ctx, b)
		report.Reports = append(report.Reports, br)
		if br.Error != "" {
			report.Failed++
		}
	}

	if err := r.sendStaffDigests(ctx, report.Reports); err != nil {
		logger.Error("follow-up staff digest failed", "err", err)
	}
	if err := r.sendAdminBundle(ctx, report.Reports); err != nil {
		logger.Error("follow-up admin bundle failed", "err", err)
	}

	logger.Info("follow-up run complete",
		"batches", report.Batches, "failed", report.Failed)
	return report, nil
}

func (r *Reconciler) reconcileBatch(ctx context.Context, b *signup.Batch) *BatchReport {
	br := &BatchReport{
		BatchID:    b.ID,
		EventName:  b.EventName,
		EventDate:  b.EventDate,
		StaffEmail: b.StaffEmail,
		Submitted:  b.SubmittedCount,
		Invalid:    b.InvalidCount,
	}
	if err := r.doReconcile(ctx, b, br); err != nil {
		logger.Error("follow-up batch failed", "batch", b.ID, "err", err)
		br.Error = err.Error()
	}
	return br
}

func (r *Reconciler) doReconcile(ctx context.Context, b *signup.Batch, br *BatchReport) error {
	var optouts []*signup.OptOut
	var bounces []*signup.Bounce
	var err error

	if r.cfg.ProcessOptOuts {
		optouts, err = r.store.OptOutsForBatch(ctx, signup.Of(b))
		if err != nil {
			return fmt.Errorf("fetch optouts: %w", err)
		}
	}
	if r.cfg.ProcessBounces {
		bounces, err = r.store.BouncesForBatch(ctx, signup.Of(b))
		if err != nil {
			return fmt.Errorf("fetch bounces: %w", err)
		}
	}
	br.OptOuts = len(optouts)
	br.Bounces = len(bounces)

	counters := signup.Counters{
		Submitted: b.SubmittedCount,
		Invalid:   b.InvalidCount,
		OptedOut:  len(optouts),
		Bounced:   len(bounces),
	}
	if err := r.store.UpdateCounters(ctx, signup.Of(b), counters); err != nil {
		return fmt.Errorf("update counters: %w", err)
	}

	if len(optouts) > 0 {
		url, err := r.exportOptOuts(ctx, b, optouts)
		if err != nil {
			return err
		}
		br.OptOutSheetURL = url
	}
	if len(bounces) > 0 {
		url, err := r.exportBounces(ctx, b, bounces)
		if err != nil {
			return err
		}
		br.BounceSheetURL = url
	}

	csvs, err := r.exportSuccessful(ctx, b, optouts, bounces)
	if err != nil {
		return err
	}
	br.CSVs = csvs
	return nil
}

// exportSuccessful builds one CSV per delivery preference out of the
// batch's persons that neither bounced nor opted out.
func (r *Reconciler) exportSuccessful(ctx context.Context, b *signup.Batch, optouts []*signup.OptOut, bounces []*signup.Bounce) ([]CSVArtifact, error) {
	persons, err := r.store.PersonsForBatch(ctx, signup.Of(b))
	if err != nil {
		return nil, fmt.Errorf("fetch persons: %w", err)
	}

	excluded := make(map[uuid.UUID]bool, len(optouts)+len(bounces))
	for _, o := range optouts {
		excluded[o.PersonID] = true
	}
	for _, bn := range bounces {
		excluded[bn.PersonID] = true
	}

	byPref := map[string][]*signup.Person{}
	for _, p := range persons {
		if excluded[p.ID] {
			continue
		}
		pref := p.DeliveryPref
		if pref == "" {
			pref = signup.DeliveryEmail
		}
		byPref[pref] = append(byPref[pref], p)
	}

	var out []CSVArtifact
	for _, pref := range sortedKeys(byPref) {
		group := byPref[pref]
		data, err := buildCSV(r.cfg.CSVColumns, group)
		if err != nil {
			return nil, fmt.Errorf("build csv: %w", err)
		}
		art := CSVArtifact{
			Filename: csvFilename(b, pref),
			Count:    len(group),
			Data:     data,
		}
		if r.artifacts != nil {
			url, err := r.artifacts.Upload(ctx, art.Filename, data)
			if err != nil {
				logger.Error("csv upload failed", "filename", art.Filename, "err", err)
			} else {
				art.URL = url
			}
		}
		out = append(out, art)
	}
	return out, nil
}
