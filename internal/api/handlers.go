package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edemocracy/signup-verifier/internal/followup"
	"github.com/edemocracy/signup-verifier/internal/importer"
	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/distlock"
	"github.com/edemocracy/signup-verifier/internal/pkg/httputil"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

// ImportRunner runs one import pass.
type ImportRunner interface {
	Run(ctx context.Context) (*importer.RunReport, error)
}

// FollowupRunner runs one follow-up pass.
type FollowupRunner interface {
	Run(ctx context.Context) (*followup.RunReport, error)
}

// Handlers holds the route handlers' collaborators.
type Handlers struct {
	store    *signup.Store
	importer ImportRunner
	followup FollowupRunner
	tpl      *mailer.Templates

	// csvColumns is the demographics export's column order.
	csvColumns []string

	// redis guards run triggers against overlapping executions across
	// instances. Nil disables the lock.
	redis *redis.Client
}

// NewHandlers wires the handlers.
func NewHandlers(store *signup.Store, imp ImportRunner, fup FollowupRunner, csvColumns []string, redisClient *redis.Client) *Handlers {
	return &Handlers{
		store:      store,
		importer:   imp,
		followup:   fup,
		tpl:        mailer.NewTemplates(),
		csvColumns: csvColumns,
		redis:      redisClient,
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// TriggerImport runs an import pass synchronously and returns its report.
// Concurrent triggers are rejected while a run holds the lock.
func (h *Handlers) TriggerImport(w http.ResponseWriter, r *http.Request) {
	h.runLocked(w, r, "import", func(ctx context.Context) (any, error) {
		return h.importer.Run(ctx)
	})
}

// TriggerFollowup runs a follow-up pass synchronously.
func (h *Handlers) TriggerFollowup(w http.ResponseWriter, r *http.Request) {
	h.runLocked(w, r, "followup", func(ctx context.Context) (any, error) {
		return h.followup.Run(ctx)
	})
}

func (h *Handlers) runLocked(w http.ResponseWriter, r *http.Request, name string, run func(ctx context.Context) (any, error)) {
	ctx := r.Context()

	if h.redis != nil {
		lock := distlock.New(h.redis, "signup-verifier:run:"+name, 30*time.Minute)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if !ok {
			httputil.Error(w, http.StatusConflict, name+" run already in progress")
			return
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Error("release run lock failed", "run", name, "err", err)
			}
		}()
	}

	report, err := run(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

// ListBatches returns batches, optionally bounded by created_before /
// created_after (RFC 3339) query params.
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	var before, after *time.Time
	if v := r.URL.Query().Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "created_before must be RFC 3339")
			return
		}
		before = &t
	}
	if v := r.URL.Query().Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "created_after must be RFC 3339")
			return
		}
		after = &t
	}

	batches, err := h.store.QueryBatches(r.Context(), before, after)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"batches": batches, "count": len(batches)})
}

// ExportDemographics returns a CSV of every current person in the
// configured column order, with bounced and opted_out flag columns
// appended.
func (h *Handlers) ExportDemographics(w http.ResponseWriter, r *http.Request) {
	persons, err := h.store.CurrentPersons(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	columns := append(append([]string{}, h.csvColumns...), "bounced", "opted_out")
	rows := make([]map[string]string, len(persons))
	for i, ep := range persons {
		row := signup.PersonToRow(ep.Person)
		row["bounced"] = yesNo(ep.Bounced)
		row["opted_out"] = yesNo(ep.OptedOut)
		rows[i] = row
	}

	data, err := followup.WriteCSV(columns, rows)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="demographics.csv"`)
	w.Write(data)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// GetBatch returns one batch by id.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid batch id")
		return
	}
	batch, err := h.store.ResolveBatch(r.Context(), signup.ByID[signup.Batch](id))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, batch)
}

// ListBatchPersons returns the batch's current (non-superseded) persons.
func (h *Handlers) ListBatchPersons(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid batch id")
		return
	}
	persons, err := h.store.PersonsForBatch(r.Context(), signup.ByID[signup.Batch](id))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"persons": persons, "count": len(persons)})
}
