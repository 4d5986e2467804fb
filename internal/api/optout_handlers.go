package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/httputil"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

func writeStoreError(w http.ResponseWriter, err error) {
	var nf *signup.NotFoundError
	var ve *signup.ValidationError
	switch {
	case errors.As(err, &nf):
		httputil.NotFound(w, nf.Error())
	case errors.As(err, &ve):
		httputil.BadRequest(w, ve.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// OptOutForm renders the reason form for a live opt-out token. Expired or
// unknown tokens get a 404; the person clicked a link from an email that
// has already been reconciled.
func (h *Handlers) OptOutForm(w http.ResponseWriter, r *http.Request) {
	tokenID, err := uuid.Parse(r.URL.Query().Get("token"))
	if err != nil {
		httputil.NotFound(w, "unknown opt-out link")
		return
	}

	tok, err := h.store.OptOutTokenByID(r.Context(), tokenID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	person, err := h.store.ResolvePerson(r.Context(), signup.ByID[signup.Person](tok.PersonID))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	batch, err := h.store.ResolveBatch(r.Context(), signup.ByID[signup.Batch](tok.BatchID))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	page, err := h.tpl.Render(mailer.TplOptOutReason, map[string]interface{}{
		"event_name": batch.EventName,
		"full_name":  person.FullName,
		"token":      tok.ID.String(),
		"action":     "/optout",
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.HTML(w, http.StatusOK, page)
}

// OptOutSubmit consumes the token: records the opt-out with the supplied
// reason, deletes the token, and renders the confirmation page.
func (h *Handlers) OptOutSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, "malformed form")
		return
	}
	tokenID, err := uuid.Parse(r.PostFormValue("token"))
	if err != nil {
		httputil.NotFound(w, "unknown opt-out link")
		return
	}
	reason := r.PostFormValue("reason")

	if _, err := h.store.ProcessOptOut(r.Context(), signup.ByID[signup.OptOutToken](tokenID), reason); err != nil {
		writeStoreError(w, err)
		return
	}

	page, err := h.tpl.Render(mailer.TplOptOutConfirm, nil)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.HTML(w, http.StatusOK, page)
}

// bounceNotification accepts both the provider notification shape and a
// flat test payload.
type bounceNotification struct {
	Email   string `json:"email"`
	Message string `json:"message"`

	Bounce *struct {
		Timestamp         time.Time `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
}

// BounceWebhook records delivery failures. Unmatched addresses are logged
// and dropped; the response is always 200 so the provider does not retry.
func (h *Handlers) BounceWebhook(w http.ResponseWriter, r *http.Request) {
	var note bounceNotification
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
		httputil.BadRequest(w, "malformed bounce payload")
		return
	}

	type recipient struct {
		email, message string
		occurred       time.Time
	}
	var recipients []recipient
	if note.Bounce != nil {
		for _, br := range note.Bounce.BouncedRecipients {
			recipients = append(recipients, recipient{
				email:    br.EmailAddress,
				message:  br.DiagnosticCode,
				occurred: note.Bounce.Timestamp,
			})
		}
	} else if note.Email != "" {
		recipients = append(recipients, recipient{email: note.Email, message: note.Message})
	}
	if len(recipients) == 0 {
		httputil.BadRequest(w, "no bounced recipients in payload")
		return
	}

	recorded := 0
	for _, rc := range recipients {
		_, err := h.store.RecordBounce(r.Context(), rc.email, rc.message, rc.occurred)
		if err != nil {
			var nf *signup.NotFoundError
			if errors.As(err, &nf) {
				logger.Warn("bounce did not match a recent person",
					"email", logger.RedactEmail(rc.email))
				continue
			}
			httputil.InternalError(w, err)
			return
		}
		recorded++
	}
	httputil.OK(w, map[string]int{"received": len(recipients), "recorded": recorded})
}
