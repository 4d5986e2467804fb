package followup

import (
	"context"

	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
)

// sendStaffDigests groups batch reports by staff email and sends each
// staff member the opt-out and bounce sheets for their batches, with the
// per-batch totals. Staff with nothing to review get no email.
func (r *Reconciler) sendStaffDigests(ctx context.Context, reports []*BatchReport) error {
	byStaff := map[string][]*BatchReport{}
	for _, br := range reports {
		if br.OptOutSheetURL == "" && br.BounceSheetURL == "" && br.Error == "" {
			continue
		}
		addr := br.StaffEmail
		if addr == "" {
			addr = r.cfg.AdminEmail
		}
		byStaff[addr] = append(byStaff[addr], br)
	}

	var firstErr error
	for _, addr := range sortedKeys(byStaff) {
		if err := r.sendStaffDigest(ctx, addr, byStaff[addr]); err != nil {
			logger.Error("send follow-up digest failed",
				"email", logger.RedactEmail(addr), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) sendStaffDigest(ctx context.Context, addr string, reports []*BatchReport) error {
	var optouts, bounces []map[string]interface{}
	for _, br := range reports {
		if br.OptOutSheetURL != "" {
			optouts = append(optouts, map[string]interface{}{
				"event_name": br.EventName,
				"url":        br.OptOutSheetURL,
			})
		}
		if br.BounceSheetURL != "" {
			bounces = append(bounces, map[string]interface{}{
				"event_name": br.EventName,
				"url":        br.BounceSheetURL,
			})
		}
	}

	bindings := map[string]interface{}{
		"optouts": optouts,
		"bounces": bounces,
	}
	html, err := r.tpl.Render(mailer.TplFollowupDigest, bindings)
	if err != nil {
		return err
	}
	text, err := r.tpl.Render(mailer.TplFollowupText, bindings)
	if err != nil {
		return err
	}

	msg := mailer.Message{
		To:      addr,
		Subject: r.cfg.SubjectFollowup,
		HTML:    html,
		Text:    text,
	}
	if r.cfg.SignupsCC != "" && addr != r.cfg.AdminEmail {
		msg.CC = []string{r.cfg.SignupsCC}
	}
	return r.mail.Send(ctx, msg)
}

// sendAdminBundle mails the admin one message with every successful-signup
// CSV from the run attached.
func (r *Reconciler) sendAdminBundle(ctx context.Context, reports []*BatchReport) error {
	var csvs []map[string]interface{}
	var attachments []mailer.Attachment
	for _, br := range reports {
		for _, art := range br.CSVs {
			csvs = append(csvs, map[string]interface{}{
				"filename": art.Filename,
				"count":    art.Count,
				"url":      art.URL,
			})
			attachments = append(attachments, mailer.Attachment{
				Filename:    art.Filename,
				ContentType: "text/csv",
				Data:        art.Data,
			})
		}
	}
	if len(attachments) == 0 {
		return nil
	}

	html, err := r.tpl.Render(mailer.TplCSVBundle, map[string]interface{}{"csvs": csvs})
	if err != nil {
		return err
	}
	return r.mail.Send(ctx, mailer.Message{
		To:          r.cfg.AdminEmail,
		Subject:     r.cfg.SubjectFollowup,
		HTML:        html,
		Attachments: attachments,
	})
}
