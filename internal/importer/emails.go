package importer

import (
	"context"
	"fmt"
	"sort"

	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

// sendVerificationEmails mails every person imported from one batch. A
// send failure is logged and counted against the batch, never fatal.
func (im *Importer) sendVerificationEmails(ctx context.Context, batch *signup.Batch, blog *BatchLog) {
	for _, ip := range blog.PersonsSuccess {
		if ip.Person.DeliveryPref != signup.DeliveryEmail {
			continue
		}
		html, err := im.tpl.Render(mailer.TplVerification, map[string]interface{}{
			"first_name": ip.Person.FirstName,
			"event_name": batch.EventName,
			"forums":     ip.Person.Forums,
			"optout_url": fmt.Sprintf("%s/optout?token=%s", im.cfg.OptOutBaseURL, ip.Token.ID),
		})
		if err != nil {
			logger.Error("render verification email failed", "person", ip.Person.ID, "err", err)
			continue
		}
		msg := mailer.Message{
			To:      ip.Person.Email,
			Subject: im.cfg.SubjectVerification,
			HTML:    html,
		}
		if err := im.mail.Send(ctx, msg); err != nil {
			logger.Error("send verification email failed",
				"email", logger.RedactEmail(ip.Person.Email), "err", err)
		}
	}
}

// sendDigests groups the run's batch logs by staff email and sends each
// staff member one summary of the spreadsheets they submitted. Batches
// with no staff email fall back to the admin.
func (im *Importer) sendDigests(ctx context.Context, logs []*BatchLog) error {
	byStaff := make(map[string][]*BatchLog)
	for _, blog := range logs {
		addr := blog.StaffEmail
		if addr == "" {
			addr = im.cfg.AdminEmail
		}
		byStaff[addr] = append(byStaff[addr], blog)
	}

	addrs := make([]string, 0, len(byStaff))
	for addr := range byStaff {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var firstErr error
	for _, addr := range addrs {
		if err := im.sendDigest(ctx, addr, byStaff[addr]); err != nil {
			logger.Error("send import digest failed", "email", logger.RedactEmail(addr), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (im *Importer) sendDigest(ctx context.Context, addr string, logs []*BatchLog) error {
	var failed, successful []map[string]interface{}
	for _, blog := range logs {
		if blog.Error != "" {
			failed = append(failed, map[string]interface{}{
				"event_name": blog.EventName,
				"event_date": blog.EventDate,
				"url":        blog.SpreadsheetURL,
				"error":      blog.Error,
			})
			continue
		}
		var ok []map[string]interface{}
		for _, ip := range blog.PersonsSuccess {
			ok = append(ok, map[string]interface{}{
				"full_name": ip.Person.FullName,
				"email":     ip.Person.Email,
			})
		}
		var bad []map[string]interface{}
		for _, pf := range blog.PersonsFail {
			bad = append(bad, map[string]interface{}{
				"full_name": pf.FullName,
				"email":     pf.Email,
				"error":     pf.Reason,
			})
		}
		successful = append(successful, map[string]interface{}{
			"event_name":         blog.EventName,
			"event_date":         blog.EventDate,
			"url":                blog.SpreadsheetURL,
			"successful_persons": ok,
			"failed_persons":     bad,
			"errors_sheet_url":   blog.ErrorsSheetURL,
		})
	}

	bindings := map[string]interface{}{
		"failed_batches":     failed,
		"successful_batches": successful,
	}
	html, err := im.tpl.Render(mailer.TplInitialDigest, bindings)
	if err != nil {
		return err
	}
	text, err := im.tpl.Render(mailer.TplInitialText, bindings)
	if err != nil {
		return err
	}

	msg := mailer.Message{
		To:      addr,
		Subject: im.cfg.SubjectInitial,
		HTML:    html,
		Text:    text,
	}
	if im.cfg.SignupsCC != "" && addr != im.cfg.AdminEmail {
		msg.CC = []string{im.cfg.SignupsCC}
	}
	return im.mail.Send(ctx, msg)
}
