package mailer

import (
	"strings"
	"testing"
)

func TestRenderVerification(t *testing.T) {
	tpl := NewTemplates()

	out, err := tpl.Render(TplVerification, map[string]interface{}{
		"first_name": "Jo",
		"event_name": "Spring Fair",
		"forums":     []string{"News", "Schools"},
		"optout_url": "https://signups.example.org/optout?token=abc",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	for _, want := range []string{"Hello Jo", "Spring Fair", "News, Schools", "https://signups.example.org/optout?token=abc"} {
		if !strings.Contains(out, want) {
			t.Errorf("verification output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderInitialDigest(t *testing.T) {
	tpl := NewTemplates()

	bindings := map[string]interface{}{
		"failed_batches": []map[string]interface{}{
			{"event_name": "Winter Market", "event_date": "2026-01-10", "url": "https://sheets.example/w", "error": "meta sheet unreadable"},
		},
		"successful_batches": []map[string]interface{}{
			{
				"event_name":         "Spring Fair",
				"event_date":         "2026-04-18",
				"url":                "https://sheets.example/s",
				"successful_persons": []map[string]interface{}{{"email": "jo@example.org"}},
				"failed_persons": []map[string]interface{}{
					{"full_name": "Mel Ortiz", "email": "mel@", "error": "malformed email"},
				},
				"errors_sheet_url": "https://sheets.example/errors",
			},
		},
	}

	out, err := tpl.Render(TplInitialDigest, bindings)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		"Failed spreadsheets",
		"meta sheet unreadable",
		"Spring Fair",
		"1 imported, 1 failed",
		"Mel Ortiz",
		"https://sheets.example/errors",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("digest output missing %q:\n%s", want, out)
		}
	}

	text, err := tpl.Render(TplInitialText, bindings)
	if err != nil {
		t.Fatalf("Render text: %v", err)
	}
	if !strings.Contains(text, "FAILED: Winter Market") {
		t.Errorf("text digest missing failed line:\n%s", text)
	}
}

func TestRenderInitialDigestNoFailures(t *testing.T) {
	tpl := NewTemplates()

	out, err := tpl.Render(TplInitialDigest, map[string]interface{}{
		"failed_batches":     []map[string]interface{}{},
		"successful_batches": []map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(out, "Failed spreadsheets") {
		t.Errorf("failures section rendered with no failures:\n%s", out)
	}
}

func TestRenderFollowupDigest(t *testing.T) {
	tpl := NewTemplates()

	out, err := tpl.Render(TplFollowupDigest, map[string]interface{}{
		"optouts": []map[string]interface{}{
			{"event_name": "Spring Fair", "url": "https://sheets.example/optouts"},
		},
		"bounces": []map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "Opt-outs") || !strings.Contains(out, "https://sheets.example/optouts") {
		t.Errorf("follow-up digest missing opt-out section:\n%s", out)
	}
	if strings.Contains(out, "Bounced addresses") {
		t.Errorf("bounce section rendered with no bounces:\n%s", out)
	}
}

func TestRenderCSVBundle(t *testing.T) {
	tpl := NewTemplates()

	out, err := tpl.Render(TplCSVBundle, map[string]interface{}{
		"csvs": []map[string]interface{}{
			{"filename": "spring-fair-email.csv", "count": 12},
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "spring-fair-email.csv (12 persons)") {
		t.Errorf("bundle output missing csv line:\n%s", out)
	}
}

func TestRenderOptOutPages(t *testing.T) {
	tpl := NewTemplates()

	out, err := tpl.Render(TplOptOutReason, map[string]interface{}{
		"event_name": "Spring Fair",
		"full_name":  "Jo Doe",
		"token":      "tok-1",
		"action":     "/optout",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"Spring Fair", "Jo Doe", `value="tok-1"`, `action="/optout"`} {
		if !strings.Contains(out, want) {
			t.Errorf("opt-out page missing %q:\n%s", want, out)
		}
	}

	confirm, err := tpl.Render(TplOptOutConfirm, nil)
	if err != nil {
		t.Fatalf("Render confirm: %v", err)
	}
	if !strings.Contains(confirm, "opted out") {
		t.Errorf("confirm page missing confirmation:\n%s", confirm)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	tpl := NewTemplates()
	if _, err := tpl.Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}
