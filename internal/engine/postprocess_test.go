package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/aide/internal/backend"
	"github.com/mohammad-safakhou/aide/internal/catalog"
	"github.com/mohammad-safakhou/aide/internal/metrics"
)

func inviteState(emails ...string) *runState {
	return &runState{
		requestID:        "test-req",
		invokedProviders: make(map[string]bool),
		inviteRequested:  true,
		inviteEmails:     emails,
		lastAddedEventArgs: map[string]any{
			"summary":    "Team Sync",
			"start_time": "2026-03-11 09:00",
		},
	}
}

func postprocessEngine(t *testing.T, providers ...catalog.Provider) (*Engine, *catalog.Catalog) {
	t.Helper()
	e := New(Options{
		Providers:   providers,
		Backends:    map[string]backend.Backend{},
		Sink:        metrics.Discard{},
		ToolTimeout: time.Second,
	})
	return e, e.Catalog(context.Background())
}

func TestAutoSendInvitesRunsOnce(t *testing.T) {
	mail := mailStub()
	e, cat := postprocessEngine(t, mail)
	st := inviteState("alice@example.com")

	first := e.autoSendInvites(context.Background(), st, cat, "done")
	if !strings.Contains(first, "Invitation delivery result(s):") {
		t.Fatalf("first pass: %q", first)
	}
	second := e.autoSendInvites(context.Background(), st, cat, first)
	if second != first {
		t.Fatalf("second pass changed text")
	}
	if n := len(mail.invocations()); n != 1 {
		t.Fatalf("invite sent %d times", n)
	}
}

func TestAutoSendInvitesFallsBackToPlainEmail(t *testing.T) {
	mail := &stubProvider{
		name: "mail",
		tools: []catalog.Descriptor{
			descriptor("send_email"),
			descriptor("send_calendar_invite_email"),
		},
		replies: map[string]string{
			"send_calendar_invite_email": `{"success": false, "error": {"code": "ics_error", "message": "attachment rejected"}}`,
			"send_email":                 `{"success": true, "data": {"text": "mail sent"}}`,
		},
	}
	e, cat := postprocessEngine(t, mail)
	st := inviteState("bob@example.com")

	out := e.autoSendInvites(context.Background(), st, cat, "")
	if !strings.Contains(out, "Fallback (send_email):") {
		t.Fatalf("fallback note missing: %q", out)
	}
	invocations := mail.invocations()
	if len(invocations) != 2 || invocations[0].tool != "send_calendar_invite_email" || invocations[1].tool != "send_email" {
		t.Fatalf("invocations = %v", invocations)
	}
	// Fallback succeeded, so this is not a tool error.
	if len(st.toolErrors) != 0 {
		t.Fatalf("tool errors = %v", st.toolErrors)
	}
}

func TestAutoSendInvitesBothPathsFail(t *testing.T) {
	mail := &stubProvider{
		name: "mail",
		tools: []catalog.Descriptor{
			descriptor("send_email"),
			descriptor("send_calendar_invite_email"),
		},
		replies: map[string]string{
			"send_calendar_invite_email": `{"success": false, "error": {"code": "ics_error", "message": "attachment rejected"}}`,
			"send_email":                 `{"success": false, "error": {"code": "smtp_error", "message": "relay refused"}}`,
		},
	}
	e, cat := postprocessEngine(t, mail)
	st := inviteState("bob@example.com")

	e.autoSendInvites(context.Background(), st, cat, "")
	if len(st.toolErrors) != 1 {
		t.Fatalf("tool errors = %v", st.toolErrors)
	}
	if !strings.Contains(st.toolErrors[0], "send_calendar_invite_email(bob@example.com)") {
		t.Fatalf("tool error = %q", st.toolErrors[0])
	}
}

func TestAutoSendInvitesMultipleRecipients(t *testing.T) {
	mail := mailStub()
	e, cat := postprocessEngine(t, mail)
	st := inviteState("alice@example.com", "bob@example.com")

	out := e.autoSendInvites(context.Background(), st, cat, "done")
	if !strings.Contains(out, "- alice@example.com:") || !strings.Contains(out, "- bob@example.com:") {
		t.Fatalf("out = %q", out)
	}
	if n := len(mail.invocations()); n != 2 {
		t.Fatalf("invocations = %d", n)
	}
}

func TestAutoSendInvitesPreconditions(t *testing.T) {
	mail := mailStub()
	e, cat := postprocessEngine(t, mail)

	// No event was created.
	st := inviteState("alice@example.com")
	st.lastAddedEventArgs = nil
	if out := e.autoSendInvites(context.Background(), st, cat, "x"); out != "x" {
		t.Fatalf("out = %q", out)
	}

	// The model already sent the invitation itself.
	st = inviteState("alice@example.com")
	st.invokedTools = []string{"add_event", "send_calendar_invite_email"}
	if out := e.autoSendInvites(context.Background(), st, cat, "x"); out != "x" {
		t.Fatalf("out = %q", out)
	}

	if n := len(mail.invocations()); n != 0 {
		t.Fatalf("invocations = %d", n)
	}
}

func TestBuildCalendarInvitationEmail(t *testing.T) {
	payload := buildCalendarInvitationEmail(map[string]any{
		"summary":     "Town Hall",
		"start_time":  "2026-03-11 09:00",
		"description": "Agenda attached.\nLokasi: Ruang Merapi",
	}, "alice@example.com")

	if payload["to_email"] != "alice@example.com" {
		t.Fatalf("to_email = %v", payload["to_email"])
	}
	if payload["subject"] != "Invitation: Town Hall" {
		t.Fatalf("subject = %v", payload["subject"])
	}
	if payload["duration_minutes"] != 60 {
		t.Fatalf("duration = %v", payload["duration_minutes"])
	}
	if payload["location"] != "Ruang Merapi" {
		t.Fatalf("location = %v", payload["location"])
	}
}

func TestBuildInvitationEmailBody(t *testing.T) {
	payload := buildInvitationEmail(map[string]any{
		"summary":          "Standup",
		"start_time":       "2026-03-11 09:00",
		"duration_minutes": 15,
	}, "bob@example.com")

	body, _ := payload["body"].(string)
	for _, want := range []string{"You are invited", "- Event: Standup", "- Time: 2026-03-11 09:00", "- Duration: 15 minutes"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if payload["subject"] != "Invitation: Standup" {
		t.Fatalf("subject = %v", payload["subject"])
	}
}

func TestAppendShareLinks(t *testing.T) {
	urls := []string{"https://drive.example/f/a", "https://drive.example/f/b"}

	out := appendShareLinks("Here: https://drive.example/f/a", urls)
	if strings.Contains(out, "- https://drive.example/f/a") {
		t.Fatalf("already-quoted URL repeated: %q", out)
	}
	if !strings.Contains(out, "Shared URL(s):\n- https://drive.example/f/b") {
		t.Fatalf("missing URL not appended: %q", out)
	}

	if got := appendShareLinks("all quoted https://drive.example/f/a and https://drive.example/f/b", urls); strings.Contains(got, "Shared URL(s):") {
		t.Fatalf("block added although nothing was missing: %q", got)
	}
	if got := appendShareLinks("text", nil); got != "text" {
		t.Fatalf("got %q", got)
	}
	if got := appendShareLinks("", urls); !strings.HasPrefix(got, "Shared URL(s):") {
		t.Fatalf("got %q", got)
	}
}

func TestExtractEventLocation(t *testing.T) {
	if got := extractEventLocation("Agenda\nlocation: HQ Floor 3\nmore"); got != "HQ Floor 3" {
		t.Fatalf("got %q", got)
	}
	if got := extractEventLocation("no location line"); got != "" {
		t.Fatalf("got %q", got)
	}
}
