package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/obs"
)

type captureSink struct {
	entries []auth.AuditEntry
	err     error
}

func (s *captureSink) AppendAudit(_ context.Context, e auth.AuditEntry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func TestRecordLogsAndPersists(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	sink := &captureSink{}
	rec := NewRecorder(sink, nil)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithUser(ctx, &auth.User{ID: "user-42"})
	rec.Record(ctx, auth.AuditEntry{Action: "login", ResourceType: "session", Success: true, Details: map[string]any{"foo": "bar"}})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["type"] != "audit" || entry["event"] != "login" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}

	if len(sink.entries) != 1 {
		t.Fatalf("expected one persisted entry, got %d", len(sink.entries))
	}
	got := sink.entries[0]
	if got.ID == "" || got.OccurredAt.IsZero() || got.RequestID != "req-123" || got.UserID != "user-42" {
		t.Fatalf("entry not enriched: %+v", got)
	}
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	rec := NewRecorder(&captureSink{err: errors.New("db down")}, nil)
	rec.Record(context.Background(), auth.AuditEntry{Action: "logout"})

	if !strings.Contains(buf.String(), "audit_persist_failed") {
		t.Fatalf("expected persistence failure to be logged, got %q", buf.String())
	}
}
