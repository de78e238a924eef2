// Package audit writes security events as structured log lines and,
// when a sink is configured, persists them.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/ids"
	"cvflow.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink persists audit entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry auth.AuditEntry) error
}

// Recorder implements auth.Auditor.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

var _ auth.Auditor = (*Recorder)(nil)

// NewRecorder returns a recorder that logs every entry and appends it to sink
// when sink is non-nil. A nil logger uses obs.Logger().
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// Record enriches entry with request and user context, logs it, and persists
// it. Persistence failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, entry auth.AuditEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.OccurredAt)
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if entry.UserID == "" {
		if u, ok := auth.UserFromContext(ctx); ok {
			entry.UserID = u.ID
		}
	}

	fields := entry.Details
	if fields == nil {
		fields = map[string]any{}
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("type", "audit"),
		slog.String("event", entry.Action),
		slog.String("audit_id", entry.ID),
		slog.String("request_id", entry.RequestID),
		slog.String("user_id", entry.UserID),
		slog.String("resource_type", entry.ResourceType),
		slog.Bool("success", entry.Success),
		slog.String("client_addr", entry.ClientAddr),
		slog.Any("fields", fields),
	)

	if r.sink == nil {
		return
	}
	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("audit_persist_failed", "audit_id", entry.ID, "event", entry.Action, "error", err.Error())
	}
}
