package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/ids"
)

// AppendAudit persists an audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry auth.AuditEntry) error {
	if s.db == nil {
		return errNoDB
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.OccurredAt)
	}
	details := []byte("{}")
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, occurred_at, user_id, action, resource_type, resource_id, success, details, client_addr, user_agent, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.OccurredAt, nullIfEmpty(entry.UserID), entry.Action, entry.ResourceType,
		nullIfEmpty(entry.ResourceID), entry.Success, details, nullIfEmpty(entry.ClientAddr),
		nullIfEmpty(entry.UserAgent), nullIfEmpty(entry.RequestID))
	return err
}
