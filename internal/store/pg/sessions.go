package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cvflow.org/internal/auth"
)

func (s *Store) Create(ctx context.Context, session *auth.RefreshSession) error {
	if s.db == nil {
		return errNoDB
	}
	return insertSession(ctx, s.db, session)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, session *auth.RefreshSession) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_sessions (id, user_id, token_hash, expires_at, revoked, created_at, user_agent, client_addr)
		values ($1, $2, $3, $4, false, $5, $6, $7)
	`, session.ID, session.UserID, session.TokenHash, session.ExpiresAt, session.CreatedAt,
		nullIfEmpty(session.UserAgent), nullIfEmpty(session.ClientAddr))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: refresh session", auth.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) FindActive(ctx context.Context, tokenHash string, now time.Time) (*auth.RefreshSession, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		sess      auth.RefreshSession
		userAgent sql.NullString
		addr      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, user_agent, client_addr
		from refresh_sessions
		where token_hash = $1 and revoked = false and expires_at > $2
	`, tokenHash, now).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.CreatedAt, &userAgent, &addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.UserAgent = userAgent.String
	sess.ClientAddr = addr.String
	return &sess, nil
}

func (s *Store) Revoke(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_sessions set revoked = true, revoked_at = $2
		where token_hash = $1 and revoked = false
	`, tokenHash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_sessions set revoked = true, revoked_at = $2
		where user_id = $1 and revoked = false
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Rotate relies on the row lock taken by the conditional update: a concurrent
// caller blocks until the winner commits, then re-evaluates the predicate and
// matches nothing.
func (s *Store) Rotate(ctx context.Context, oldHash string, next *auth.RefreshSession, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		update refresh_sessions set revoked = true, revoked_at = $2
		where token_hash = $1 and revoked = false and expires_at > $2
		returning id
	`, oldHash, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if err := insertSession(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_sessions where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Stats(ctx context.Context, userID string, now time.Time) (auth.SessionStats, error) {
	if s.db == nil {
		return auth.SessionStats{}, errNoDB
	}
	var st auth.SessionStats
	err := s.db.QueryRowContext(ctx, `
		select
			count(*) filter (where revoked = false and expires_at > $2),
			count(*) filter (where revoked = true),
			count(*) filter (where revoked = false and expires_at <= $2)
		from refresh_sessions
		where user_id = $1
	`, userID, now).Scan(&st.Active, &st.Revoked, &st.Expired)
	if err != nil {
		return auth.SessionStats{}, err
	}
	return st, nil
}
