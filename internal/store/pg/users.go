package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/ids"
)

const selectUser = `
	select u.id, u.email, u.password_hash, u.first_name, u.last_name, u.is_active,
	       u.role_id, u.last_login, u.created_at, u.updated_at,
	       r.id, r.name, r.code, r.description, r.is_active
	from users u
	left join roles r on r.id = u.role_id
`

func (s *Store) FindByID(ctx context.Context, id string) (*auth.User, error) {
	return s.findUser(ctx, selectUser+` where u.id = $1`, id)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findUser(ctx, selectUser+` where lower(u.email) = $1`, auth.NormalizeEmail(email))
}

func (s *Store) findUser(ctx context.Context, query string, arg string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		u         auth.User
		roleID    sql.NullString
		lastLogin sql.NullTime
		rID       sql.NullString
		rName     sql.NullString
		rCode     sql.NullString
		rDesc     sql.NullString
		rActive   sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Active,
		&roleID, &lastLogin, &u.CreatedAt, &u.UpdatedAt,
		&rID, &rName, &rCode, &rDesc, &rActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.RoleID = roleID.String
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	if rID.Valid {
		codes, err := s.rolePermissionCodes(ctx, rID.String)
		if err != nil {
			return nil, err
		}
		set, err := auth.NewPermissionSet(codes...)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", rCode.String, err)
		}
		u.Role = &auth.Role{
			ID:          rID.String,
			Name:        rName.String,
			Code:        rCode.String,
			Description: rDesc.String,
			Active:      rActive.Bool,
			Permissions: set,
		}
	}
	return &u, nil
}

func (s *Store) rolePermissionCodes(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.code
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1 and p.is_active
		order by p.code
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3 where id = $1
	`, userID, passwordHash, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdatePasswordAndRevokeSessions replaces the hash and revokes every active
// refresh session of the user in one transaction.
func (s *Store) UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3 where id = $1
	`, userID, passwordHash, at)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}
	res, err = tx.ExecContext(ctx, `
		update refresh_sessions set revoked = true, revoked_at = $2
		where user_id = $1 and revoked = false
	`, userID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set last_login = $2 where id = $1`, userID, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// CreateUser inserts a user holding the role with the given code. A duplicate
// email yields auth.ErrConflict and an unknown role
// auth.ErrRoleOrPermissionNotFound.
func (s *Store) CreateUser(ctx context.Context, u auth.User, roleCode string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = auth.NormalizeEmail(u.Email)
	res, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, is_active, role_id, created_at, updated_at)
		select $1, $2, $3, $4, $5, $6, r.id, $8, $8
		from roles r
		where r.code = $7
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Active, roleCode, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email %s", auth.ErrConflict, u.Email)
		}
		return nil, err
	}
	if err := expectOneRow(res); err != nil {
		return nil, fmt.Errorf("%w: role %s", auth.ErrRoleOrPermissionNotFound, roleCode)
	}
	return &u, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
