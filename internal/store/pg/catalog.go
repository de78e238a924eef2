package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/ids"
)

func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, code, description, category, is_active)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (code) do update
			set name = excluded.name, description = excluded.description, category = excluded.category
		`, ids.New(), p.Name, p.Code, nullIfEmpty(p.Description), nullIfEmpty(p.Category), p.Active); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Code, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SetRolePermissions(ctx context.Context, roleCode string, permissionCodes []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var roleID string
	err = tx.QueryRowContext(ctx, `select id from roles where code = $1 for update`, roleCode).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %q", auth.ErrRoleOrPermissionNotFound, roleCode)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, code := range permissionCodes {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where code = $2
			on conflict do nothing
		`, roleID, code)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `select exists(select 1 from permissions where code = $1)`, code).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: permission %q", auth.ErrRoleOrPermissionNotFound, code)
			}
		}
	}
	return tx.Commit()
}

// ListPermissions returns the catalog ordered by category and code.
func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, code, description, category, is_active, created_at
		from permissions
		order by category, code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var (
			p        auth.Permission
			desc     sql.NullString
			category sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Code, &desc, &category, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		p.Category = category.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
