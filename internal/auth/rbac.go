package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provisioner seeds the permission catalog and manages role grants.
type Provisioner struct {
	catalog RoleCatalog
}

func NewProvisioner(catalog RoleCatalog) (*Provisioner, error) {
	if catalog == nil {
		return nil, errors.New("role catalog is required")
	}
	return &Provisioner{catalog: catalog}, nil
}

// EnsureBuiltins upserts BuiltinPermissions.
func (p *Provisioner) EnsureBuiltins(ctx context.Context) error {
	return p.catalog.EnsurePermissions(ctx, BuiltinPermissions)
}

// EnsureDefaultGrants applies DefaultRoleGrants to roles that exist.
// Roles missing from the store are skipped.
func (p *Provisioner) EnsureDefaultGrants(ctx context.Context) error {
	codes := make([]string, 0, len(DefaultRoleGrants))
	for code := range DefaultRoleGrants {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, role := range codes {
		err := p.catalog.SetRolePermissions(ctx, role, DefaultRoleGrants[role])
		if errors.Is(err, ErrRoleOrPermissionNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("grant %s: %w", role, err)
		}
	}
	return nil
}

// GrantPermissions replaces the grants of roleCode with permissionCodes.
// Codes must be AdminGrant or well-formed capability strings.
func (p *Provisioner) GrantPermissions(ctx context.Context, roleCode string, permissionCodes []string) error {
	roleCode = strings.TrimSpace(roleCode)
	if roleCode == "" {
		return fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(permissionCodes))
	codes := make([]string, 0, len(permissionCodes))
	for _, code := range permissionCodes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if code != AdminGrant {
			if _, err := ParseCapability(code); err != nil {
				return err
			}
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return p.catalog.SetRolePermissions(ctx, roleCode, codes)
}
