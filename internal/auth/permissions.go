package auth

import "strings"

func builtin(code, name, category string) Permission {
	return Permission{Code: code, Name: name, Description: name, Category: category, Active: true}
}

// BuiltinPermissions is the catalog seeded at startup.
var BuiltinPermissions = []Permission{
	builtin(AdminGrant, "Full administrative access", "system"),
	builtin("users:read", "View users", "users"),
	builtin("users:create", "Create users", "users"),
	builtin("users:update", "Edit users", "users"),
	builtin("users:delete", "Delete users", "users"),
	builtin("users:manage", "Manage users", "users"),
	builtin("roles:read", "View roles", "roles"),
	builtin("roles:manage", "Manage roles and grants", "roles"),
	builtin("candidates:read", "View candidates", "candidates"),
	builtin("candidates:create", "Create candidates", "candidates"),
	builtin("candidates:update", "Edit candidates", "candidates"),
	builtin("candidates:delete", "Delete candidates", "candidates"),
	builtin("interviews:read", "View interviews", "interviews"),
	builtin("interviews:create", "Schedule interviews", "interviews"),
	builtin("interviews:update", "Edit interviews", "interviews"),
	builtin("case_studies:read", "View case studies", "case_studies"),
	builtin("case_studies:create", "Create case studies", "case_studies"),
	builtin("files:read", "Download files", "files"),
	builtin("files:create", "Upload files", "files"),
	builtin("files:delete", "Delete files", "files"),
	builtin("offers:read", "View offers", "offers"),
	builtin("offers:create", "Draft offers", "offers"),
	builtin("dashboard:read", "View dashboard", "dashboard"),
	builtin("sessions:read", "View session statistics of any user", "sessions"),
	builtin("sessions:purge", "Purge expired refresh sessions", "sessions"),
}

// DefaultRoleGrants maps the seeded role codes to their permission codes.
var DefaultRoleGrants = map[string][]string{
	"admin": {AdminGrant},
	"recruiter": {
		"candidates:read", "candidates:create", "candidates:update",
		"interviews:read", "interviews:create", "interviews:update",
		"case_studies:read", "files:read", "files:create",
		"offers:read", "dashboard:read",
	},
	"interviewer": {
		"candidates:read", "interviews:read", "interviews:update",
		"case_studies:read", "files:read",
	},
	"viewer": {"candidates:read", "dashboard:read"},
}

// IsBuiltinPermission reports whether code is part of the seeded catalog.
func IsBuiltinPermission(code string) bool {
	code = strings.TrimSpace(code)
	for _, p := range BuiltinPermissions {
		if p.Code == code {
			return true
		}
	}
	return false
}
