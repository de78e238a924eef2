package auth

// HasPermission reports whether role grants c. A nil, inactive or empty role
// denies; the admin grant permits every capability.
func HasPermission(role *Role, c Capability) bool {
	if role == nil || !role.Active {
		return false
	}
	return role.Permissions.Permits(c)
}

// Allowed parses capability and evaluates it against role.
func Allowed(role *Role, capability string) (bool, error) {
	c, err := ParseCapability(capability)
	if err != nil {
		return false, err
	}
	return HasPermission(role, c), nil
}

// Authorize returns a *PermissionDeniedError unless user's role grants c.
func Authorize(user *User, c Capability) error {
	if user == nil || !HasPermission(user.Role, c) {
		return &PermissionDeniedError{Capability: c}
	}
	return nil
}
