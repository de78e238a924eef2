package auth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Resource is the first segment of a capability string.
type Resource string

// Action is the second segment of a capability string.
type Action string

const (
	ResourceUsers       Resource = "users"
	ResourceRoles       Resource = "roles"
	ResourceCandidates  Resource = "candidates"
	ResourceInterviews  Resource = "interviews"
	ResourceCaseStudies Resource = "case_studies"
	ResourceFiles       Resource = "files"
	ResourceDashboard   Resource = "dashboard"
	ResourceSessions    Resource = "sessions"
	ResourceOffers      Resource = "offers"
)

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
	ActionPurge  Action = "purge"
)

// AdminGrant is the permission code that satisfies every capability.
const AdminGrant = "admin"

var segmentPattern = regexp.MustCompile(`^[a-z][a-z_]*$`)

// Capability is a parsed "resource:action" pair.
type Capability struct {
	Resource Resource
	Action   Action
}

func (c Capability) String() string {
	return string(c.Resource) + ":" + string(c.Action)
}

// ParseCapability validates and splits a "resource:action" string.
func ParseCapability(s string) (Capability, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !segmentPattern.MatchString(resource) || !segmentPattern.MatchString(action) {
		return Capability{}, fmt.Errorf("%w: %q", ErrMalformedCapability, s)
	}
	return Capability{Resource: Resource(resource), Action: Action(action)}, nil
}

// MustCapability is ParseCapability for package-level constants.
func MustCapability(s string) Capability {
	c, err := ParseCapability(s)
	if err != nil {
		panic(err)
	}
	return c
}

var (
	CapUsersRead       = MustCapability("users:read")
	CapUsersManage     = MustCapability("users:manage")
	CapRolesManage     = MustCapability("roles:manage")
	CapCandidatesRead  = MustCapability("candidates:read")
	CapCandidatesWrite = MustCapability("candidates:create")
	CapInterviewsRead  = MustCapability("interviews:read")
	CapDashboardRead   = MustCapability("dashboard:read")
	CapSessionsRead    = MustCapability("sessions:read")
	CapSessionsPurge   = MustCapability("sessions:purge")
)

// PermissionSet is the resolved grants of a role.
type PermissionSet struct {
	admin  bool
	grants map[Resource][]Action
}

// NewPermissionSet builds a set from permission codes. Each code is either
// AdminGrant or a capability string.
func NewPermissionSet(codes ...string) (PermissionSet, error) {
	set := PermissionSet{grants: make(map[Resource][]Action)}
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == AdminGrant {
			set.admin = true
			continue
		}
		c, err := ParseCapability(code)
		if err != nil {
			return PermissionSet{}, err
		}
		set.add(c)
	}
	return set, nil
}

func (p *PermissionSet) add(c Capability) {
	for _, a := range p.grants[c.Resource] {
		if a == c.Action {
			return
		}
	}
	p.grants[c.Resource] = append(p.grants[c.Resource], c.Action)
}

// IsAdmin reports whether the set holds the admin grant.
func (p PermissionSet) IsAdmin() bool { return p.admin }

// Empty reports whether the set grants nothing.
func (p PermissionSet) Empty() bool { return !p.admin && len(p.grants) == 0 }

// Permits reports whether c is granted. Admin permits everything.
func (p PermissionSet) Permits(c Capability) bool {
	if p.admin {
		return true
	}
	for _, a := range p.grants[c.Resource] {
		if a == c.Action {
			return true
		}
	}
	return false
}

// Codes returns the sorted permission codes in the set.
func (p PermissionSet) Codes() []string {
	out := make([]string, 0, len(p.grants)+1)
	if p.admin {
		out = append(out, AdminGrant)
	}
	for r, actions := range p.grants {
		for _, a := range actions {
			out = append(out, Capability{Resource: r, Action: a}.String())
		}
	}
	sort.Strings(out)
	return out
}

// Map renders the set as resource -> actions. The admin grant appears as "admin": ["*"].
func (p PermissionSet) Map() map[string][]string {
	out := make(map[string][]string, len(p.grants)+1)
	if p.admin {
		out[AdminGrant] = []string{"*"}
	}
	for r, actions := range p.grants {
		list := make([]string, len(actions))
		for i, a := range actions {
			list[i] = string(a)
		}
		sort.Strings(list)
		out[string(r)] = list
	}
	return out
}

func (p PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}
