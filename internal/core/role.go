package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Role is the kind of work a worker is eligible for.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RolePM        Role = "pm"
	RoleQA        Role = "qa"
	RoleArchitect Role = "architect"
)

// Capability is a permission flag carried by a worker.
type Capability string

const (
	CapWriteCode Capability = "write_code"
	CapMerge     Capability = "merge"
)

var knownRoles = []Role{RoleDeveloper, RoleReviewer, RolePM, RoleQA, RoleArchitect}

// roleCapabilities lists the flags a worker must carry to be reserved for a role.
var roleCapabilities = map[Role][]Capability{
	RoleDeveloper: {CapWriteCode},
}

// AllRoles returns the known role tags in declaration order.
func AllRoles() []Role {
	out := make([]Role, len(knownRoles))
	copy(out, knownRoles)
	return out
}

// Valid reports whether r is a known role tag.
func (r Role) Valid() bool {
	for _, k := range knownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// RequiredCapabilities returns the capability flags a role implies.
func (r Role) RequiredCapabilities() []Capability {
	return roleCapabilities[r]
}

// ParseRole normalizes s into a known role tag.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", ErrValidation(CodeInvalidRole, fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// DefaultLegacyRolePatterns match the free-text identities of workers
// provisioned before role tags existed.
var DefaultLegacyRolePatterns = map[string]string{
	string(RoleDeveloper): `develop|engineer|coder|programmer`,
	string(RoleReviewer):  `review`,
	string(RolePM):        `\bpm\b|product|project manager|scrum`,
	string(RoleQA):        `\bqa\b|test`,
	string(RoleArchitect): `architect`,
}

// LegacyRoleMatcher matches free-text worker identities against role tags.
// It only applies to workers whose Role tag is empty.
type LegacyRoleMatcher struct {
	patterns map[Role]*regexp.Regexp
}

// NewLegacyRoleMatcher compiles case-insensitive patterns keyed by role.
func NewLegacyRoleMatcher(patterns map[string]string) (*LegacyRoleMatcher, error) {
	m := &LegacyRoleMatcher{patterns: make(map[Role]*regexp.Regexp, len(patterns))}
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		role, err := ParseRole(k)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile("(?i)" + patterns[k])
		if err != nil {
			return nil, fmt.Errorf("compiling legacy pattern for %s: %w", k, err)
		}
		m.patterns[role] = re
	}
	return m, nil
}

// Matches reports whether identity looks like a worker for role. Roles with
// no configured pattern fall back to a case-insensitive substring test.
func (m *LegacyRoleMatcher) Matches(identity string, role Role) bool {
	if identity == "" {
		return false
	}
	if m != nil {
		if re, ok := m.patterns[role]; ok {
			return re.MatchString(identity)
		}
	}
	return strings.Contains(strings.ToLower(identity), string(role))
}
