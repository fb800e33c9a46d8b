package domain

// UserContext is the validated, sanitized representation of an authenticated
// caller, derived from the JWT claims of a bearer token. It is constructed
// once per request by the validator and never mutated afterwards.
type UserContext struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`

	// Roles and Groups only contain values that passed claim sanitization;
	// anything outside the allowed identifier pattern was dropped.
	Roles  []string `json:"roles,omitempty"`
	Groups []string `json:"groups,omitempty"`

	// ClientRoles maps a client id to the roles granted for that client.
	ClientRoles map[string][]string `json:"client_roles,omitempty"`

	// Extra holds unrecognized custom claims, bounded in size. Values here
	// are informational only and must never drive authorization decisions.
	Extra map[string]any `json:"extra,omitempty"`
}

// HasRole reports whether the caller holds the given realm-level role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasClientRole reports whether the caller holds a role scoped to a client.
func (u *UserContext) HasClientRole(clientID, role string) bool {
	for _, r := range u.ClientRoles[clientID] {
		if r == role {
			return true
		}
	}
	return false
}

// InGroup reports whether the caller is a member of the given group.
func (u *UserContext) InGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}
