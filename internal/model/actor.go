package model

import "strings"

// Role is the authorization role supplied by the identity collaborator in
// the JWT "role" claim.
type Role string

const (
	RoleTechnician Role = "TECHNICIAN"
	RoleSupervisor Role = "SUPERVISOR"
	RoleField      Role = "FIELD"
)

// ParseRole normalizes a role claim.  Unknown roles yield an empty Role.
func ParseRole(raw string) Role {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleTechnician, RoleSupervisor, RoleField:
		return r
	}
	return ""
}

// Actor is an authenticated caller.  The core trusts it as given and never
// authenticates on its own.
//
// Fields:
//
//	ID   – subject of the access token.
//	Role – TECHNICIAN, SUPERVISOR or FIELD.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// CanOverride reports whether the actor may force a transition outside the
// permitted-successor table.
func (a Actor) CanOverride() bool { return a.Role == RoleSupervisor }
