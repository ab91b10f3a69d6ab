package models

import (
	"github.com/google/uuid"
)

// Role is a team member's role. Roles are ordered: viewer < editor < admin < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// ValidRoles lists every role from least to most privileged.
var ValidRoles = []Role{RoleViewer, RoleEditor, RoleAdmin, RoleOwner}

// Rank returns the position of the role in the ordering, or -1 if unknown.
func (r Role) Rank() int {
	for i, v := range ValidRoles {
		if v == r {
			return i
		}
	}
	return -1
}

// IsValid checks if the role is one of ValidRoles.
func (r Role) IsValid() bool {
	return r.Rank() >= 0
}

// RoleResolution is the outcome of resolving an actor against a project.
// Role is the only input to the permission check that follows.
type RoleResolution struct {
	Role      Role      `json:"role"`
	TeamID    uuid.UUID `json:"team_id"`
	ProjectID uuid.UUID `json:"project_id"`
}
