package models

import (
	"github.com/google/uuid"
)

// Actor is the authenticated caller of an operation. Admin marks a
// platform-wide administrator, which is independent of team roles.
type Actor struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email,omitempty"`
	Admin  bool      `json:"admin"`
}
