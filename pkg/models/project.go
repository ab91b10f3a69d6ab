// Package models contains domain types for ekaya-connect.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project belongs to exactly one team and groups connections.
type Project struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"team_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
