package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection is a configured link from a project to an external data source.
// Params holds the type-specific, non-secret configuration. Secrets live in
// the credential vault and are referenced by ID:
//   - OAuthCredentialID for OAuth-backed types (nil while authorization is pending)
//   - SecretCredentialID for a static password or API key
//
// Password is write-only. It is accepted on create/update and is always
// returned empty.
type Connection struct {
	ID                 uuid.UUID      `json:"id"`
	ProjectID          uuid.UUID      `json:"project_id"`
	Name               string         `json:"name"`
	Type               string         `json:"type"`
	Params             map[string]any `json:"params"`
	OAuthCredentialID  *uuid.UUID     `json:"oauth_id,omitempty"`
	SecretCredentialID *uuid.UUID     `json:"-"`
	HasSecret          bool           `json:"has_secret"`
	Password           string         `json:"password"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// CredentialIDs returns every vault credential the connection references.
func (c *Connection) CredentialIDs() []uuid.UUID {
	var ids []uuid.UUID
	if c.OAuthCredentialID != nil {
		ids = append(ids, *c.OAuthCredentialID)
	}
	if c.SecretCredentialID != nil {
		ids = append(ids, *c.SecretCredentialID)
	}
	return ids
}

// Redacted returns a copy safe to serialize: the password is blanked and the
// presence of a stored secret is reported instead.
func (c *Connection) Redacted() *Connection {
	out := *c
	out.Password = ""
	out.HasSecret = c.SecretCredentialID != nil
	return &out
}
