package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is an encrypted secret owned by a team. OAuth credentials are
// refreshed in place, so the ID stays stable for the connections that
// reference it.
type Credential struct {
	ID               uuid.UUID  `json:"id"`
	TeamID           uuid.UUID  `json:"team_id"`
	Provider         string     `json:"provider"`
	ProviderIdentity string     `json:"provider_identity,omitempty"`
	EncryptedSecret  string     `json:"-"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Providers for credentials that are not OAuth grants.
const (
	ProviderStatic = "static"
)

// Secret is the plaintext held by a credential. Only the fields relevant to
// the provider are set.
type Secret struct {
	Password     string `json:"password,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// IsZero reports whether the secret holds nothing.
func (s *Secret) IsZero() bool {
	return s == nil || *s == Secret{}
}
