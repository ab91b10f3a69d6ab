package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
)

const (
	oauthStateIssuer = "ekaya-connect"
	// OAuthStateTTL bounds how long an authorization URL stays usable.
	OAuthStateTTL = 10 * time.Minute
)

// OAuthState correlates an authorization callback with the connection that
// started it. It travels as a signed JWT in the OAuth state parameter, so no
// server-side session is needed.
type OAuthState struct {
	jwt.RegisteredClaims
	ProjectID    uuid.UUID `json:"pid"`
	ConnectionID uuid.UUID `json:"cid"`
	Provider     string    `json:"prv"`
}

type stateSigner struct {
	key []byte
	now func() time.Time
}

func (s *stateSigner) sign(provider string, projectID, connectionID uuid.UUID) (string, error) {
	now := s.now()
	claims := &OAuthState{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    oauthStateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(OAuthStateTTL)),
		},
		ProjectID:    projectID,
		ConnectionID: connectionID,
		Provider:     provider,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, nil
}

func (s *stateSigner) verify(state string) (*OAuthState, error) {
	if state == "" {
		return nil, apperrors.Validation("state is required")
	}
	claims := &OAuthState{}
	_, err := jwt.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(oauthStateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(apperrors.KindValidation, err, "authorization state expired, start the authorization again")
		}
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "invalid authorization state")
	}
	return claims, nil
}
