// Package auth authenticates API callers from bearer tokens verified against
// the issuers' JWKS endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

type contextKey string

const (
	// ClaimsKey is the context key for the validated claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for the raw token string.
	TokenKey contextKey = "token"
)

// ErrNoActor is returned when a request context carries no usable claims.
var ErrNoActor = errors.New("no authenticated actor in context")

// Claims is the token payload. Subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	// Admin marks a platform administrator.
	Admin bool `json:"admin,omitempty"`
}

// Actor converts the claims into the caller identity services work with.
func (c *Claims) Actor() (models.Actor, error) {
	if c.Subject == "" {
		return models.Actor{}, errors.New("token has no subject")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return models.Actor{}, fmt.Errorf("token subject is not a user ID: %w", err)
	}
	return models.Actor{UserID: id, Email: c.Email, Admin: c.Admin}, nil
}

// GetClaims returns the claims stored by the middleware.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok && claims != nil
}

// GetToken returns the raw token stored by the middleware.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) (models.Actor, error) {
	claims, ok := GetClaims(ctx)
	if !ok {
		return models.Actor{}, ErrNoActor
	}
	return claims.Actor()
}

// WithClaims returns ctx carrying claims and the raw token.
func WithClaims(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, TokenKey, token)
}
