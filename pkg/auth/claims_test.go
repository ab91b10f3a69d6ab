package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestClaims_Actor(t *testing.T) {
	id := uuid.New()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: id.String()},
		Email:            "user@example.com",
		Admin:            true,
	}

	actor, err := claims.Actor()
	if err != nil {
		t.Fatalf("Actor failed: %v", err)
	}
	if actor.UserID != id {
		t.Errorf("expected user %s, got %s", id, actor.UserID)
	}
	if actor.Email != "user@example.com" || !actor.Admin {
		t.Errorf("unexpected actor: %+v", actor)
	}
}

func TestClaims_ActorRejectsBadSubject(t *testing.T) {
	for _, sub := range []string{"", "central", "123"} {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}}
		if _, err := claims.Actor(); err == nil {
			t.Errorf("expected error for subject %q", sub)
		}
	}
}

func TestActorFromContext(t *testing.T) {
	id := uuid.New()
	ctx := WithClaims(context.Background(), &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: id.String()}}, "raw")

	actor, err := ActorFromContext(ctx)
	if err != nil {
		t.Fatalf("ActorFromContext failed: %v", err)
	}
	if actor.UserID != id {
		t.Errorf("expected %s, got %s", id, actor.UserID)
	}
	if token, ok := GetToken(ctx); !ok || token != "raw" {
		t.Errorf("expected raw token, got %q", token)
	}
}

func TestActorFromContext_Missing(t *testing.T) {
	if _, err := ActorFromContext(context.Background()); err != ErrNoActor {
		t.Errorf("expected ErrNoActor, got %v", err)
	}

	ctx := context.WithValue(context.Background(), ClaimsKey, "not-claims")
	if _, ok := GetClaims(ctx); ok {
		t.Error("expected wrong-typed value to be ignored")
	}
}
