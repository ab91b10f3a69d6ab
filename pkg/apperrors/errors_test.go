package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", Unauthorized("no membership"), KindUnauthorized},
		{"wrapped classified", fmt.Errorf("resolve: %w", NotFound("project")), KindNotFound},
		{"sentinel not found", fmt.Errorf("get: %w", ErrNotFound), KindNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", Unauthorized("x"), http.StatusUnauthorized},
		{"not found", NotFound("x"), http.StatusNotFound},
		{"validation", Validation("x"), http.StatusBadRequest},
		{"connector not found", New(KindConnectorNotFound, "x"), http.StatusBadRequest},
		{"execution with upstream", Upstream(KindExecution, http.StatusTeapot, "x"), http.StatusTeapot},
		{"execution without upstream", New(KindExecution, "x"), http.StatusBadRequest},
		{"connection with bogus upstream", Upstream(KindConnection, 200, "x"), http.StatusBadRequest},
		{"timeout", New(KindTimeout, "x"), http.StatusGatewayTimeout},
		{"credential expired", CredentialExpired(nil), http.StatusBadRequest},
		{"internal", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessage_HidesInternalCause(t *testing.T) {
	err := fmt.Errorf("query: %w", errors.New("password authentication failed for user admin"))
	assert.Equal(t, "internal server error", PublicMessage(err))

	assert.Equal(t, "connection is missing", PublicMessage(NotFound("connection is missing")))
}

func TestError_UnwrapKeepsChain(t *testing.T) {
	cause := errors.New("cause")
	err := Wrap(KindConnection, cause, "dial")
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindConnection))
}
