package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware rejects unauthenticated requests before they reach a handler.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{authService: authService, logger: logger}
}

// RequireAuth stores the validated claims in the request context. Which
// project the caller may touch is decided later by the access resolver.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.authService.ValidateRequest(r)
		if err != nil {
			unauthorized(w, "Authentication required")
			return
		}
		next(w, r.WithContext(WithClaims(r.Context(), claims, token)))
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
