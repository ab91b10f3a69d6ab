package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/auth"
	"github.com/ekaya-inc/ekaya-connect/pkg/services"
)

// AuthURLResponse carries the provider consent URL.
type AuthURLResponse struct {
	URL string `json:"url"`
}

// SubmitCodeRequest is the redirect payload the UI forwards.
type SubmitCodeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// OAuthHandler runs the authorization flow of OAuth-backed connections.
type OAuthHandler struct {
	flow   services.OAuthFlowService
	logger *zap.Logger
}

// NewOAuthHandler creates the handler.
func NewOAuthHandler(flow services.OAuthFlowService, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{flow: flow, logger: logger}
}

// RegisterRoutes registers the authorization routes.
func (h *OAuthHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/projects/{pid}/connections/{cid}/auth/{provider}", authMiddleware.RequireAuth(h.AuthURL))
	mux.HandleFunc("PUT /api/projects/{pid}/connections/{cid}/auth/{provider}", authMiddleware.RequireAuth(h.SubmitCode))
}

// AuthURL handles GET .../auth/{provider}
func (h *OAuthHandler) AuthURL(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	provider := r.PathValue("provider")

	u, err := h.flow.AuthURL(r.Context(), actor, projectID, connectionID, provider)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to build authorization URL",
			zap.String("connection_id", connectionID.String()),
			zap.String("provider", provider))
		return
	}
	writeResponse(w, h.logger, AuthURLResponse{URL: u})
}

// SubmitCode handles PUT .../auth/{provider}
func (h *OAuthHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	provider := r.PathValue("provider")

	var req SubmitCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err, "Invalid authorization code request")
		return
	}
	if req.Code == "" || req.State == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "validation_error", "code and state are required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	res, err := h.flow.SubmitCode(r.Context(), actor, projectID, connectionID, provider, req.Code, req.State)
	if err != nil {
		writeServiceError(w, h.logger, err, "Authorization failed",
			zap.String("connection_id", connectionID.String()),
			zap.String("provider", provider))
		return
	}
	writeResponse(w, h.logger, res)
}
