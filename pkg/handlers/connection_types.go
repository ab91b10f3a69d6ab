package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/auth"
	"github.com/ekaya-inc/ekaya-connect/pkg/services"
)

// ConnectionTypesResponse lists the registered connection types.
type ConnectionTypesResponse struct {
	Types []connector.Info `json:"types"`
}

// ConnectionTypesHandler describes connection types and tests unsaved
// settings against them.
type ConnectionTypesHandler struct {
	registry *connector.Registry
	engine   services.QueryEngine
	logger   *zap.Logger
}

// NewConnectionTypesHandler creates the handler.
func NewConnectionTypesHandler(registry *connector.Registry, engine services.QueryEngine, logger *zap.Logger) *ConnectionTypesHandler {
	return &ConnectionTypesHandler{registry: registry, engine: engine, logger: logger}
}

// RegisterRoutes registers the connection type routes.
func (h *ConnectionTypesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/connection-types", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/projects/{pid}/connection-types/{type}/test", authMiddleware.RequireAuth(h.Test))
}

// List handles GET /api/connection-types
func (h *ConnectionTypesHandler) List(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.logger, ConnectionTypesResponse{Types: h.registry.Types()})
}

// Test handles POST /api/projects/{pid}/connection-types/{type}/test.
// The settings are not saved, so there is no connection to authorize
// against; the project ID is only validated for shape.
func (h *ConnectionTypesHandler) Test(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	if _, ok := ParseProjectID(w, r, h.logger); !ok {
		return
	}
	connType := r.PathValue("type")

	var req services.TypedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err, "Invalid typed test request")
		return
	}

	res, err := h.engine.TestTypedRequest(r.Context(), actor, connType, req)
	if err != nil {
		writeServiceError(w, h.logger, err, "Typed test failed", zap.String("type", connType))
		return
	}
	writeResult(w, h.logger, res)
}
