package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/auth"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/services"
)

// ListConnectionsResponse wraps a connection list.
type ListConnectionsResponse struct {
	Connections []*models.Connection `json:"connections"`
}

// DeleteConnectionResponse confirms a delete.
type DeleteConnectionResponse struct {
	Removed bool `json:"removed"`
}

// ConnectionsHandler serves connection management and testing.
type ConnectionsHandler struct {
	connections services.ConnectionService
	engine      services.QueryEngine
	logger      *zap.Logger
}

// NewConnectionsHandler creates a connections handler.
func NewConnectionsHandler(connections services.ConnectionService, engine services.QueryEngine, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{
		connections: connections,
		engine:      engine,
		logger:      logger,
	}
}

// RegisterRoutes registers the connection routes. Every route requires an
// authenticated caller; per-project permissions are checked by the services.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/connections", authMiddleware.RequireAuth(h.ListAll))
	mux.HandleFunc("GET /api/projects/{pid}/connections", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/projects/{pid}/connections", authMiddleware.RequireAuth(h.Create))
	mux.HandleFunc("GET /api/projects/{pid}/connections/{cid}", authMiddleware.RequireAuth(h.Get))
	mux.HandleFunc("PUT /api/projects/{pid}/connections/{cid}", authMiddleware.RequireAuth(h.Update))
	mux.HandleFunc("DELETE /api/projects/{pid}/connections/{cid}", authMiddleware.RequireAuth(h.Delete))
	mux.HandleFunc("GET /api/projects/{pid}/connections/{cid}/test", authMiddleware.RequireAuth(h.Test))
	mux.HandleFunc("POST /api/projects/{pid}/connections/{cid}/api-test", authMiddleware.RequireAuth(h.APITest))
}

// ListAll handles GET /api/connections (platform admins).
func (h *ConnectionsHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	conns, err := h.connections.ListAll(r.Context(), actor)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list all connections")
		return
	}
	writeResponse(w, h.logger, ListConnectionsResponse{Connections: conns})
}

// List handles GET /api/projects/{pid}/connections
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	conns, err := h.connections.ListByProject(r.Context(), actor, projectID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list connections",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, ListConnectionsResponse{Connections: conns})
}

// Create handles POST /api/projects/{pid}/connections
func (h *ConnectionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	var in services.ConnectionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeServiceError(w, h.logger, err, "Invalid create connection request")
		return
	}

	conn, err := h.connections.Create(r.Context(), actor, projectID, in)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to create connection",
			zap.String("project_id", projectID.String()),
			zap.String("type", in.Type))
		return
	}
	writeResponse(w, h.logger, conn)
}

// Get handles GET /api/projects/{pid}/connections/{cid}
func (h *ConnectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	conn, err := h.connections.Get(r.Context(), actor, projectID, connectionID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get connection",
			zap.String("connection_id", connectionID.String()))
		return
	}
	writeResponse(w, h.logger, conn)
}

// Update handles PUT /api/projects/{pid}/connections/{cid}
func (h *ConnectionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	var in services.ConnectionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeServiceError(w, h.logger, err, "Invalid update connection request")
		return
	}

	conn, err := h.connections.Update(r.Context(), actor, projectID, connectionID, in)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to update connection",
			zap.String("connection_id", connectionID.String()))
		return
	}
	writeResponse(w, h.logger, conn)
}

// Delete handles DELETE /api/projects/{pid}/connections/{cid}
func (h *ConnectionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.connections.Delete(r.Context(), actor, projectID, connectionID); err != nil {
		writeServiceError(w, h.logger, err, "Failed to delete connection",
			zap.String("connection_id", connectionID.String()))
		return
	}
	writeResponse(w, h.logger, DeleteConnectionResponse{Removed: true})
}

// Test handles GET /api/projects/{pid}/connections/{cid}/test
func (h *ConnectionsHandler) Test(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	res, err := h.engine.TestConnection(r.Context(), actor, projectID, connectionID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Connection test failed",
			zap.String("connection_id", connectionID.String()))
		return
	}
	writeResponse(w, h.logger, res)
}

// APITest handles POST /api/projects/{pid}/connections/{cid}/api-test.
// An upstream HTTP failure is answered with the upstream status and body.
func (h *ConnectionsHandler) APITest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	projectID, connectionID, ok := ParseProjectAndConnectionIDs(w, r, h.logger)
	if !ok {
		return
	}
	var spec models.QuerySpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request spec")
		return
	}

	res, err := h.engine.TestAPIRequest(r.Context(), actor, projectID, connectionID, &spec)
	if err != nil {
		writeServiceError(w, h.logger, err, "Request test failed",
			zap.String("connection_id", connectionID.String()))
		return
	}
	writeResult(w, h.logger, res)
}

func writeResult(w http.ResponseWriter, logger *zap.Logger, res *connector.Result) {
	if err := WriteJSON(w, resultStatus(res.UpstreamStatus), res); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
