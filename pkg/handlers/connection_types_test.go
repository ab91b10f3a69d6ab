package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

type infoOnlyConnector struct{ info connector.Info }

func (c infoOnlyConnector) Info() connector.Info                     { return c.info }
func (c infoOnlyConnector) ValidateConfig(params map[string]any) error { return nil }
func (c infoOnlyConnector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	return connector.OK(), nil
}
func (c infoOnlyConnector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	return connector.OK(), nil
}

func TestConnectionTypesHandler_List(t *testing.T) {
	registry := connector.NewRegistry(
		infoOnlyConnector{connector.Info{Type: "postgres", DisplayName: "PostgreSQL", Family: connector.FamilySQL}},
		infoOnlyConnector{connector.Info{Type: "api", DisplayName: "REST API", Family: connector.FamilyAPI}},
	)
	h := NewConnectionTypesHandler(registry, &mockQueryEngine{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/connection-types", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConnectionTypesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Types, 2)
	assert.Equal(t, "api", resp.Types[0].Type)
	assert.Equal(t, "postgres", resp.Types[1].Type)
}

func typedTestRequest(body, connType string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.SetPathValue("pid", uuid.NewString())
	req.SetPathValue("type", connType)
	return withActor(req, models.Actor{UserID: uuid.New()})
}

func TestConnectionTypesHandler_Test(t *testing.T) {
	engine := &mockQueryEngine{result: connector.OK()}
	h := NewConnectionTypesHandler(connector.NewRegistry(), engine, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Test(rec, typedTestRequest(`{"params":{"host":"db"},"password":"pw"}`, "postgres"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "postgres", engine.gotType)
	assert.Equal(t, "pw", engine.gotRequest.Password)
	assert.Equal(t, "db", engine.gotRequest.Params["host"])
	assert.Nil(t, engine.gotRequest.Spec)
}

func TestConnectionTypesHandler_TestUpstreamFailure(t *testing.T) {
	engine := &mockQueryEngine{result: &connector.Result{Status: connector.StatusError, UpstreamStatus: 401, Body: "denied"}}
	h := NewConnectionTypesHandler(connector.NewRegistry(), engine, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Test(rec, typedTestRequest(`{"params":{"base_url":"https://x.example.com"},"spec":{"api":{"method":"GET","route":"/"}}}`, "api"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"body":"denied"`)
	require.NotNil(t, engine.gotRequest.Spec)
}

func TestConnectionTypesHandler_TestUnknownType(t *testing.T) {
	engine := &mockQueryEngine{err: apperrors.New(apperrors.KindConnectorNotFound, "unsupported connection type: %q", "oracle")}
	h := NewConnectionTypesHandler(connector.NewRegistry(), engine, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Test(rec, typedTestRequest(`{}`, "oracle"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "connector_not_found")
}
