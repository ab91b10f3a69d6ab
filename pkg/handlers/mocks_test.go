package handlers

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/auth"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/services"
)

// withActor attaches claims for actor, as the auth middleware would.
func withActor(r *http.Request, actor models.Actor) *http.Request {
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: actor.UserID.String()},
		Email:            actor.Email,
		Admin:            actor.Admin,
	}
	return r.WithContext(auth.WithClaims(r.Context(), claims, "token"))
}

type mockConnectionService struct {
	conn  *models.Connection
	conns []*models.Connection
	err   error

	gotActor models.Actor
	gotInput services.ConnectionInput
	gotIDs   []uuid.UUID
}

func (m *mockConnectionService) ListAll(ctx context.Context, actor models.Actor) ([]*models.Connection, error) {
	m.gotActor = actor
	return m.conns, m.err
}

func (m *mockConnectionService) Create(ctx context.Context, actor models.Actor, projectID uuid.UUID, in services.ConnectionInput) (*models.Connection, error) {
	m.gotActor, m.gotInput, m.gotIDs = actor, in, []uuid.UUID{projectID}
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

func (m *mockConnectionService) Get(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) (*models.Connection, error) {
	m.gotActor, m.gotIDs = actor, []uuid.UUID{projectID, connectionID}
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

func (m *mockConnectionService) ListByProject(ctx context.Context, actor models.Actor, projectID uuid.UUID) ([]*models.Connection, error) {
	m.gotActor, m.gotIDs = actor, []uuid.UUID{projectID}
	return m.conns, m.err
}

func (m *mockConnectionService) Update(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, in services.ConnectionInput) (*models.Connection, error) {
	m.gotActor, m.gotInput, m.gotIDs = actor, in, []uuid.UUID{projectID, connectionID}
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

func (m *mockConnectionService) Delete(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) error {
	m.gotActor, m.gotIDs = actor, []uuid.UUID{projectID, connectionID}
	return m.err
}

type mockQueryEngine struct {
	result *connector.Result
	err    error

	gotType    string
	gotSpec    *models.QuerySpec
	gotRequest services.TypedRequest
}

func (m *mockQueryEngine) TestConnection(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) (*connector.Result, error) {
	return m.result, m.err
}

func (m *mockQueryEngine) TestAPIRequest(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, spec *models.QuerySpec) (*connector.Result, error) {
	m.gotSpec = spec
	return m.result, m.err
}

func (m *mockQueryEngine) TestTypedRequest(ctx context.Context, actor models.Actor, connType string, req services.TypedRequest) (*connector.Result, error) {
	m.gotType, m.gotRequest = connType, req
	return m.result, m.err
}

type mockOAuthFlow struct {
	url    string
	result *services.OAuthSubmitResult
	err    error

	gotProvider string
	gotCode     string
	gotState    string
}

func (m *mockOAuthFlow) AuthURL(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider string) (string, error) {
	m.gotProvider = provider
	return m.url, m.err
}

func (m *mockOAuthFlow) SubmitCode(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider, code, state string) (*services.OAuthSubmitResult, error) {
	m.gotProvider, m.gotCode, m.gotState = provider, code, state
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

var (
	_ services.ConnectionService = (*mockConnectionService)(nil)
	_ services.QueryEngine       = (*mockQueryEngine)(nil)
	_ services.OAuthFlowService  = (*mockOAuthFlow)(nil)
)
