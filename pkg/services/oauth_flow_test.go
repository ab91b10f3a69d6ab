package services

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

type oauthFlowFixture struct {
	store   *memStore
	vault   CredentialVault
	evicter *recordingEvicter
	svc     OAuthFlowService
	project *models.Project
	admin   models.Actor
	editor  models.Actor
	conn    *models.Connection
}

func newOAuthFlowFixture(t *testing.T) *oauthFlowFixture {
	t.Helper()
	f := &oauthFlowFixture{store: newMemStore(), evicter: &recordingEvicter{}}
	f.vault = newTestVault(t, f.store)
	broker := newTestBroker(t, newFakeProvider(t), f.vault)
	f.svc = NewOAuthFlowService(newTestResolver(f.store), memConnections{f.store}, f.vault, broker, newTestConnectors().registry, &fakeTx{}, f.evicter, zap.NewNop())
	f.project = f.store.addProject()
	f.admin = f.store.addMember(f.project, models.RoleAdmin)
	f.editor = f.store.addMember(f.project, models.RoleEditor)
	f.conn = f.store.addConnection(&models.Connection{ProjectID: f.project.ID, Name: "ga", Type: "google-analytics", Params: map[string]any{"property_id": "1"}})
	return f
}

// state starts an authorization and returns the state parameter.
func (f *oauthFlowFixture) state(t *testing.T, connectionID uuid.UUID) string {
	t.Helper()
	raw, err := f.svc.AuthURL(context.Background(), f.admin, f.project.ID, connectionID, "google")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestOAuthFlow_AuthURL(t *testing.T) {
	f := newOAuthFlowFixture(t)
	assert.NotEmpty(t, f.state(t, f.conn.ID))

	_, err := f.svc.AuthURL(context.Background(), f.editor, f.project.ID, f.conn.ID, "google")
	assert.True(t, apperrors.Is(err, apperrors.KindUnauthorized))
}

func TestOAuthFlow_ProviderMustMatchConnectionType(t *testing.T) {
	f := newOAuthFlowFixture(t)
	pg := f.store.addConnection(&models.Connection{ProjectID: f.project.ID, Name: "pg", Type: "postgres", Params: map[string]any{"host": "db"}})

	_, err := f.svc.AuthURL(context.Background(), f.admin, f.project.ID, f.conn.ID, "github")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = f.svc.AuthURL(context.Background(), f.admin, f.project.ID, pg.ID, "google")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestOAuthFlow_SubmitCodeAttachesCredential(t *testing.T) {
	f := newOAuthFlowFixture(t)
	ctx := context.Background()

	res, err := f.svc.SubmitCode(ctx, f.admin, f.project.ID, f.conn.ID, "google", "good-code", f.state(t, f.conn.ID))
	require.NoError(t, err)
	assert.Equal(t, f.project.TeamID, res.TeamID)
	require.NotNil(t, res.Connection.OAuthCredentialID)

	stored := f.store.connection(f.conn.ID)
	require.NotNil(t, stored.OAuthCredentialID)
	assert.Equal(t, *res.Connection.OAuthCredentialID, *stored.OAuthCredentialID)

	entry, err := f.vault.Get(ctx, *stored.OAuthCredentialID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", entry.Secret.AccessToken)
	assert.Equal(t, "refresh-1", entry.Secret.RefreshToken)
	assert.Equal(t, "google", entry.Credential.Provider)
	assert.Equal(t, "owner@example.com", entry.Credential.ProviderIdentity)
	assert.Equal(t, f.project.TeamID, entry.Credential.TeamID)
	assert.Contains(t, f.evicter.evicted, f.conn.ID)
}

func TestOAuthFlow_ReauthorizeReleasesPreviousCredential(t *testing.T) {
	f := newOAuthFlowFixture(t)
	ctx := context.Background()

	first, err := f.svc.SubmitCode(ctx, f.admin, f.project.ID, f.conn.ID, "google", "good-code", f.state(t, f.conn.ID))
	require.NoError(t, err)
	oldID := *first.Connection.OAuthCredentialID

	second, err := f.svc.SubmitCode(ctx, f.admin, f.project.ID, f.conn.ID, "google", "good-code", f.state(t, f.conn.ID))
	require.NoError(t, err)

	assert.NotEqual(t, oldID, *second.Connection.OAuthCredentialID)
	assert.False(t, f.store.hasCredential(oldID))
	assert.Equal(t, 1, f.store.credentialCount())
}

func TestOAuthFlow_RejectedCodeStoresNothing(t *testing.T) {
	f := newOAuthFlowFixture(t)

	_, err := f.svc.SubmitCode(context.Background(), f.admin, f.project.ID, f.conn.ID, "google", "bad-code", f.state(t, f.conn.ID))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidGrant))
	assert.Zero(t, f.store.credentialCount())
	assert.Nil(t, f.store.connection(f.conn.ID).OAuthCredentialID)
}

func TestOAuthFlow_StateMustMatchConnection(t *testing.T) {
	f := newOAuthFlowFixture(t)
	other := f.store.addConnection(&models.Connection{ProjectID: f.project.ID, Name: "ga2", Type: "google-analytics", Params: map[string]any{"property_id": "2"}})

	_, err := f.svc.SubmitCode(context.Background(), f.admin, f.project.ID, f.conn.ID, "google", "good-code", f.state(t, other.ID))
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = f.svc.SubmitCode(context.Background(), f.admin, f.project.ID, f.conn.ID, "google", "good-code", "not-a-state")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	assert.Zero(t, f.store.credentialCount())
}

func TestOAuthFlow_FailedUpdateLeavesConnectionUnchanged(t *testing.T) {
	f := newOAuthFlowFixture(t)
	state := f.state(t, f.conn.ID)
	f.store.updateConnErr = errors.New("connection lost")

	_, err := f.svc.SubmitCode(context.Background(), f.admin, f.project.ID, f.conn.ID, "google", "good-code", state)
	require.Error(t, err)
	assert.Nil(t, f.store.connection(f.conn.ID).OAuthCredentialID)
	assert.Empty(t, f.evicter.evicted)
}
