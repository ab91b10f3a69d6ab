package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/access"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/repositories"
)

// OAuthSubmitResult is returned once a connection is authorized.
type OAuthSubmitResult struct {
	TeamID     uuid.UUID          `json:"team_id"`
	Connection *models.Connection `json:"connection"`
}

// OAuthFlowService authorizes OAuth-backed connections.
type OAuthFlowService interface {
	// AuthURL returns the consent URL for the connection's provider.
	AuthURL(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider string) (string, error)

	// SubmitCode exchanges the code returned to the redirect URL and
	// attaches the resulting credential to the connection. A rejected code
	// leaves the connection unchanged.
	SubmitCode(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider, code, state string) (*OAuthSubmitResult, error)
}

type oauthFlowService struct {
	access   AccessResolver
	repo     repositories.ConnectionRepository
	vault    CredentialVault
	broker   OAuthBroker
	registry *connector.Registry
	tx       Transactor
	pools    PoolEvicter
	logger   *zap.Logger
}

// NewOAuthFlowService creates the service. pools may be nil.
func NewOAuthFlowService(
	accessResolver AccessResolver,
	repo repositories.ConnectionRepository,
	vault CredentialVault,
	broker OAuthBroker,
	registry *connector.Registry,
	tx Transactor,
	pools PoolEvicter,
	logger *zap.Logger,
) OAuthFlowService {
	return &oauthFlowService{
		access:   accessResolver,
		repo:     repo,
		vault:    vault,
		broker:   broker,
		registry: registry,
		tx:       tx,
		pools:    pools,
		logger:   logger.Named("oauth-flow"),
	}
}

// load authorizes the actor and returns the connection after checking it
// authenticates with provider.
func (s *oauthFlowService) load(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider string) (*models.RoleResolution, *models.Connection, error) {
	res, err := s.access.Authorize(ctx, actor, projectID, &connectionID, access.ActionCreate, access.ResourceConnection)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.repo.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, apperrors.NotFound("connection not found")
		}
		return nil, nil, err
	}
	c, err := s.registry.Get(conn.Type)
	if err != nil {
		return nil, nil, err
	}
	if want := c.Info().OAuthProvider; want == "" || want != provider {
		return nil, nil, apperrors.Validation("connection type %s does not authorize through %s", conn.Type, provider)
	}
	return res, conn, nil
}

func authState(conn *models.Connection) models.AuthorizationState {
	if conn.OAuthCredentialID == nil {
		return models.AuthUnauthenticated
	}
	return models.AuthAuthenticated
}

func (s *oauthFlowService) AuthURL(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider string) (string, error) {
	_, conn, err := s.load(ctx, actor, projectID, connectionID, provider)
	if err != nil {
		return "", err
	}
	from := authState(conn)
	if !from.CanTransition(models.AuthPendingCode) {
		return "", apperrors.Validation("authorization cannot start from state %s", from)
	}
	return s.broker.AuthURL(provider, projectID, connectionID)
}

func (s *oauthFlowService) SubmitCode(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, provider, code, state string) (*OAuthSubmitResult, error) {
	res, conn, err := s.load(ctx, actor, projectID, connectionID, provider)
	if err != nil {
		return nil, err
	}

	st, err := s.broker.VerifyState(state)
	if err != nil {
		return nil, err
	}
	if st.ProjectID != projectID || st.ConnectionID != connectionID || st.Provider != provider {
		return nil, apperrors.Validation("authorization state was issued for a different connection")
	}

	grant, err := s.broker.ExchangeCode(ctx, provider, code)
	if err != nil {
		s.logger.Info("Authorization failed",
			zap.String("connection_id", connectionID.String()),
			zap.String("from", string(models.AuthPendingCode)),
			zap.String("to", string(models.AuthFailed)),
			zap.String("kind", string(apperrors.KindOf(err))))
		return nil, err
	}

	previous := conn.OAuthCredentialID
	updated := *conn
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if previous != nil {
			if err := s.vault.Hold(ctx, *previous); err != nil {
				return err
			}
		}
		id, err := s.vault.Store(ctx, res.TeamID, provider, grant.Secret, grant.ExpiresAt, grant.ProviderIdentity)
		if err != nil {
			return err
		}
		updated.OAuthCredentialID = &id
		if err := s.repo.Update(ctx, &updated); err != nil {
			return err
		}
		if previous != nil {
			if _, err := s.vault.Release(ctx, *previous); err != nil {
				return fmt.Errorf("failed to release previous credential: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("connection not found")
		}
		return nil, err
	}
	if s.pools != nil {
		s.pools.Evict(connectionID)
	}

	s.logger.Info("Connection authorized",
		zap.String("connection_id", connectionID.String()),
		zap.String("provider", provider),
		zap.String("identity", grant.ProviderIdentity),
		zap.Bool("replaced_credential", previous != nil),
		zap.String("actor_id", actor.UserID.String()))

	return &OAuthSubmitResult{TeamID: res.TeamID, Connection: updated.Redacted()}, nil
}
