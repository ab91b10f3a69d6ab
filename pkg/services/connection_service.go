package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/access"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/repositories"
)

// Transactor runs fn in a transaction carried by ctx.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolEvicter drops cached pools of a connection.
type PoolEvicter interface {
	Evict(connectionID uuid.UUID)
}

// ConnectionInput is the writable part of a connection.
type ConnectionInput struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
	// Password is stored in the vault. Empty on update keeps the stored one.
	Password string `json:"password"`
	// OAuthCredentialID reuses a grant the team already holds, so several
	// connections can share one authorization. Nil on update keeps the
	// current one.
	OAuthCredentialID *uuid.UUID `json:"oauth_credential_id,omitempty"`
}

// ConnectionService manages connections. Every method authorizes the actor
// first; returned connections never carry a password.
type ConnectionService interface {
	// ListAll returns every connection on the platform. Platform admins only.
	ListAll(ctx context.Context, actor models.Actor) ([]*models.Connection, error)
	Create(ctx context.Context, actor models.Actor, projectID uuid.UUID, in ConnectionInput) (*models.Connection, error)
	Get(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) (*models.Connection, error)
	ListByProject(ctx context.Context, actor models.Actor, projectID uuid.UUID) ([]*models.Connection, error)
	Update(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, in ConnectionInput) (*models.Connection, error)
	// Delete removes the connection and releases credentials nothing else references.
	Delete(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) error
}

type connectionService struct {
	access   AccessResolver
	repo     repositories.ConnectionRepository
	vault    CredentialVault
	registry *connector.Registry
	tx       Transactor
	pools    PoolEvicter
	logger   *zap.Logger
}

// NewConnectionService creates a connection service. pools may be nil.
func NewConnectionService(
	accessResolver AccessResolver,
	repo repositories.ConnectionRepository,
	vault CredentialVault,
	registry *connector.Registry,
	tx Transactor,
	pools PoolEvicter,
	logger *zap.Logger,
) ConnectionService {
	return &connectionService{
		access:   accessResolver,
		repo:     repo,
		vault:    vault,
		registry: registry,
		tx:       tx,
		pools:    pools,
		logger:   logger.Named("connections"),
	}
}

func (s *connectionService) ListAll(ctx context.Context, actor models.Actor) ([]*models.Connection, error) {
	if !actor.Admin {
		return nil, apperrors.Unauthorized("platform admin required")
	}
	conns, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return redactAll(conns), nil
}

// checkInput validates in against the connector for its type.
func (s *connectionService) checkInput(in *ConnectionInput) (connector.Connector, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperrors.Validation("name is required")
	}
	c, err := s.registry.Get(in.Type)
	if err != nil {
		return nil, err
	}
	if in.Params == nil {
		in.Params = map[string]any{}
	}
	if err := c.ValidateConfig(in.Params); err != nil {
		return nil, err
	}
	info := c.Info()
	if in.Password != "" && (info.Schema == nil || info.Schema.Secret == nil) {
		return nil, apperrors.Validation("connection type %s does not take a password", in.Type)
	}
	if in.OAuthCredentialID != nil && info.OAuthProvider == "" {
		return nil, apperrors.Validation("connection type %s does not use an oauth credential", in.Type)
	}
	return c, nil
}

// sharedCredential checks that a credential named by the caller is a grant
// of the right provider held by the caller's team.
func (s *connectionService) sharedCredential(ctx context.Context, teamID, credentialID uuid.UUID, provider string) error {
	entry, err := s.vault.Get(ctx, credentialID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return apperrors.Unauthorized("credential is not available to this team")
		}
		return err
	}
	if entry.Credential.TeamID != teamID {
		return apperrors.Unauthorized("credential is not available to this team")
	}
	if entry.Credential.Provider != provider {
		return apperrors.Validation("credential was issued by %s, this connection needs %s", entry.Credential.Provider, provider)
	}
	return nil
}

func (s *connectionService) Create(ctx context.Context, actor models.Actor, projectID uuid.UUID, in ConnectionInput) (*models.Connection, error) {
	res, err := s.access.Authorize(ctx, actor, projectID, nil, access.ActionCreate, access.ResourceConnection)
	if err != nil {
		return nil, err
	}
	c, err := s.checkInput(&in)
	if err != nil {
		return nil, err
	}
	if schema := c.Info().Schema; schema != nil && schema.Secret != nil && schema.Secret.Required && in.Password == "" {
		return nil, apperrors.Validation("%s is required", strings.ToLower(schema.Secret.Label))
	}

	conn := &models.Connection{
		ProjectID: projectID,
		Name:      in.Name,
		Type:      in.Type,
		Params:    in.Params,
	}
	if in.OAuthCredentialID != nil {
		if err := s.sharedCredential(ctx, res.TeamID, *in.OAuthCredentialID, c.Info().OAuthProvider); err != nil {
			return nil, err
		}
		conn.OAuthCredentialID = in.OAuthCredentialID
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if in.Password != "" {
			id, err := s.vault.Store(ctx, res.TeamID, models.ProviderStatic, &models.Secret{Password: in.Password}, nil, "")
			if err != nil {
				return err
			}
			conn.SecretCredentialID = &id
		}
		return s.repo.Create(ctx, conn)
	})
	if err != nil {
		return nil, s.mapNotFound(err, "project")
	}

	s.logger.Info("Created connection",
		zap.String("connection_id", conn.ID.String()),
		zap.String("project_id", projectID.String()),
		zap.String("type", conn.Type),
		zap.Bool("shared_credential", in.OAuthCredentialID != nil),
		zap.Any("params", logging.RedactParams(conn.Params)),
		zap.String("actor_id", actor.UserID.String()))
	return conn.Redacted(), nil
}

func (s *connectionService) Get(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) (*models.Connection, error) {
	if _, err := s.access.Authorize(ctx, actor, projectID, &connectionID, access.ActionReadAny, access.ResourceConnection); err != nil {
		return nil, err
	}
	conn, err := s.repo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, s.mapNotFound(err, "connection")
	}
	return conn.Redacted(), nil
}

func (s *connectionService) ListByProject(ctx context.Context, actor models.Actor, projectID uuid.UUID) ([]*models.Connection, error) {
	if _, err := s.access.Authorize(ctx, actor, projectID, nil, access.ActionReadAny, access.ResourceConnection); err != nil {
		return nil, err
	}
	conns, err := s.repo.FindByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return redactAll(conns), nil
}

func (s *connectionService) Update(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, in ConnectionInput) (*models.Connection, error) {
	res, err := s.access.Authorize(ctx, actor, projectID, &connectionID, access.ActionUpdate, access.ResourceConnection)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, s.mapNotFound(err, "connection")
	}
	if in.Type == "" {
		in.Type = existing.Type
	}
	if in.Type != existing.Type {
		return nil, apperrors.Validation("connection type cannot be changed; create a new connection instead")
	}
	c, err := s.checkInput(&in)
	if err != nil {
		return nil, err
	}

	updated := *existing
	updated.Name = in.Name
	updated.Params = in.Params
	var replaced *uuid.UUID
	if in.OAuthCredentialID != nil && (existing.OAuthCredentialID == nil || *existing.OAuthCredentialID != *in.OAuthCredentialID) {
		if err := s.sharedCredential(ctx, res.TeamID, *in.OAuthCredentialID, c.Info().OAuthProvider); err != nil {
			return nil, err
		}
		replaced = existing.OAuthCredentialID
		updated.OAuthCredentialID = in.OAuthCredentialID
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if replaced != nil {
			if err := s.vault.Hold(ctx, *replaced); err != nil {
				return err
			}
		}
		if in.Password != "" {
			secret := &models.Secret{Password: in.Password}
			if existing.SecretCredentialID != nil {
				if err := s.vault.Rotate(ctx, *existing.SecretCredentialID, secret, nil); err != nil {
					return err
				}
			} else {
				id, err := s.vault.Store(ctx, res.TeamID, models.ProviderStatic, secret, nil, "")
				if err != nil {
					return err
				}
				updated.SecretCredentialID = &id
			}
		}
		if err := s.repo.Update(ctx, &updated); err != nil {
			return err
		}
		if replaced != nil {
			if _, err := s.vault.Release(ctx, *replaced); err != nil {
				return fmt.Errorf("failed to release previous credential: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.mapNotFound(err, "connection")
	}
	s.evict(connectionID)

	s.logger.Info("Updated connection",
		zap.String("connection_id", connectionID.String()),
		zap.Bool("secret_changed", in.Password != ""),
		zap.String("actor_id", actor.UserID.String()))
	return updated.Redacted(), nil
}

func (s *connectionService) Delete(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) error {
	if _, err := s.access.Authorize(ctx, actor, projectID, &connectionID, access.ActionDelete, access.ResourceConnection); err != nil {
		return err
	}

	var released int
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		conn, err := s.repo.GetByID(ctx, connectionID)
		if err != nil {
			return err
		}
		if err := s.vault.Hold(ctx, conn.CredentialIDs()...); err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, connectionID); err != nil {
			return err
		}
		for _, id := range conn.CredentialIDs() {
			removed, err := s.vault.Release(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to release credential: %w", err)
			}
			if removed {
				released++
			}
		}
		return nil
	})
	if err != nil {
		return s.mapNotFound(err, "connection")
	}
	s.evict(connectionID)

	s.logger.Info("Deleted connection",
		zap.String("connection_id", connectionID.String()),
		zap.Int("credentials_released", released),
		zap.String("actor_id", actor.UserID.String()))
	return nil
}

func (s *connectionService) evict(connectionID uuid.UUID) {
	if s.pools != nil {
		s.pools.Evict(connectionID)
	}
}

func (s *connectionService) mapNotFound(err error, what string) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.NotFound("%s not found", what)
	}
	return err
}

func redactAll(conns []*models.Connection) []*models.Connection {
	out := make([]*models.Connection, len(conns))
	for i, c := range conns {
		out[i] = c.Redacted()
	}
	return out
}
