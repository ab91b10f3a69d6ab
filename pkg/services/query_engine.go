package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/access"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/audit"
	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/repositories"
	sqlguard "github.com/ekaya-inc/ekaya-connect/pkg/sql"
)

// DefaultQueryTimeout bounds a connector call when none is configured.
const DefaultQueryTimeout = 30 * time.Second

// TypedRequest tests a connection type with unsaved settings.
type TypedRequest struct {
	Params   map[string]any    `json:"params"`
	Password string            `json:"password"`
	Spec     *models.QuerySpec `json:"spec,omitempty"`
}

// QueryEngine runs connection tests and ad-hoc requests.
type QueryEngine interface {
	// TestConnection checks a saved connection can reach its data source.
	TestConnection(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) (*connector.Result, error)

	// TestAPIRequest runs spec against a saved connection.
	TestAPIRequest(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, spec *models.QuerySpec) (*connector.Result, error)

	// TestTypedRequest runs a test (or spec, when given) against settings
	// that were never saved. There is no resource to authorize against.
	TestTypedRequest(ctx context.Context, actor models.Actor, connType string, req TypedRequest) (*connector.Result, error)
}

type queryEngine struct {
	access   AccessResolver
	repo     repositories.ConnectionRepository
	vault    CredentialVault
	broker   OAuthBroker
	registry *connector.Registry
	timeout  time.Duration
	auditor  *audit.SecurityAuditor
	logger   *zap.Logger
}

// NewQueryEngine creates a query engine.
func NewQueryEngine(
	accessResolver AccessResolver,
	repo repositories.ConnectionRepository,
	vault CredentialVault,
	broker OAuthBroker,
	registry *connector.Registry,
	timeout time.Duration,
	logger *zap.Logger,
) QueryEngine {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &queryEngine{
		access:   accessResolver,
		repo:     repo,
		vault:    vault,
		broker:   broker,
		registry: registry,
		timeout:  timeout,
		auditor:  audit.NewSecurityAuditor(logger),
		logger:   logger.Named("query"),
	}
}

func (e *queryEngine) TestConnection(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID) (*connector.Result, error) {
	if _, err := e.access.Authorize(ctx, actor, projectID, &connectionID, access.ActionUpdate, access.ResourceConnection); err != nil {
		return nil, err
	}
	c, target, err := e.prepare(ctx, connectionID)
	if err != nil {
		return nil, e.report(err, connectionID)
	}

	started := time.Now()
	res, err := connector.Test(ctx, c, target, e.timeout)
	e.logger.Debug("Connection test finished",
		zap.String("connection_id", connectionID.String()),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("ok", err == nil))
	if err != nil {
		return nil, e.report(normalize(err), connectionID)
	}
	return res, nil
}

func (e *queryEngine) TestAPIRequest(ctx context.Context, actor models.Actor, projectID, connectionID uuid.UUID, spec *models.QuerySpec) (*connector.Result, error) {
	if _, err := e.access.Authorize(ctx, actor, projectID, &connectionID, access.ActionCreate, access.ResourceDataRequest); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, apperrors.Validation("request spec is required")
	}
	c, target, err := e.prepare(ctx, connectionID)
	if err != nil {
		return nil, e.report(err, connectionID)
	}
	spec.ConnectionID = connectionID

	res, err := connector.Execute(ctx, c, target, spec, e.timeout)
	if err != nil {
		if sqlguard.IsRejected(err) {
			e.auditor.LogStatementRejected(actor, projectID, connectionID, apperrors.PublicMessage(err))
		}
		return nil, e.report(normalize(err), connectionID)
	}
	return res, nil
}

func (e *queryEngine) TestTypedRequest(ctx context.Context, actor models.Actor, connType string, req TypedRequest) (*connector.Result, error) {
	e.auditor.LogUnsavedSettingsTest(actor, connType, req.Params, req.Spec != nil)

	c, err := e.registry.Get(connType)
	if err != nil {
		return nil, e.report(err, uuid.Nil)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if err := c.ValidateConfig(req.Params); err != nil {
		return nil, err
	}

	target := connector.Target{ConnectionID: uuid.Nil, Params: req.Params}
	if req.Password != "" {
		target.Secret = &models.Secret{Password: req.Password}
	}

	var res *connector.Result
	if req.Spec == nil {
		res, err = connector.Test(ctx, c, target, e.timeout)
	} else {
		res, err = connector.Execute(ctx, c, target, req.Spec, e.timeout)
	}
	if err != nil {
		return nil, e.report(normalize(err), uuid.Nil)
	}
	return res, nil
}

// prepare loads a saved connection with its connector and secret.
func (e *queryEngine) prepare(ctx context.Context, connectionID uuid.UUID) (connector.Connector, connector.Target, error) {
	conn, err := e.repo.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, connector.Target{}, apperrors.NotFound("connection not found")
		}
		return nil, connector.Target{}, err
	}
	c, err := e.registry.Get(conn.Type)
	if err != nil {
		return nil, connector.Target{}, err
	}
	secret, err := e.resolveSecret(ctx, c.Info(), conn)
	if err != nil {
		return nil, connector.Target{}, err
	}
	return c, connector.Target{ConnectionID: conn.ID, Params: conn.Params, Secret: secret}, nil
}

func (e *queryEngine) resolveSecret(ctx context.Context, info connector.Info, conn *models.Connection) (*models.Secret, error) {
	if info.OAuthProvider != "" {
		if conn.OAuthCredentialID == nil {
			return nil, apperrors.New(apperrors.KindCredentialExpired, "connection is not authorized yet, complete the %s authorization first", info.OAuthProvider)
		}
		return e.broker.EnsureFresh(ctx, *conn.OAuthCredentialID)
	}
	if conn.SecretCredentialID == nil {
		return nil, nil
	}
	entry, err := e.vault.Get(ctx, *conn.SecretCredentialID)
	if err != nil {
		return nil, err
	}
	return entry.Secret, nil
}

// report logs errors that point at a bug or misconfiguration rather than a
// data source problem.
func (e *queryEngine) report(err error, connectionID uuid.UUID) error {
	switch apperrors.KindOf(err) {
	case apperrors.KindConnectorNotFound, apperrors.KindInternal:
		e.logger.Error("Query engine failure",
			zap.String("connection_id", connectionID.String()),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.String("error", logging.SanitizeError(err)))
	}
	return err
}

// normalize classifies a connector failure that carries no kind of its own
// as an execution error.
func normalize(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	return apperrors.Wrap(apperrors.KindExecution, err, "%s", logging.SanitizeError(err))
}
