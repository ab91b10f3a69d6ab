package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/access"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/audit"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/repositories"
)

// AccessResolver decides whether an actor may perform an action on a
// project-scoped resource.
type AccessResolver interface {
	// Resolve returns the actor's role in the project's team. When
	// connectionID is set the connection must belong to the project.
	Resolve(ctx context.Context, actorID, projectID uuid.UUID, connectionID *uuid.UUID) (*models.RoleResolution, error)

	// Authorize resolves the role and checks the permission matrix.
	Authorize(ctx context.Context, actor models.Actor, projectID uuid.UUID, connectionID *uuid.UUID, action access.Action, resource access.Resource) (*models.RoleResolution, error)
}

type accessResolver struct {
	projectRepo    repositories.ProjectRepository
	connectionRepo repositories.ConnectionRepository
	teamRepo       repositories.TeamRepository
	auditor        *audit.SecurityAuditor
	logger         *zap.Logger
}

// NewAccessResolver creates an access resolver.
func NewAccessResolver(
	projectRepo repositories.ProjectRepository,
	connectionRepo repositories.ConnectionRepository,
	teamRepo repositories.TeamRepository,
	logger *zap.Logger,
) AccessResolver {
	return &accessResolver{
		projectRepo:    projectRepo,
		connectionRepo: connectionRepo,
		teamRepo:       teamRepo,
		auditor:        audit.NewSecurityAuditor(logger),
		logger:         logger.Named("access"),
	}
}

func (r *accessResolver) Resolve(ctx context.Context, actorID, projectID uuid.UUID, connectionID *uuid.UUID) (*models.RoleResolution, error) {
	project, err := r.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("project not found")
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	if connectionID != nil {
		conn, err := r.connectionRepo.GetByID(ctx, *connectionID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.NotFound("connection not found")
			}
			return nil, fmt.Errorf("failed to load connection: %w", err)
		}
		if conn.ProjectID != projectID {
			r.logger.Warn("Connection does not belong to project",
				zap.String("connection_id", connectionID.String()),
				zap.String("project_id", projectID.String()),
				zap.String("actor_id", actorID.String()))
			return nil, apperrors.Unauthorized("connection does not belong to this project")
		}
	}

	role, err := r.teamRepo.GetRole(ctx, project.TeamID, actorID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Unauthorized("not a member of this project's team")
		}
		return nil, fmt.Errorf("failed to resolve team role: %w", err)
	}

	return &models.RoleResolution{Role: role, TeamID: project.TeamID, ProjectID: project.ID}, nil
}

func (r *accessResolver) Authorize(ctx context.Context, actor models.Actor, projectID uuid.UUID, connectionID *uuid.UUID, action access.Action, resource access.Resource) (*models.RoleResolution, error) {
	res, err := r.Resolve(ctx, actor.UserID, projectID, connectionID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindUnauthorized) {
			r.auditor.LogAccessDenied(actor, projectID, connectionID, apperrors.PublicMessage(err))
		}
		return nil, err
	}
	if !access.Can(res.Role, action, resource) {
		denied := apperrors.Unauthorized("role %s may not %s %s", res.Role, action, resource)
		r.auditor.LogAccessDenied(actor, projectID, connectionID, denied.Message)
		return nil, denied
	}
	return res, nil
}
