package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/database"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// TeamRepository defines data access for teams and their memberships.
type TeamRepository interface {
	// Create inserts a team together with its single owner.
	Create(ctx context.Context, team *models.Team, ownerID uuid.UUID) error
	// AddMember adds or changes a membership. The owner role cannot be granted here.
	AddMember(ctx context.Context, teamID, userID uuid.UUID, role models.Role) error
	// GetRole returns the member's role, or apperrors.ErrNotFound when the user is not a member.
	GetRole(ctx context.Context, teamID, userID uuid.UUID) (models.Role, error)
}

type teamRepository struct {
	db *database.DB
}

// NewTeamRepository creates a team repository.
func NewTeamRepository(db *database.DB) TeamRepository {
	return &teamRepository{db: db}
}

func (r *teamRepository) Create(ctx context.Context, team *models.Team, ownerID uuid.UUID) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)
		err := conn.QueryRow(ctx,
			`INSERT INTO teams (name) VALUES ($1) RETURNING id, created_at`,
			team.Name,
		).Scan(&team.ID, &team.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create team: %w", err)
		}

		_, err = conn.Exec(ctx,
			`INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)`,
			team.ID, ownerID, models.RoleOwner,
		)
		if err != nil {
			return fmt.Errorf("failed to add team owner: %w", err)
		}
		return nil
	})
}

func (r *teamRepository) AddMember(ctx context.Context, teamID, userID uuid.UUID, role models.Role) error {
	if !role.IsValid() || role == models.RoleOwner {
		return apperrors.ErrInvalidRole
	}

	// The owner keeps their role: the WHERE clause skips the update for them.
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role
		WHERE team_members.role <> 'owner'`,
		teamID, userID, role,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to add team member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *teamRepository) GetRole(ctx context.Context, teamID, userID uuid.UUID) (models.Role, error) {
	var role models.Role
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT role FROM team_members WHERE team_id = $1 AND user_id = $2`,
		teamID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get team role: %w", err)
	}
	return role, nil
}
