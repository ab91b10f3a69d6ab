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

// ConnectionRepository defines data access for connections. Params are stored
// as JSONB; secrets are only referenced by credential ID.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *models.Connection) error
	// GetByID looks the connection up without a project filter; callers
	// compare ProjectID themselves.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	FindByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Connection, error)
	// List returns every connection on the platform.
	List(ctx context.Context) ([]*models.Connection, error)
	Update(ctx context.Context, conn *models.Connection) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a connection repository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `id, project_id, name, type, params, oauth_credential_id, secret_credential_id, created_at, updated_at`

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	params := conn.Params
	if params == nil {
		params = map[string]any{}
	}
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO connections (project_id, name, type, params, oauth_credential_id, secret_credential_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		conn.ProjectID, conn.Name, conn.Type, params, conn.OAuthCredentialID, conn.SecretCredentialID,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	row := r.db.Conn(ctx).QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *connectionRepository) FindByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Connection, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return collectConnections(rows)
}

func (r *connectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return collectConnections(rows)
}

func (r *connectionRepository) Update(ctx context.Context, conn *models.Connection) error {
	params := conn.Params
	if params == nil {
		params = map[string]any{}
	}
	err := r.db.Conn(ctx).QueryRow(ctx, `
		UPDATE connections
		SET name = $2, type = $3, params = $4, oauth_credential_id = $5, secret_credential_id = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		conn.ID, conn.Name, conn.Type, params, conn.OAuthCredentialID, conn.SecretCredentialID,
	).Scan(&conn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Type, &c.Params,
		&c.OAuthCredentialID, &c.SecretCredentialID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.HasSecret = c.SecretCredentialID != nil
	return &c, nil
}

func collectConnections(rows pgx.Rows) ([]*models.Connection, error) {
	defer rows.Close()

	var out []*models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return out, nil
}
