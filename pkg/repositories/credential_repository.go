package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/database"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// deleteUnreferencedCredentials removes the credentials in $1 that no
// connection points at any more.
const deleteUnreferencedCredentials = `
	DELETE FROM credentials c
	WHERE c.id = ANY($1)
	  AND NOT EXISTS (
	      SELECT 1 FROM connections
	      WHERE oauth_credential_id = c.id OR secret_credential_id = c.id
	  )`

// lockCredentials takes row locks in a stable order so two transactions
// releasing overlapping sets cannot deadlock.
const lockCredentials = `
	SELECT id FROM credentials
	WHERE id = ANY($1)
	ORDER BY id
	FOR UPDATE`

// CredentialRepository stores encrypted credentials. It never sees plaintext;
// sealing happens in the vault.
type CredentialRepository interface {
	// Create inserts a credential whose ID is already set.
	Create(ctx context.Context, cred *models.Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	// UpdateSecret replaces ciphertext and expiry in a single statement.
	UpdateSecret(ctx context.Context, id uuid.UUID, encryptedSecret string, expiresAt *time.Time) error
	// LockForRelease locks the credentials until the surrounding transaction
	// ends. Call it before dropping a reference so a concurrent release of the
	// same credential sees this transaction's outcome.
	LockForRelease(ctx context.Context, ids []uuid.UUID) error
	// DeleteIfUnreferenced removes the credential when no connection references it.
	DeleteIfUnreferenced(ctx context.Context, id uuid.UUID) (bool, error)
}

type credentialRepository struct {
	db *database.DB
}

// NewCredentialRepository creates a credential repository.
func NewCredentialRepository(db *database.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

func (r *credentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO credentials (id, team_id, provider, provider_identity, encrypted_secret, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		cred.ID, cred.TeamID, cred.Provider, cred.ProviderIdentity, cred.EncryptedSecret, cred.ExpiresAt,
	).Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return apperrors.ErrConflict
			case "23503":
				return apperrors.ErrNotFound
			}
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (r *credentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var c models.Credential
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT id, team_id, provider, provider_identity, encrypted_secret, expires_at, created_at, updated_at
		FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.TeamID, &c.Provider, &c.ProviderIdentity, &c.EncryptedSecret, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

func (r *credentialRepository) UpdateSecret(ctx context.Context, id uuid.UUID, encryptedSecret string, expiresAt *time.Time) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE credentials SET encrypted_secret = $2, expires_at = $3, updated_at = now()
		WHERE id = $1`,
		id, encryptedSecret, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *credentialRepository) DeleteIfUnreferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, deleteUnreferencedCredentials, []uuid.UUID{id})
	if err != nil {
		return false, fmt.Errorf("failed to release credential: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *credentialRepository) LockForRelease(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Conn(ctx).Exec(ctx, lockCredentials, ids); err != nil {
		return fmt.Errorf("failed to lock credentials: %w", err)
	}
	return nil
}
