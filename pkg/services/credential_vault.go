package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/crypto"
	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/repositories"
)

// VaultEntry is a decrypted credential.
type VaultEntry struct {
	Credential *models.Credential
	Secret     *models.Secret
}

// ExpiresWithin reports whether the entry expires before now+margin.
// Entries without an expiry never do.
func (e *VaultEntry) ExpiresWithin(now time.Time, margin time.Duration) bool {
	exp := e.Credential.ExpiresAt
	return exp != nil && !exp.After(now.Add(margin))
}

// CredentialVault stores secrets encrypted at rest. Each ciphertext is bound
// to its credential ID, so a blob copied onto another row will not decrypt.
type CredentialVault interface {
	// Store encrypts secret under a new credential and returns its ID.
	Store(ctx context.Context, teamID uuid.UUID, provider string, secret *models.Secret, expiresAt *time.Time, identity string) (uuid.UUID, error)

	// Get decrypts a credential.
	Get(ctx context.Context, id uuid.UUID) (*VaultEntry, error)

	// Rotate replaces the secret and expiry atomically; the ID is unchanged.
	Rotate(ctx context.Context, id uuid.UUID, secret *models.Secret, expiresAt *time.Time) error

	// Hold locks the credentials for the transaction in ctx. Callers hold a
	// credential before removing a reference to it and releasing it.
	Hold(ctx context.Context, ids ...uuid.UUID) error

	// Release deletes the credential if no connection references it.
	Release(ctx context.Context, id uuid.UUID) (bool, error)
}

type credentialVault struct {
	repo   repositories.CredentialRepository
	cipher *crypto.CredentialCipher
	logger *zap.Logger
}

// NewCredentialVault creates a vault.
func NewCredentialVault(repo repositories.CredentialRepository, cipher *crypto.CredentialCipher, logger *zap.Logger) CredentialVault {
	return &credentialVault{
		repo:   repo,
		cipher: cipher,
		logger: logger.Named("vault"),
	}
}

func (v *credentialVault) seal(id uuid.UUID, secret *models.Secret) (string, error) {
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return "", fmt.Errorf("failed to encode secret: %w", err)
	}
	sealed, err := v.cipher.Seal(plaintext, id[:])
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return sealed, nil
}

func (v *credentialVault) Store(ctx context.Context, teamID uuid.UUID, provider string, secret *models.Secret, expiresAt *time.Time, identity string) (uuid.UUID, error) {
	if secret.IsZero() {
		return uuid.Nil, apperrors.Validation("secret is empty")
	}
	if provider == "" {
		provider = models.ProviderStatic
	}

	id := uuid.New()
	sealed, err := v.seal(id, secret)
	if err != nil {
		return uuid.Nil, err
	}

	cred := &models.Credential{
		ID:               id,
		TeamID:           teamID,
		Provider:         provider,
		ProviderIdentity: identity,
		EncryptedSecret:  sealed,
		ExpiresAt:        expiresAt,
	}
	if err := v.repo.Create(ctx, cred); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return uuid.Nil, apperrors.NotFound("team not found")
		}
		return uuid.Nil, err
	}

	v.logger.Info("Stored credential",
		zap.String("credential_id", id.String()),
		zap.String("team_id", teamID.String()),
		zap.String("provider", provider))
	return id, nil
}

func (v *credentialVault) Get(ctx context.Context, id uuid.UUID) (*VaultEntry, error) {
	cred, err := v.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("credential not found")
		}
		return nil, err
	}

	plaintext, err := v.cipher.Open(cred.EncryptedSecret, id[:])
	if err != nil {
		v.logger.Error("Failed to decrypt credential",
			zap.String("credential_id", id.String()),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("credential %s: %w", id, apperrors.ErrCredentialsKeyMismatch)
	}

	var secret models.Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fmt.Errorf("failed to decode credential %s: %w", id, err)
	}
	return &VaultEntry{Credential: cred, Secret: &secret}, nil
}

func (v *credentialVault) Rotate(ctx context.Context, id uuid.UUID, secret *models.Secret, expiresAt *time.Time) error {
	if secret.IsZero() {
		return apperrors.Validation("secret is empty")
	}
	sealed, err := v.seal(id, secret)
	if err != nil {
		return err
	}
	if err := v.repo.UpdateSecret(ctx, id, sealed, expiresAt); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.NotFound("credential not found")
		}
		return err
	}
	v.logger.Debug("Rotated credential", zap.String("credential_id", id.String()))
	return nil
}

func (v *credentialVault) Hold(ctx context.Context, ids ...uuid.UUID) error {
	return v.repo.LockForRelease(ctx, ids)
}

func (v *credentialVault) Release(ctx context.Context, id uuid.UUID) (bool, error) {
	removed, err := v.repo.DeleteIfUnreferenced(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		v.logger.Info("Released credential", zap.String("credential_id", id.String()))
	}
	return removed, nil
}
