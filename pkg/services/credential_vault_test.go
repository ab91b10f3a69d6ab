package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/crypto"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

func newTestVault(t *testing.T, store *memStore) CredentialVault {
	t.Helper()
	cipher, err := crypto.NewCredentialCipher(testEncryptionKey)
	require.NoError(t, err)
	return NewCredentialVault(memCredentials{store}, cipher, zap.NewNop())
}

func TestCredentialVault_StoreAndGet(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	ctx := context.Background()
	teamID := uuid.New()
	exp := time.Now().Add(time.Hour).UTC()

	id, err := vault.Store(ctx, teamID, "google", &models.Secret{AccessToken: "at", RefreshToken: "rt"}, &exp, "me@example.com")
	require.NoError(t, err)

	stored, err := memCredentials{store}.GetByID(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, stored.EncryptedSecret, "rt")

	entry, err := vault.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "at", entry.Secret.AccessToken)
	assert.Equal(t, "rt", entry.Secret.RefreshToken)
	assert.Equal(t, teamID, entry.Credential.TeamID)
	assert.Equal(t, "google", entry.Credential.Provider)
	assert.Equal(t, "me@example.com", entry.Credential.ProviderIdentity)
	assert.True(t, entry.ExpiresWithin(exp, 0))
	assert.False(t, entry.ExpiresWithin(exp.Add(-time.Minute), 30*time.Second))
}

func TestCredentialVault_DefaultsToStaticProvider(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)

	id, err := vault.Store(context.Background(), uuid.New(), "", &models.Secret{Password: "pw"}, nil, "")
	require.NoError(t, err)

	entry, err := vault.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStatic, entry.Credential.Provider)
	assert.False(t, entry.ExpiresWithin(time.Now().Add(100*365*24*time.Hour), 0))
}

func TestCredentialVault_RejectsEmptySecret(t *testing.T) {
	vault := newTestVault(t, newMemStore())

	_, err := vault.Store(context.Background(), uuid.New(), "", &models.Secret{}, nil, "")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestCredentialVault_CiphertextBoundToID(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	ctx := context.Background()

	a, err := vault.Store(ctx, uuid.New(), "", &models.Secret{Password: "alpha"}, nil, "")
	require.NoError(t, err)
	b, err := vault.Store(ctx, uuid.New(), "", &models.Secret{Password: "beta"}, nil, "")
	require.NoError(t, err)

	// Copy a's ciphertext onto b.
	credA, _ := memCredentials{store}.GetByID(ctx, a)
	require.NoError(t, memCredentials{store}.UpdateSecret(ctx, b, credA.EncryptedSecret, nil))

	_, err = vault.Get(ctx, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCredentialsKeyMismatch))
}

func TestCredentialVault_GetMissing(t *testing.T) {
	vault := newTestVault(t, newMemStore())

	_, err := vault.Get(context.Background(), uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	err = vault.Rotate(context.Background(), uuid.New(), &models.Secret{Password: "x"}, nil)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestCredentialVault_RotateKeepsID(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	ctx := context.Background()

	id, err := vault.Store(ctx, uuid.New(), "google", &models.Secret{AccessToken: "old", RefreshToken: "rt"}, nil, "")
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, vault.Rotate(ctx, id, &models.Secret{AccessToken: "new", RefreshToken: "rt"}, &exp))

	entry, err := vault.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", entry.Secret.AccessToken)
	require.NotNil(t, entry.Credential.ExpiresAt)
	assert.WithinDuration(t, exp, *entry.Credential.ExpiresAt, time.Second)
	assert.Equal(t, 1, store.credentialCount())
}

func TestCredentialVault_ConcurrentRotateIsAtomic(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	ctx := context.Background()

	id, err := vault.Store(ctx, uuid.New(), "google", &models.Secret{AccessToken: "token-0", RefreshToken: "refresh-0"}, nil, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			s := &models.Secret{AccessToken: fmt.Sprintf("token-%d", i), RefreshToken: fmt.Sprintf("refresh-%d", i)}
			assert.NoError(t, vault.Rotate(ctx, id, s, nil))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				entry, err := vault.Get(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				// Access and refresh token always come from the same version.
				var n int
				_, err = fmt.Sscanf(entry.Secret.AccessToken, "token-%d", &n)
				assert.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("refresh-%d", n), entry.Secret.RefreshToken)
			}
		}()
	}
	wg.Wait()
}

func TestCredentialVault_ReleaseOnlyUnreferenced(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	ctx := context.Background()
	project := store.addProject()

	id, err := vault.Store(ctx, project.TeamID, "", &models.Secret{Password: "pw"}, nil, "")
	require.NoError(t, err)
	conn := store.addConnection(&models.Connection{ProjectID: project.ID, SecretCredentialID: &id})

	removed, err := vault.Release(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, store.hasCredential(id))

	require.NoError(t, memConnections{store}.Delete(ctx, conn.ID))
	removed, err = vault.Release(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, store.hasCredential(id))
}
