//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	"github.com/ekaya-inc/ekaya-connect/pkg/testhelpers"
)

func newRedisLocker(t *testing.T, ttl time.Duration) *redisLocker {
	t.Helper()
	client := testhelpers.GetTestRedis(t).Client
	l := NewRedisRefreshLocker(client, ttl, zaptest.NewLogger(t)).(*redisLocker)
	l.poll = 10 * time.Millisecond
	return l
}

func TestRedisRefreshLocker_SecondHolderWaits(t *testing.T) {
	first := newRedisLocker(t, 5*time.Second)
	second := newRedisLocker(t, 5*time.Second)
	key := uuid.NewString()
	ctx := context.Background()

	unlock, err := first.Lock(ctx, key)
	require.NoError(t, err)

	acquired := make(chan time.Time, 1)
	go func() {
		unlock2, err := second.Lock(ctx, key)
		assert.NoError(t, err)
		acquired <- time.Now()
		unlock2()
	}()

	time.Sleep(150 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second locker acquired a held lock")
	default:
	}
	released := time.Now()
	unlock()

	select {
	case at := <-acquired:
		assert.True(t, at.After(released))
	case <-time.After(3 * time.Second):
		t.Fatal("second locker never acquired the released lock")
	}
}

func TestRedisRefreshLocker_StaleHolderDoesNotReleaseNewOwner(t *testing.T) {
	stale := newRedisLocker(t, 100*time.Millisecond)
	owner := newRedisLocker(t, 5*time.Second)
	client := testhelpers.GetTestRedis(t).Client
	key := uuid.NewString()
	ctx := context.Background()

	staleUnlock, err := stale.Lock(ctx, key)
	require.NoError(t, err)

	// The stale holder's lease runs out and another replica takes over.
	ownerUnlock, err := owner.Lock(ctx, key)
	require.NoError(t, err)
	defer ownerUnlock()

	staleUnlock()

	exists, err := client.Exists(ctx, "ekaya-connect:refresh:"+key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists, "the new owner's lock must survive")

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = newRedisLocker(t, 5*time.Second).Lock(waitCtx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisRefreshLocker_WaitHonoursContext(t *testing.T) {
	holder := newRedisLocker(t, 5*time.Second)
	key := uuid.NewString()

	unlock, err := holder.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	start := time.Now()
	release, err := newRedisLocker(t, 5*time.Second).Lock(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	release()
}

func TestRedisRefreshLocker_SerializesBrokerRefreshes(t *testing.T) {
	p := newFakeProvider(t)
	p.refreshDelay = 50 * time.Millisecond
	vault := newTestVault(t, newMemStore())
	id := storeGoogleCredential(t, vault, &models.Secret{AccessToken: "old", RefreshToken: "rt"}, time.Now().Add(-time.Minute))

	// Two brokers stand in for two replicas sharing one vault.
	replicas := []OAuthBroker{
		newTestBroker(t, p, vault, func(c *OAuthBrokerConfig) { c.Locker = newRedisLocker(t, 5*time.Second) }),
		newTestBroker(t, p, vault, func(c *OAuthBrokerConfig) { c.Locker = newRedisLocker(t, 5*time.Second) }),
	}
	done := make(chan string, len(replicas))
	for _, b := range replicas {
		go func(b OAuthBroker) {
			secret, err := b.EnsureFresh(context.Background(), id)
			if assert.NoError(t, err) {
				done <- secret.AccessToken
			} else {
				done <- ""
			}
		}(b)
	}
	for range replicas {
		assert.Equal(t, "refreshed-1", <-done)
	}
	assert.EqualValues(t, 1, p.refreshes.Load())
}
