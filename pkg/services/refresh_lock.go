package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RefreshLocker serializes token refreshes for one credential across
// replicas. Within a process, concurrent refreshes are already collapsed.
type RefreshLocker interface {
	// Lock blocks until the lock for key is held or ctx ends. unlock is
	// always safe to call.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// NewLocalRefreshLocker returns a locker for single-replica deployments.
func NewLocalRefreshLocker() RefreshLocker {
	return localLocker{}
}

type localLocker struct{}

func (localLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisRefreshLocker returns a locker backed by SET NX PX. ttl bounds how
// long a crashed holder can block others.
func NewRedisRefreshLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) RefreshLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &redisLocker{client: client, ttl: ttl, poll: 50 * time.Millisecond, logger: logger.Named("refresh-lock")}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	key = "ekaya-connect:refresh:" + key
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, 2*l.ttl)
	defer cancel()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			// Redis unavailable: fall back to the in-process guarantee.
			l.logger.Warn("Refresh lock unavailable, continuing without it",
				zap.String("key", key), zap.Error(err))
			return func() {}, nil
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					l.logger.Warn("Failed to release refresh lock", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return func() {}, fmt.Errorf("waiting for refresh lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
