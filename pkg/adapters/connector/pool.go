package connector

import (
	"context"

	"github.com/google/uuid"
)

// PoolConnector abstracts a pooled client across data source drivers
// (pgxpool, database/sql, mongo.Client).
type PoolConnector interface {
	// Ping verifies the pool can still reach the data source.
	Ping(ctx context.Context) error

	// Close releases every connection held by the pool.
	Close() error

	// GetType returns the connection type for logging and stats.
	GetType() string
}

// PoolFactory opens a new pool. It is only called when no healthy pool with
// the same fingerprint is cached.
type PoolFactory func(ctx context.Context) (PoolConnector, error)

// AcquirePool returns a pool for t. Saved connections share a cached pool
// through mgr; unsaved configurations (or a nil mgr) get a private pool that
// release closes. release must always be called.
func AcquirePool(ctx context.Context, mgr *ConnectionManager, t Target, fingerprint string, create PoolFactory) (pool PoolConnector, release func(), err error) {
	if mgr == nil || t.ConnectionID == uuid.Nil {
		pool, err = create(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pool, func() { _ = pool.Close() }, nil
	}

	pool, err = mgr.GetOrCreate(ctx, t.ConnectionID, fingerprint, create)
	if err != nil {
		return nil, nil, err
	}
	return pool, func() {}, nil
}
