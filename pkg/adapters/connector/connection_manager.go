package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
)

const (
	DefaultPoolTTLMinutes  = 5
	DefaultCleanupInterval = 1 * time.Minute
	DefaultMaxPools        = 200
	healthCheckTimeout     = 5 * time.Second
	dialTimeout            = 30 * time.Second
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	TTLMinutes int
	MaxPools   int
}

// ConnectionManager caches one pool per saved connection. A pool is keyed by
// the connection ID and tagged with a fingerprint of the settings it was
// opened with; a request with a different fingerprint (edited params, rotated
// secret) replaces it. Idle pools are closed after the TTL.
type ConnectionManager struct {
	mu       sync.RWMutex
	pools    map[uuid.UUID]*managedPool
	ttl      time.Duration
	maxPools int
	stopped  bool
	stopChan chan struct{}
	dials    singleflight.Group
	logger   *zap.Logger
}

type managedPool struct {
	pool        PoolConnector
	fingerprint string
	lastUsed    time.Time
	mu          sync.Mutex
}

// NewConnectionManager creates a connection manager and starts its cleanup
// goroutine, which runs until Close is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultPoolTTLMinutes
	}
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = DefaultMaxPools
	}

	m := &ConnectionManager{
		pools:    make(map[uuid.UUID]*managedPool),
		ttl:      time.Duration(cfg.TTLMinutes) * time.Minute,
		maxPools: cfg.MaxPools,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	go m.cleanupExpiredPools()
	return m
}

// Fingerprint hashes the settings a pool is opened with. The raw values
// (which include secrets) never leave this function.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCreate returns the cached pool for connectionID when its fingerprint
// matches and it answers a ping; otherwise it opens a new one with create.
func (m *ConnectionManager) GetOrCreate(ctx context.Context, connectionID uuid.UUID, fingerprint string, create PoolFactory) (PoolConnector, error) {
	m.mu.RLock()
	managed, exists := m.pools[connectionID]
	m.mu.RUnlock()

	if exists {
		managed.mu.Lock()
		if managed.fingerprint == fingerprint {
			healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := managed.pool.Ping(healthCtx)
			cancel()
			if err == nil {
				managed.lastUsed = time.Now()
				pool := managed.pool
				managed.mu.Unlock()
				return pool, nil
			}
			m.logger.Warn("pool unhealthy, recreating",
				zap.String("connection_id", connectionID.String()),
				logging.Error(err),
			)
		}
		managed.mu.Unlock()
		m.evict(connectionID, managed)
	}

	return m.createPool(ctx, connectionID, fingerprint, create)
}

// createPool dials outside the manager lock so a slow data source only delays
// requests for its own connection. Concurrent requests for the same
// connection and settings share one dial, which is detached from the first
// caller's cancellation.
func (m *ConnectionManager) createPool(ctx context.Context, connectionID uuid.UUID, fingerprint string, create PoolFactory) (PoolConnector, error) {
	ch := m.dials.DoChan(connectionID.String()+"/"+fingerprint, func() (any, error) {
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dialTimeout)
		defer cancel()
		return m.dialAndInstall(dialCtx, connectionID, fingerprint, create)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(PoolConnector), nil
	}
}

func (m *ConnectionManager) dialAndInstall(ctx context.Context, connectionID uuid.UUID, fingerprint string, create PoolFactory) (PoolConnector, error) {
	m.mu.RLock()
	stopped, open := m.stopped, len(m.pools)
	managed, ok := m.pools[connectionID]
	m.mu.RUnlock()

	if stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}
	// A previous dial may have finished while this caller was on its way here.
	if ok && managed.fingerprint == fingerprint {
		managed.mu.Lock()
		managed.lastUsed = time.Now()
		managed.mu.Unlock()
		return managed.pool, nil
	}
	if !ok && open >= m.maxPools {
		m.logger.Warn("reached max pools limit", zap.Int("max", m.maxPools))
		return nil, fmt.Errorf("too many open data source pools (%d)", m.maxPools)
	}

	pool, err := create(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		closePool(pool, m.logger)
		return nil, fmt.Errorf("connection manager is closed")
	}
	if old, ok := m.pools[connectionID]; ok {
		closePool(old.pool, m.logger)
	} else if len(m.pools) >= m.maxPools {
		closePool(pool, m.logger)
		m.logger.Warn("reached max pools limit", zap.Int("max", m.maxPools))
		return nil, fmt.Errorf("too many open data source pools (%d)", m.maxPools)
	}
	m.pools[connectionID] = &managedPool{pool: pool, fingerprint: fingerprint, lastUsed: time.Now()}

	m.logger.Info("opened data source pool",
		zap.String("connection_id", connectionID.String()),
		zap.String("type", pool.GetType()),
		zap.Int("open_pools", len(m.pools)),
	)
	return pool, nil
}

// evict removes the entry only if it is still the one the caller inspected.
func (m *ConnectionManager) evict(connectionID uuid.UUID, expected *managedPool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.pools[connectionID]; ok && current == expected {
		closePool(current.pool, m.logger)
		delete(m.pools, connectionID)
	}
}

// Evict closes and forgets the pool for connectionID, if any. Called when a
// connection is updated or deleted.
func (m *ConnectionManager) Evict(connectionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if managed, ok := m.pools[connectionID]; ok {
		closePool(managed.pool, m.logger)
		delete(m.pools, connectionID)
		m.logger.Debug("evicted data source pool", zap.String("connection_id", connectionID.String()))
	}
}

func closePool(pool PoolConnector, logger *zap.Logger) {
	if pool == nil {
		return
	}
	if err := pool.Close(); err != nil {
		logger.Warn("failed to close pool", zap.String("type", pool.GetType()), logging.Error(err))
	}
}

func (m *ConnectionManager) cleanupExpiredPools() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes pools idle for longer than the TTL.
// Lock order: manager lock, then pool lock.
func (m *ConnectionManager) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	now := time.Now()
	expired := 0
	for id, managed := range m.pools {
		managed.mu.Lock()
		idle := now.Sub(managed.lastUsed)
		managed.mu.Unlock()

		if idle > m.ttl {
			closePool(managed.pool, m.logger)
			delete(m.pools, id)
			expired++
		}
	}

	if expired > 0 {
		m.logger.Info("closed idle data source pools",
			zap.Int("count", expired),
			zap.Int("remaining", len(m.pools)),
		)
	}
}

// Close closes every pool and stops the cleanup goroutine. Idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.pools {
		closePool(managed.pool, m.logger)
	}
	m.pools = make(map[uuid.UUID]*managedPool)
	m.logger.Info("connection manager closed")
	return nil
}

// ConnectionStats describes the manager's state.
type ConnectionStats struct {
	OpenPools         int            `json:"open_pools"`
	MaxPools          int            `json:"max_pools"`
	TTLMinutes        int            `json:"ttl_minutes"`
	PoolsByType       map[string]int `json:"pools_by_type"`
	OldestIdleSeconds int            `json:"oldest_idle_seconds"`
}

// GetStats returns a snapshot of the manager's state.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := ConnectionStats{
		OpenPools:   len(m.pools),
		MaxPools:    m.maxPools,
		TTLMinutes:  int(m.ttl.Minutes()),
		PoolsByType: make(map[string]int),
	}
	for _, managed := range m.pools {
		stats.PoolsByType[managed.pool.GetType()]++
		managed.mu.Lock()
		idle := int(now.Sub(managed.lastUsed).Seconds())
		managed.mu.Unlock()
		if idle > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idle
		}
	}
	return stats
}
