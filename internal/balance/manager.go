package balance

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source fetches free balances per asset. *order.Executor satisfies it, so
// every sync goes through the rate limiter and breaker.
type Source interface {
	GetBalances(ctx context.Context) (map[string]float64, error)
}

// Snapshot is the last synced view of the account.
type Snapshot struct {
	Assets    map[string]float64 `json:"assets"`
	SyncedAt  time.Time          `json:"synced_at"`
	LastError string             `json:"last_error,omitempty"`
}

// Manager caches account balances and refreshes them periodically.
type Manager struct {
	src          Source
	syncInterval time.Duration
	logger       *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewManager creates a new balance manager
func NewManager(src Source, syncInterval time.Duration, logger *zap.Logger) *Manager {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		src:          src,
		syncInterval: syncInterval,
		logger:       logger.Named("balance"),
	}
}

// Start begins periodic balance sync
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.logger.Warn("initial balance sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn("balance sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balances. On failure the previous assets are kept
// and the error is recorded on the snapshot.
func (m *Manager) Sync(ctx context.Context) error {
	assets, err := m.src.GetBalances(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snap.LastError = err.Error()
		return err
	}
	m.snap = Snapshot{Assets: assets, SyncedAt: time.Now()}
	m.logger.Debug("balances synced", zap.Int("assets", len(assets)))
	return nil
}

// Snapshot returns a copy of the cached view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.snap
	out.Assets = maps.Clone(m.snap.Assets)
	return out
}

// Get returns the cached view when it is younger than maxAge and syncs
// otherwise.
func (m *Manager) Get(ctx context.Context, maxAge time.Duration) (Snapshot, error) {
	snap := m.Snapshot()
	if !snap.SyncedAt.IsZero() && time.Since(snap.SyncedAt) <= maxAge {
		return snap, nil
	}
	if err := m.Sync(ctx); err != nil {
		return snap, err
	}
	return m.Snapshot(), nil
}

// Available returns the cached free balance of asset.
func (m *Manager) Available(asset string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Assets[asset]
}
