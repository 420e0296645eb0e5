package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"careconnect-backend/pkg/metrics"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/utils"
)

// StoreFactory builds a Store with its own auth client.
type StoreFactory func() *Store

type entry struct {
	store    *Store
	lastSeen time.Time
}

// Registry maps opaque session keys to per-client Stores.
type Registry struct {
	factory StoreFactory
	idleTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry 创建会话注册表；idleTTL 之后未访问的 Store 会被 Sweep 回收
func NewRegistry(factory StoreFactory, idleTTL time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory: factory,
		idleTTL: idleTTL,
		logger:  logger.Named("registry"),
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// Create registers a new bootstrapped Store under a fresh key.
func (r *Registry) Create(ctx context.Context) (string, *Store, error) {
	key, err := utils.GenerateSessionKey()
	if err != nil {
		return "", nil, models.NewOperationError("create session", err)
	}
	store := r.factory()
	store.Bootstrap(ctx)

	r.mu.Lock()
	r.entries[key] = &entry{store: store, lastSeen: r.now()}
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()
	return key, store, nil
}

// Get 查找并刷新最后访问时间
func (r *Registry) Get(key string) (*Store, bool) {
	if !utils.ValidSessionKey(key) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.store, true
}

// Remove closes and forgets the Store for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.store.Close()
		metrics.ActiveSessions.Dec()
	}
}

// Sweep closes Stores idle for longer than idleTTL and returns how many were removed.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)
	var stale []*Store

	r.mu.Lock()
	for key, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.store)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Close()
		metrics.ActiveSessions.Dec()
	}
	if len(stale) > 0 {
		r.logger.Debug("swept idle sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len 当前会话数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
