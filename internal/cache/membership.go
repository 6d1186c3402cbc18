// Package cache holds the in-memory set of known record keys. It is
// bootstrapped once from durable storage and consulted on every write so the
// hot path never issues a read query. Single-process ownership is assumed.
package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

// Membership is a concurrent set of natural keys.
type Membership struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// New returns an empty Membership cache.
func New() *Membership {
	return &Membership{keys: make(map[string]struct{})}
}

// Has reports whether the key is known.
func (m *Membership) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok
}

// Add records one key.
func (m *Membership) Add(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
}

// AddBatch records many keys at once.
func (m *Membership) AddBatch(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.keys[k] = struct{}{}
	}
}

// Len returns the number of known keys.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Bootstrap pages through the record store and loads every known key.
// Called once at process start, before any worker lane runs.
func (m *Membership) Bootstrap(ctx context.Context, store harvest.RecordStore, pageSize int, logger *zap.Logger) error {
	if pageSize <= 0 {
		pageSize = 5000
	}
	var afterID int64
	for {
		keys, lastID, err := store.PageKeys(ctx, afterID, pageSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		m.AddBatch(keys)
		afterID = lastID
		if len(keys) < pageSize {
			break
		}
	}
	logger.Info("membership cache bootstrapped", zap.Int("keys", m.Len()))
	return nil
}
