// Package keymap persists natural-key to surrogate-key assignments so keys
// stay stable across runs.
package keymap

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// Store backends.
const (
	BackendBigQuery = "bigquery"
	BackendMySQL    = "mysql"
	BackendMemory   = "memory"
)

// Store loads and extends the persisted key map.
type Store interface {
	// Load returns every persisted mapping, grouped by dimension.
	Load(ctx context.Context) (map[domain.Dimension]map[string]int64, error)

	// Save appends new mappings. Existing mappings are never rewritten.
	Save(ctx context.Context, mappings []domain.KeyMapping) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[domain.Dimension]map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[domain.Dimension]map[string]int64)}
}

// Load returns a copy of the stored mappings.
func (s *MemoryStore) Load(ctx context.Context) (map[domain.Dimension]map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.Dimension]map[string]int64, len(s.keys))
	for dim, keys := range s.keys {
		cp := make(map[string]int64, len(keys))
		for nk, k := range keys {
			cp[nk] = k
		}
		out[dim] = cp
	}
	return out, nil
}

// Save adds mappings. Saving a natural key again with a different surrogate
// key, or a surrogate key already held by another natural key, fails with
// ErrConflict and stores nothing.
func (s *MemoryStore) Save(ctx context.Context, mappings []domain.KeyMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]domain.KeyMapping, 0, len(mappings))
	for dim, keys := range s.keys {
		for nk, k := range keys {
			all = append(all, domain.KeyMapping{Dimension: dim, NaturalKey: nk, SurrogateKey: k})
		}
	}
	merged := Snapshot(append(all, mappings...))
	if err := Verify(merged, mappings); err != nil {
		return fmt.Errorf("Save: %w", err)
	}

	s.keys = merged
	return nil
}
