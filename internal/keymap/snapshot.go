package keymap

import (
	"errors"
	"fmt"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// ErrConflict is returned by Save when a mapping lost to one stored by a
// concurrent run. A later run assigns from the updated map.
var ErrConflict = errors.New("key mapping conflicts with stored keys")

// Snapshot builds a key map from mappings listed in the order they were
// stored. A mapping whose natural key or surrogate key was already claimed
// by an earlier mapping of the same dimension is skipped, so the result
// never maps two natural keys to one surrogate key.
func Snapshot(mappings []domain.KeyMapping) map[domain.Dimension]map[string]int64 {
	keys := make(map[domain.Dimension]map[string]int64)
	taken := make(map[domain.Dimension]map[int64]struct{})

	for _, m := range mappings {
		if keys[m.Dimension] == nil {
			keys[m.Dimension] = make(map[string]int64)
			taken[m.Dimension] = make(map[int64]struct{})
		}
		if _, seen := keys[m.Dimension][m.NaturalKey]; seen {
			continue
		}
		if _, used := taken[m.Dimension][m.SurrogateKey]; used {
			continue
		}
		keys[m.Dimension][m.NaturalKey] = m.SurrogateKey
		taken[m.Dimension][m.SurrogateKey] = struct{}{}
	}
	return keys
}

// Verify checks that every mapping is part of stored.
func Verify(stored map[domain.Dimension]map[string]int64, mappings []domain.KeyMapping) error {
	var lost []error
	for _, m := range mappings {
		got, ok := stored[m.Dimension][m.NaturalKey]
		switch {
		case !ok:
			lost = append(lost, fmt.Errorf("%s key %q -> %d was not kept", m.Dimension, m.NaturalKey, m.SurrogateKey))
		case got != m.SurrogateKey:
			lost = append(lost, fmt.Errorf("%s key %q is stored as %d, not %d", m.Dimension, m.NaturalKey, got, m.SurrogateKey))
		}
	}
	if len(lost) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConflict, errors.Join(lost...))
}
