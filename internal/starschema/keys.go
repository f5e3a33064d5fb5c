package starschema

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// Key strategies.
const (
	StrategyMapped = "mapped"
	StrategyHash   = "hash"
)

// Assignment is the result of assigning surrogate keys to one dimension.
type Assignment struct {
	// Keys maps every requested natural key to its surrogate key.
	Keys map[string]int64

	// New lists assignments that did not exist before this run and must be
	// persisted for later runs to see them. Empty for stateless strategies.
	New []domain.KeyMapping
}

// KeyAssigner assigns surrogate keys to a set of natural keys. The result
// depends only on the set of keys and on previously persisted mappings,
// never on input order.
type KeyAssigner interface {
	Assign(dim domain.Dimension, naturalKeys []string) (Assignment, error)
}

// MappedAssigner reuses persisted mappings and extends them: unseen natural
// keys are sorted and numbered from the dimension's current maximum key + 1.
type MappedAssigner struct {
	existing map[domain.Dimension]map[string]int64
}

// NewMappedAssigner creates an assigner over a snapshot of the key map.
// The snapshot is not modified.
func NewMappedAssigner(existing map[domain.Dimension]map[string]int64) *MappedAssigner {
	return &MappedAssigner{existing: existing}
}

// A snapshot in which one surrogate key is held by two natural keys is
// rejected with a KeyCollisionError.
func (a *MappedAssigner) Assign(dim domain.Dimension, naturalKeys []string) (Assignment, error) {
	known := a.existing[dim]

	stored := make([]string, 0, len(known))
	for nk := range known {
		stored = append(stored, nk)
	}
	sort.Strings(stored)

	var maxKey int64
	owners := make(map[int64]string, len(known))
	for _, nk := range stored {
		k := known[nk]
		if owner, ok := owners[k]; ok {
			return Assignment{}, &domain.KeyCollisionError{Dimension: dim, Key: k, First: owner, Second: nk}
		}
		owners[k] = nk
		if k > maxKey {
			maxKey = k
		}
	}

	out := Assignment{Keys: make(map[string]int64, len(naturalKeys))}
	var unseen []string
	for _, nk := range naturalKeys {
		if k, ok := known[nk]; ok {
			out.Keys[nk] = k
			continue
		}
		if _, dup := out.Keys[nk]; !dup {
			out.Keys[nk] = 0
			unseen = append(unseen, nk)
		}
	}

	sort.Strings(unseen)
	for _, nk := range unseen {
		maxKey++
		out.Keys[nk] = maxKey
		out.New = append(out.New, domain.KeyMapping{Dimension: dim, NaturalKey: nk, SurrogateKey: maxKey})
	}
	return out, nil
}

// HashAssigner derives each key from a 64-bit xxhash of the dimension and
// natural key, masked to a positive int64. It needs no state, so keys are
// identical across runs and environments.
type HashAssigner struct {
	hash func(domain.Dimension, string) int64 // HashKey when nil
}

// HashKey returns the surrogate key HashAssigner gives naturalKey.
func HashKey(dim domain.Dimension, naturalKey string) int64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(dim))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(naturalKey)
	return int64(h.Sum64() & (1<<63 - 1))
}

func (a HashAssigner) Assign(dim domain.Dimension, naturalKeys []string) (Assignment, error) {
	hash := a.hash
	if hash == nil {
		hash = HashKey
	}
	out := Assignment{Keys: make(map[string]int64, len(naturalKeys))}
	owners := make(map[int64]string, len(naturalKeys))

	for _, nk := range naturalKeys {
		k := hash(dim, nk)
		if owner, ok := owners[k]; ok && owner != nk {
			return Assignment{}, &domain.KeyCollisionError{Dimension: dim, Key: k, First: owner, Second: nk}
		}
		owners[k] = nk
		out.Keys[nk] = k
	}
	return out, nil
}

// NewKeyAssigner returns the assigner for a configured strategy. existing is
// only used by StrategyMapped.
func NewKeyAssigner(strategy string, existing map[domain.Dimension]map[string]int64) (KeyAssigner, error) {
	switch strategy {
	case StrategyMapped, "":
		return NewMappedAssigner(existing), nil
	case StrategyHash:
		return HashAssigner{}, nil
	default:
		return nil, fmt.Errorf("NewKeyAssigner: unknown key strategy %q", strategy)
	}
}
