package keymap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	keys, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.Save(ctx, []domain.KeyMapping{
		{Dimension: domain.DimensionDepartment, NaturalKey: "D1", SurrogateKey: 1},
		{Dimension: domain.DimensionAccount, NaturalKey: "A1", SurrogateKey: 1},
	}))

	keys, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Dimension]map[string]int64{
		domain.DimensionDepartment: {"D1": 1},
		domain.DimensionAccount:    {"A1": 1},
	}, keys)

	keys[domain.DimensionDepartment]["D2"] = 2
	again, _ := s.Load(ctx)
	assert.NotContains(t, again[domain.DimensionDepartment], "D2", "Load returns a copy")
}

func TestMemoryStore_RejectsRemap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, []domain.KeyMapping{{Dimension: domain.DimensionAccount, NaturalKey: "A1", SurrogateKey: 1}}))

	assert.NoError(t, s.Save(ctx, []domain.KeyMapping{{Dimension: domain.DimensionAccount, NaturalKey: "A1", SurrogateKey: 1}}))
	assert.ErrorIs(t, s.Save(ctx, []domain.KeyMapping{{Dimension: domain.DimensionAccount, NaturalKey: "A1", SurrogateKey: 9}}), ErrConflict)
}

func TestMemoryStore_RejectsTakenSurrogateKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, []domain.KeyMapping{{Dimension: domain.DimensionDepartment, NaturalKey: "X", SurrogateKey: 2}}))

	err := s.Save(ctx, []domain.KeyMapping{
		{Dimension: domain.DimensionDepartment, NaturalKey: "D1", SurrogateKey: 1},
		{Dimension: domain.DimensionDepartment, NaturalKey: "Y", SurrogateKey: 2},
	})
	assert.ErrorIs(t, err, ErrConflict)

	keys, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"X": 2}, keys[domain.DimensionDepartment], "a rejected batch stores nothing")
}

// Two runs assigning from the same snapshot: the second to save loses and a
// later run numbers its key past the winner.
func TestMemoryStore_OverlappingRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, []domain.KeyMapping{{Dimension: domain.DimensionDepartment, NaturalKey: "D1", SurrogateKey: 1}}))

	snapshot, err := s.Load(ctx)
	require.NoError(t, err)
	runA, err := starschema.NewMappedAssigner(snapshot).Assign(domain.DimensionDepartment, []string{"D1", "X"})
	require.NoError(t, err)
	runB, err := starschema.NewMappedAssigner(snapshot).Assign(domain.DimensionDepartment, []string{"D1", "Y"})
	require.NoError(t, err)
	require.Equal(t, runA.Keys["X"], runB.Keys["Y"])

	require.NoError(t, s.Save(ctx, runA.New))
	assert.ErrorIs(t, s.Save(ctx, runB.New), ErrConflict)

	snapshot, err = s.Load(ctx)
	require.NoError(t, err)
	retry, err := starschema.NewMappedAssigner(snapshot).Assign(domain.DimensionDepartment, []string{"D1", "Y"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, retry.New))

	assert.Equal(t, int64(3), retry.Keys["Y"])
	assert.NotEqual(t, runA.Keys["X"], retry.Keys["Y"])
}

// Keys persisted by one run must be reused unchanged by the next.
func TestMemoryStore_KeysStableAcrossRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	assign := func(naturalKeys ...string) starschema.Assignment {
		existing, err := s.Load(ctx)
		require.NoError(t, err)
		a, err := starschema.NewMappedAssigner(existing).Assign(domain.DimensionDepartment, naturalKeys)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, a.New))
		return a
	}

	first := assign("Sales", "Ops")
	second := assign("Admin", "Ops", "Sales")
	third := assign("Sales")

	assert.Equal(t, first.Keys["Ops"], second.Keys["Ops"])
	assert.Equal(t, first.Keys["Sales"], second.Keys["Sales"])
	assert.Equal(t, first.Keys["Sales"], third.Keys["Sales"])
	assert.Equal(t, int64(3), second.Keys["Admin"])
	assert.Empty(t, third.New)
}
