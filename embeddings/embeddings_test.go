package embeddings

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recall/core"
)

const testDim = 8

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Create(t.TempDir(), testDim, 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randVec(rng *rand.Rand) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestStore_SetGet(t *testing.T) {
	s := newStore(t)

	slot, err := s.AllocSlot(core.LevelStatement)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), slot)

	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, s.Set(core.LevelStatement, slot, vec))

	got, err := s.Get(core.LevelStatement, slot)
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	// Get aliases the mapping; Copy must not.
	cp, err := s.Copy(core.LevelStatement, slot)
	require.NoError(t, err)
	got[0] = 99
	assert.Equal(t, float32(1), cp[0])
}

func TestStore_DimensionChecked(t *testing.T) {
	s := newStore(t)

	slot, err := s.AllocSlot(core.LevelBlock)
	require.NoError(t, err)

	err = s.Set(core.LevelBlock, slot, []float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = s.Similarity(core.LevelBlock, slot, []float32{1})
	assert.ErrorIs(t, err, ErrDimension)
}

func TestStore_InvalidSlot(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(core.LevelSession, 0)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestStore_FailClosedAtCapacity(t *testing.T) {
	s, err := Create(t.TempDir(), testDim, 4, func(o *Options) {
		o.Capacities[core.LevelAgent] = 1
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AllocSlot(core.LevelAgent)
	require.NoError(t, err)
	_, err = s.AllocSlot(core.LevelAgent)
	assert.ErrorIs(t, err, ErrFull)

	// Other levels keep the default capacity.
	for i := 0; i < 4; i++ {
		_, err = s.AllocSlot(core.LevelStatement)
		require.NoError(t, err)
	}
	_, err = s.AllocSlot(core.LevelStatement)
	assert.ErrorIs(t, err, ErrFull)
}

func TestStore_ReopenBitExact(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(42))

	s, err := Create(dir, testDim, 16)
	require.NoError(t, err)

	var want [][]float32
	for i := 0; i < 5; i++ {
		slot, err := s.AllocSlot(core.LevelMessage)
		require.NoError(t, err)
		v := randVec(rng)
		require.NoError(t, s.Set(core.LevelMessage, slot, v))
		want = append(want, v)
	}
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s2, err := Open(dir, testDim)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, uint32(5), s2.Count(core.LevelMessage))
	for i, v := range want {
		got, err := s2.Get(core.LevelMessage, uint32(i))
		require.NoError(t, err)
		assert.Equal(t, v, got, "vector %d must survive reopen bit-exact", i)
	}
}

func TestStore_OpenRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, testDim, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dir, testDim*2)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestStore_OpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, testDim, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, "level_0.bin"), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("JUNK"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, testDim)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_Similarity(t *testing.T) {
	s := newStore(t)

	a, err := s.AllocSlot(core.LevelStatement)
	require.NoError(t, err)
	b, err := s.AllocSlot(core.LevelStatement)
	require.NoError(t, err)

	require.NoError(t, s.Set(core.LevelStatement, a, []float32{1, 0, 0, 0, 0, 0, 0, 0}))
	require.NoError(t, s.Set(core.LevelStatement, b, []float32{0, 1, 0, 0, 0, 0, 0, 0}))

	sim, err := s.SlotSimilarity(core.LevelStatement, a, core.LevelStatement, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-6)

	sim, err = s.Similarity(core.LevelStatement, a, []float32{1, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
}
