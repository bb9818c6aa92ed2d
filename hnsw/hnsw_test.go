package hnsw

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 16

func unitVec(rng *rand.Rand) []float32 {
	v := make([]float32, testDim)
	var sum float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		sum += float64(v[i]) * float64(v[i])
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

func newIndex(t *testing.T, optFns ...func(o *Options)) *Index {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Dimension = testDim
	}}, optFns...)
	h, err := New(fns...)
	require.NoError(t, err)
	return h
}

func TestIndex_ExactMatch(t *testing.T) {
	h := newIndex(t)
	rng := rand.New(rand.NewSource(7))

	vecs := make([][]float32, 200)
	slots := make([]uint32, 200)
	for i := range vecs {
		vecs[i] = unitVec(rng)
		slot, err := h.Insert(vecs[i])
		require.NoError(t, err)
		slots[i] = slot
	}

	// Querying with an inserted vector must return it on top with
	// distance ~0.
	for _, i := range []int{0, 57, 199} {
		res, err := h.Search(vecs[i], 5)
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, slots[i], res[0].Slot)
		assert.InDelta(t, 0.0, float64(res[0].Distance), 1e-5)
	}
}

func TestIndex_ResultsSortedAscending(t *testing.T) {
	h := newIndex(t)
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 100; i++ {
		_, err := h.Insert(unitVec(rng))
		require.NoError(t, err)
	}

	res, err := h.Search(unitVec(rng), 10)
	require.NoError(t, err)
	require.Len(t, res, 10)
	for i := 1; i < len(res); i++ {
		assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
	}
}

func TestIndex_DeleteExcludesFromResults(t *testing.T) {
	h := newIndex(t)
	rng := rand.New(rand.NewSource(11))

	target := unitVec(rng)
	targetSlot, err := h.Insert(target)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := h.Insert(unitVec(rng))
		require.NoError(t, err)
	}

	res, err := h.Search(target, 1)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	require.Equal(t, targetSlot, res[0].Slot)

	sizeBefore := h.Len()
	require.NoError(t, h.Delete(targetSlot))
	assert.Equal(t, sizeBefore, h.Len(), "soft delete does not shrink the index")

	for i := 0; i < 3; i++ {
		res, err = h.Search(target, 10)
		require.NoError(t, err)
		for _, r := range res {
			assert.NotEqual(t, targetSlot, r.Slot, "deleted slot must never surface")
		}
	}

	deleted, err := h.Deleted(targetSlot)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestIndex_DeleteAllThenInsert(t *testing.T) {
	h := newIndex(t)
	rng := rand.New(rand.NewSource(5))

	for i := 0; i < 10; i++ {
		slot, err := h.Insert(unitVec(rng))
		require.NoError(t, err)
		require.NoError(t, h.Delete(slot))
	}
	assert.Zero(t, h.Live())

	res, err := h.Search(unitVec(rng), 5)
	require.NoError(t, err)
	assert.Empty(t, res, "fully deleted graph yields no results")

	// The graph must stay navigable for new inserts.
	v := unitVec(rng)
	slot, err := h.Insert(v)
	require.NoError(t, err)

	res, err = h.Search(v, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, slot, res[0].Slot)
}

func TestIndex_FailClosedAtCapacity(t *testing.T) {
	h := newIndex(t, func(o *Options) { o.Capacity = 3 })
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 3; i++ {
		_, err := h.Insert(unitVec(rng))
		require.NoError(t, err)
	}
	_, err := h.Insert(unitVec(rng))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 3, h.Len())
}

func TestIndex_DimensionChecked(t *testing.T) {
	h := newIndex(t)

	_, err := h.Insert(make([]float32, testDim+1))
	assert.ErrorIs(t, err, ErrDimension)

	_, err = h.Search(make([]float32, 1), 3)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestIndex_DeterministicConstruction(t *testing.T) {
	build := func() *Index {
		h, err := New(func(o *Options) {
			o.Dimension = testDim
			o.RandomSeed = 99
		})
		require.NoError(t, err)
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 100; i++ {
			_, err := h.Insert(unitVec(rng))
			require.NoError(t, err)
		}
		return h
	}

	a, b := build(), build()
	q := unitVec(rand.New(rand.NewSource(123)))

	ra, err := a.Search(q, 10)
	require.NoError(t, err)
	rb, err := b.Search(q, 10)
	require.NoError(t, err)
	assert.Equal(t, ra, rb, "same seed and insertion order build identical graphs")
}

func TestIndex_Recall(t *testing.T) {
	h := newIndex(t)
	rng := rand.New(rand.NewSource(31))

	vecs := make([][]float32, 500)
	for i := range vecs {
		vecs[i] = unitVec(rng)
		_, err := h.Insert(vecs[i])
		require.NoError(t, err)
	}

	// Exhaustive nearest neighbor as ground truth for a handful of
	// queries; the graph should find it within the top results.
	hits := 0
	const queries = 20
	for qi := 0; qi < queries; qi++ {
		q := unitVec(rng)
		best, bestDist := -1, float32(math.MaxFloat32)
		for i, v := range vecs {
			var dot float32
			for j := range v {
				dot += v[j] * q[j]
			}
			if d := 1 - dot; d < bestDist {
				best, bestDist = i, d
			}
		}

		res, err := h.Search(q, 10)
		require.NoError(t, err)
		for _, r := range res {
			if int(r.Slot) == best {
				hits++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, hits, queries*8/10, "recall@10 below 80%%")
}
