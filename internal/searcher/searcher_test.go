package searcher

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinQueue_PopOrder(t *testing.T) {
	q := NewMinQueue()
	rng := rand.New(rand.NewSource(1))

	var want []float32
	for i := 0; i < 100; i++ {
		d := rng.Float32()
		want = append(want, d)
		q.Push(Candidate{Slot: uint32(i), Distance: d})
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	for i := 0; i < 100; i++ {
		c, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want[i], c.Distance)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestMaxQueue_PopOrder(t *testing.T) {
	q := NewMaxQueue()
	for _, d := range []float32{0.3, 0.9, 0.1, 0.5} {
		q.Push(Candidate{Distance: d})
	}

	top, ok := q.Top()
	require.True(t, ok)
	assert.Equal(t, float32(0.9), top.Distance)

	var got []float32
	for _, c := range q.Drain(nil) {
		got = append(got, c.Distance)
	}
	assert.Equal(t, []float32{0.9, 0.5, 0.3, 0.1}, got)
}

func TestMaxQueue_PushBoundedKeepsNearest(t *testing.T) {
	q := NewMaxQueue()
	for i := 0; i < 10; i++ {
		q.PushBounded(Candidate{Slot: uint32(i), Distance: float32(i)}, 3)
	}

	require.Equal(t, 3, q.Len())
	var got []float32
	for _, c := range q.Drain(nil) {
		got = append(got, c.Distance)
	}
	assert.Equal(t, []float32{2, 1, 0}, got, "bounded max queue retains the nearest candidates")
}

func TestVisited(t *testing.T) {
	v := NewVisited(64)

	assert.False(t, v.Has(3))
	v.Visit(3)
	v.Visit(63)
	assert.True(t, v.Has(3))
	assert.True(t, v.Has(63))
	assert.False(t, v.Has(4))

	// Marks beyond the initial capacity grow the bitset.
	v.Visit(1000)
	assert.True(t, v.Has(1000))

	v.Reset()
	assert.False(t, v.Has(3))
	assert.False(t, v.Has(63))
	assert.False(t, v.Has(1000))
}
