package arena

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocAlignment(t *testing.T) {
	a, err := New(1 << 16)
	require.NoError(t, err)
	defer a.Close()

	off1, err := a.Alloc(3, 0)
	require.NoError(t, err)
	assert.Equal(t, Offset(0), off1)

	off2, err := a.Alloc(8, 8)
	require.NoError(t, err)
	assert.Equal(t, Offset(8), off2, "allocation must skip to the next 8-byte boundary")

	off3, err := a.Alloc(1, 64)
	require.NoError(t, err)
	assert.Zero(t, off3%64)
}

func TestArena_FailClosedAtCapacity(t *testing.T) {
	a, err := New(64)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Alloc(64, 1)
	require.NoError(t, err)

	_, err = a.Alloc(1, 1)
	assert.ErrorIs(t, err, ErrFull)

	// The failed allocation must not have moved the bump pointer.
	assert.Equal(t, uint64(64), a.Used())
}

func TestArena_BytesBounds(t *testing.T) {
	a, err := New(128)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Bytes(0, 128)
	require.NoError(t, err)
	assert.Len(t, b, 128)

	_, err = a.Bytes(120, 16)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestArena_TypedViews(t *testing.T) {
	a, err := New(1 << 12)
	require.NoError(t, err)
	defer a.Close()

	off, err := a.Alloc(4*4, 4)
	require.NoError(t, err)

	f32, err := a.Float32s(off, 4)
	require.NoError(t, err)
	f32[0], f32[3] = 1.5, -2.25

	again, err := a.Float32s(off, 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 0, 0, -2.25}, again)

	_, err = a.Float32s(off+2, 4)
	assert.Error(t, err, "misaligned offset must be rejected")
}

func TestArena_PersistReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")

	a, err := Create(path, 4096)
	require.NoError(t, err)

	off, err := a.Alloc(16, 8)
	require.NoError(t, err)
	b, err := a.Bytes(off, 16)
	require.NoError(t, err)
	copy(b, "persist me 01234")
	used := a.Used()

	require.NoError(t, a.Sync())
	require.NoError(t, a.Close())

	a2, err := Open(path)
	require.NoError(t, err)
	defer a2.Close()
	a2.SetUsed(used)

	b2, err := a2.Bytes(off, 16)
	require.NoError(t, err)
	assert.Equal(t, "persist me 01234", string(b2))
}

func TestArena_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")

	a, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	ro, err := Open(path, func(o *Options) { o.ReadOnly = true })
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Alloc(8, 8)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.Reset(), ErrReadOnly)
	assert.NoError(t, ro.Sync(), "sync on read-only arena is a no-op")
}

func TestArena_ResetSecure(t *testing.T) {
	a, err := New(256)
	require.NoError(t, err)
	defer a.Close()

	off, err := a.Alloc(32, 1)
	require.NoError(t, err)
	b, _ := a.Bytes(off, 32)
	for i := range b {
		b[i] = 0xAA
	}

	require.NoError(t, a.ResetSecure())
	assert.Zero(t, a.Used())

	b, _ = a.Bytes(off, 32)
	for _, v := range b {
		assert.Zero(t, v)
	}
}

func TestArena_GrowPreservesOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")

	a, err := Create(path, 64)
	require.NoError(t, err)
	defer a.Destroy()

	off, err := a.Alloc(32, 8)
	require.NoError(t, err)
	b, _ := a.Bytes(off, 32)
	copy(b, "kept across grow")

	require.NoError(t, a.Grow(4096))
	assert.Equal(t, 4096, a.Size())

	b2, err := a.Bytes(off, 32)
	require.NoError(t, err)
	assert.Equal(t, "kept across grow", string(b2[:16]))

	// Capacity previously exhausted at 64 bytes is now available.
	_, err = a.Alloc(1024, 8)
	assert.NoError(t, err)
}

func TestArena_GrowHeap(t *testing.T) {
	a, err := New(64)
	require.NoError(t, err)
	defer a.Close()

	off, err := a.Alloc(8, 8)
	require.NoError(t, err)
	b, _ := a.Bytes(off, 8)
	copy(b, "heapdata")

	require.NoError(t, a.Grow(1024))
	b2, err := a.Bytes(off, 8)
	require.NoError(t, err)
	assert.Equal(t, "heapdata", string(b2))
}
