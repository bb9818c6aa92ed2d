package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnon(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 4096, m.Size())
	assert.True(t, m.Writable())

	b := m.Bytes()
	b[0], b[4095] = 0x11, 0x22
	assert.Equal(t, byte(0x11), m.Bytes()[0])
	assert.Equal(t, byte(0x22), m.Bytes()[4095])
}

func TestMapFile_WriteSyncReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))

	m, err := MapFile(f, 4096, true)
	require.NoError(t, err)
	copy(m.Bytes(), "mapped write")
	require.NoError(t, m.Sync())
	require.NoError(t, m.Close())
	require.NoError(t, f.Close())

	f2, err := os.Open(path)
	require.NoError(t, err)
	defer f2.Close()

	m2, err := MapFile(f2, 4096, false)
	require.NoError(t, err)
	defer m2.Close()

	assert.False(t, m2.Writable())
	assert.Equal(t, "mapped write", string(m2.Bytes()[:12]))
}

func TestMapping_CloseIdempotent(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Sync(), ErrClosed)
}

func TestMapping_Advise(t *testing.T) {
	m, err := MapAnon(1 << 16)
	require.NoError(t, err)
	defer m.Close()

	for _, p := range []AccessPattern{AccessDefault, AccessSequential, AccessRandom, AccessWillNeed} {
		assert.NoError(t, m.Advise(p))
	}
}

func TestMapFile_InvalidSize(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "data")
	require.NoError(t, err)
	defer f.Close()

	_, err = MapFile(f, 0, true)
	assert.ErrorIs(t, err, ErrInvalidSize)
}
