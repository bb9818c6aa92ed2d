package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncMode(o *Options) { o.DurabilityMode = DurabilitySync }

func openSync(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(dir, syncMode)
	require.NoError(t, err)
	return w
}

func collect(t *testing.T, w *WAL) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, w.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestWAL_AppendReplayOrder(t *testing.T) {
	dir := t.TempDir()
	w := openSync(t, dir)
	defer w.Close()

	const k = 10
	for i := 0; i < k; i++ {
		e, err := w.Append(OpCreateNode, []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotZero(t, e.Timestamp)
	}

	entries := collect(t, w)
	require.Len(t, entries, k)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, OpCreateNode, e.Op)
		assert.Equal(t, []byte(fmt.Sprintf("payload-%d", i)), e.Payload)
	}
}

func TestWAL_CrashRecovery(t *testing.T) {
	dir := t.TempDir()

	// First process: append and vanish without Close.
	w := openSync(t, dir)
	const k = 7
	for i := 0; i < k; i++ {
		_, err := w.Append(OpSetEmbedding, []byte{byte(i)})
		require.NoError(t, err)
	}
	// No Close: simulates a crash. The fsync-per-write mode guarantees
	// the entries reached disk.

	w2 := openSync(t, dir)
	defer w2.Close()

	entries := collect(t, w2)
	require.Len(t, entries, k)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq, "entries replay in sequence order")
	}
	assert.Equal(t, uint64(k), w2.Seq(), "sequence counter recovered from the log")
}

func TestWAL_TruncatedTailRecoversPrefix(t *testing.T) {
	dir := t.TempDir()

	w := openSync(t, dir)
	const k = 5
	for i := 0; i < k; i++ {
		_, err := w.Append(OpCreateNode, []byte("some payload bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Chop a few bytes off the final entry's payload.
	path := filepath.Join(dir, logFilename)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	w2 := openSync(t, dir)
	defer w2.Close()

	entries := collect(t, w2)
	require.Len(t, entries, k-1, "truncated final entry is dropped, prefix kept")
	assert.Equal(t, uint64(k-1), w2.Seq())
}

func TestWAL_MiddleCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()

	w := openSync(t, dir)
	var offsets []int64
	for i := 0; i < 5; i++ {
		offsets = append(offsets, w.Size())
		_, err := w.Append(OpCreateNode, []byte("0123456789abcdef"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Flip a payload byte in the second entry. Entries after it remain
	// intact, so this is body corruption, not crash residue.
	path := filepath.Join(dir, logFilename)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, offsets[1]+headerSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, syncMode)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestWAL_CheckpointBoundary(t *testing.T) {
	dir := t.TempDir()
	w := openSync(t, dir)
	defer w.Close()

	for i := 0; i < 3; i++ {
		_, err := w.Append(OpCreateNode, []byte("before"))
		require.NoError(t, err)
	}
	cpSeq, err := w.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cpSeq)
	assert.Equal(t, cpSeq, w.CheckpointSeq())

	for i := 0; i < 2; i++ {
		_, err := w.Append(OpSetText, []byte("after"))
		require.NoError(t, err)
	}

	entries := collect(t, w)
	require.Len(t, entries, 2, "only entries after the last checkpoint replay")
	for _, e := range entries {
		assert.Equal(t, []byte("after"), e.Payload)
		assert.NotEqual(t, OpCheckpoint, e.Op)
	}
}

func TestWAL_TruncatePreservesSequence(t *testing.T) {
	dir := t.TempDir()
	w := openSync(t, dir)
	defer w.Close()

	for i := 0; i < 4; i++ {
		_, err := w.Append(OpCreateNode, nil)
		require.NoError(t, err)
	}
	_, err := w.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, w.Truncate())

	assert.Zero(t, w.Size())

	e, err := w.Append(OpCreateNode, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), e.Seq, "sequence continues past truncation")

	entries := collect(t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(6), entries[0].Seq)
}

func TestWAL_PayloadCeiling(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, func(o *Options) {
		o.DurabilityMode = DurabilitySync
		o.MaxPayload = 32
	})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(OpSetText, make([]byte, 33))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = w.Append(OpSetText, make([]byte, 32))
	assert.NoError(t, err)
}

func TestWAL_BogusLengthStopsReplay(t *testing.T) {
	dir := t.TempDir()

	w := openSync(t, dir)
	_, err := w.Append(OpCreateNode, []byte("good"))
	require.NoError(t, err)
	end := w.Size()
	require.NoError(t, w.Close())

	// Append a header whose declared length is absurd. The bounds check
	// must stop replay without attempting the allocation.
	path := filepath.Join(dir, logFilename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	var hdr [headerSize]byte
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint64(hdr[8:16], 2)
	hdr[24] = byte(OpCreateNode)
	binary.LittleEndian.PutUint32(hdr[25:29], ^uint32(0))
	_, err = f.Write(hdr[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := openSync(t, dir)
	defer w2.Close()

	entries := collect(t, w2)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("good"), entries[0].Payload)
	assert.Equal(t, end, w2.Size(), "bogus tail trimmed on open")
}

func TestWAL_AutoCheckpoint(t *testing.T) {
	dir := t.TempDir()

	var w *WAL
	fired := 0
	var err error
	w, err = Open(dir, func(o *Options) {
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 3
		o.AutoCheckpointMinInterval = 0
		o.CheckpointFunc = func() error {
			fired++
			_, cerr := w.Checkpoint()
			return cerr
		}
	})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 7; i++ {
		_, err := w.Append(OpCreateNode, nil)
		require.NoError(t, err)
		require.NoError(t, w.MaybeCheckpoint())
	}
	assert.Equal(t, 2, fired, "checkpoint fires every third append")
}

func TestWAL_AppendDoesNotCheckpoint(t *testing.T) {
	dir := t.TempDir()

	var w *WAL
	fired := 0
	var err error
	w, err = Open(dir, func(o *Options) {
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 1
		o.AutoCheckpointMinInterval = 0
		o.CheckpointFunc = func() error {
			fired++
			_, cerr := w.Checkpoint()
			if cerr != nil {
				return cerr
			}
			return w.Truncate()
		}
	})
	require.NoError(t, err)
	defer w.Close()

	// The append itself must not trigger the checkpoint: the record has
	// to survive in the log until the caller reports materialization.
	e, err := w.Append(OpCreateNode, []byte("acked"))
	require.NoError(t, err)
	assert.Zero(t, fired)

	entries := collect(t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, e.Seq, entries[0].Seq)

	require.NoError(t, w.MaybeCheckpoint())
	assert.Equal(t, 1, fired)
	assert.Empty(t, collect(t, w))
}

func TestWAL_FramingCorruptionMidLogIsFatal(t *testing.T) {
	dir := t.TempDir()

	w := openSync(t, dir)
	var offsets []int64
	for i := 0; i < 3; i++ {
		offsets = append(offsets, w.Size())
		_, err := w.Append(OpCreateNode, []byte("0123456789abcdef"))
		require.NoError(t, err)
	}
	end := w.Size()
	require.NoError(t, w.Close())

	// Zero one magic byte of the second entry. The third entry stays
	// intact, so this is body damage, not a torn tail, and open must
	// refuse rather than trim the intact entry away.
	path := filepath.Join(dir, logFilename)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00}, offsets[1])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, syncMode)
	assert.ErrorIs(t, err, ErrCorrupt)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, end, st.Size(), "open must not truncate past a body failure")
}
