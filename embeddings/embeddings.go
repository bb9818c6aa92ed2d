// Package embeddings persists one flat float32 vector array per
// hierarchy level, memory-mapped for zero-copy reads. Slots are
// allocated monotonically and never reclaimed; vectors are overwritten
// in place (pooling rewrites parent vectors frequently).
package embeddings

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/recall/core"
	"github.com/hupe1980/recall/distance"
	"github.com/hupe1980/recall/internal/arena"
)

const (
	headerSize = 32
	version    = 1
)

// DefaultDimension matches the sentence-embedding models this store is
// typically paired with.
const DefaultDimension = 384

// Magic identifies an embedding array file.
var Magic = [4]byte{'E', 'M', 'B', '0'}

var (
	// ErrFull is returned when a level has no free vector slots.
	ErrFull = errors.New("embeddings: level full")
	// ErrInvalidSlot is returned when a slot index is out of range.
	ErrInvalidSlot = errors.New("embeddings: invalid slot")
	// ErrDimension is returned when a vector does not match the store
	// dimension, or when a reopened file declares a different dimension.
	ErrDimension = errors.New("embeddings: dimension mismatch")
	// ErrCorrupted is returned when a file fails header validation on open.
	ErrCorrupted = errors.New("embeddings: corrupted store")
)

// Options configures store creation.
type Options struct {
	// Capacities overrides the per-level slot capacity. Zero entries
	// fall back to the capacity passed to Create.
	Capacities [core.NumLevels]uint32
}

type levelFile struct {
	a    *arena.Arena
	hdr  []byte
	vecs []float32
	dim  int
}

func (f *levelFile) count() uint32    { return binary.LittleEndian.Uint32(f.hdr[12:16]) }
func (f *levelFile) capacity() uint32 { return binary.LittleEndian.Uint32(f.hdr[16:20]) }
func (f *levelFile) setCount(n uint32) {
	binary.LittleEndian.PutUint32(f.hdr[12:16], n)
}

func createLevel(path string, dim int, capacity uint32) (*levelFile, error) {
	size := int64(headerSize) + int64(capacity)*int64(dim)*4
	a, err := arena.Create(path, size)
	if err != nil {
		return nil, err
	}
	f := &levelFile{a: a, dim: dim}
	if f.hdr, err = a.Bytes(0, headerSize); err != nil {
		a.Close()
		return nil, err
	}
	copy(f.hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint32(f.hdr[4:8], version)
	binary.LittleEndian.PutUint32(f.hdr[8:12], uint32(dim)) //nolint:gosec // dim is validated positive
	binary.LittleEndian.PutUint32(f.hdr[12:16], 0)
	binary.LittleEndian.PutUint32(f.hdr[16:20], capacity)
	if f.vecs, err = a.Float32s(arena.Offset(headerSize), int(capacity)*dim); err != nil {
		a.Close()
		return nil, err
	}
	a.SetUsed(uint64(size))
	return f, nil
}

func openLevel(path string, dim int) (*levelFile, error) {
	a, err := arena.Open(path)
	if err != nil {
		return nil, err
	}
	f := &levelFile{a: a, dim: dim}
	if f.hdr, err = a.Bytes(0, headerSize); err != nil {
		a.Close()
		return nil, err
	}
	if [4]byte(f.hdr[0:4]) != Magic {
		a.Close()
		return nil, fmt.Errorf("%w: bad magic in %s", ErrCorrupted, path)
	}
	if v := binary.LittleEndian.Uint32(f.hdr[4:8]); v != version {
		a.Close()
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrCorrupted, v, path)
	}
	if d := binary.LittleEndian.Uint32(f.hdr[8:12]); int(d) != dim {
		a.Close()
		return nil, fmt.Errorf("%w: file %s has dimension %d, store expects %d", ErrDimension, path, d, dim)
	}
	capacity := f.capacity()
	if f.count() > capacity {
		a.Close()
		return nil, fmt.Errorf("%w: count %d exceeds capacity %d in %s", ErrCorrupted, f.count(), capacity, path)
	}
	want := int64(headerSize) + int64(capacity)*int64(dim)*4
	if int64(a.Size()) < want {
		a.Close()
		return nil, fmt.Errorf("%w: %s truncated to %d bytes, need %d", ErrCorrupted, path, a.Size(), want)
	}
	if f.vecs, err = a.Float32s(arena.Offset(headerSize), int(capacity)*dim); err != nil {
		a.Close()
		return nil, err
	}
	a.SetUsed(uint64(want))
	return f, nil
}

// Store holds one persistent vector array per hierarchy level.
type Store struct {
	dir   string
	dim   int
	files [core.NumLevels]*levelFile
}

func levelPath(dir string, level core.Level) string {
	return filepath.Join(dir, fmt.Sprintf("level_%d.bin", level))
}

// Create creates a new store under dir. Every level gets capacity
// slots unless overridden via Options.Capacities.
func Create(dir string, dim int, capacity uint32, optFns ...func(o *Options)) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embeddings: invalid dimension %d", dim)
	}
	if capacity == 0 {
		return nil, errors.New("embeddings: capacity must be positive")
	}
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("embeddings: create %s: %w", dir, err)
	}

	s := &Store{dir: dir, dim: dim}
	for lvl := core.Level(0); lvl < core.NumLevels; lvl++ {
		c := opts.Capacities[lvl]
		if c == 0 {
			c = capacity
		}
		f, err := createLevel(levelPath(dir, lvl), dim, c)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files[lvl] = f
	}
	return s, nil
}

// Open attaches to an existing store. A dimension mismatch in any level
// file is a fatal corruption error, never coerced.
func Open(dir string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embeddings: invalid dimension %d", dim)
	}
	s := &Store{dir: dir, dim: dim}
	for lvl := core.Level(0); lvl < core.NumLevels; lvl++ {
		f, err := openLevel(levelPath(dir, lvl), dim)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files[lvl] = f
	}
	return s, nil
}

// Dimension returns the vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Count returns the number of allocated slots at level.
func (s *Store) Count(level core.Level) uint32 {
	return s.files[level].count()
}

// Capacity returns the slot capacity at level.
func (s *Store) Capacity(level core.Level) uint32 {
	return s.files[level].capacity()
}

// AllocSlot reserves the next vector slot at level, zero-filled.
// Fails closed at capacity.
func (s *Store) AllocSlot(level core.Level) (uint32, error) {
	if !level.Valid() {
		return 0, fmt.Errorf("embeddings: invalid level %d", level)
	}
	f := s.files[level]
	n := f.count()
	if n >= f.capacity() {
		return 0, fmt.Errorf("%w: level %s at capacity %d", ErrFull, level, f.capacity())
	}
	f.setCount(n + 1)
	return n, nil
}

func (s *Store) slot(level core.Level, slot uint32) (*levelFile, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("embeddings: invalid level %d", level)
	}
	f := s.files[level]
	if slot >= f.count() {
		return nil, fmt.Errorf("%w: %d at level %s (count %d)", ErrInvalidSlot, slot, level, f.count())
	}
	return f, nil
}

// Set copies vec into the given slot.
func (s *Store) Set(level core.Level, slot uint32, vec []float32) error {
	f, err := s.slot(level, slot)
	if err != nil {
		return err
	}
	if len(vec) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), s.dim)
	}
	copy(f.vecs[int(slot)*s.dim:], vec)
	return nil
}

// Get returns a zero-copy view of the slot's vector. The view aliases
// the mapping and must not be retained across Close.
func (s *Store) Get(level core.Level, slot uint32) ([]float32, error) {
	f, err := s.slot(level, slot)
	if err != nil {
		return nil, err
	}
	off := int(slot) * s.dim
	return f.vecs[off : off+s.dim : off+s.dim], nil
}

// Copy returns a defensive copy of the slot's vector.
func (s *Store) Copy(level core.Level, slot uint32) ([]float32, error) {
	v, err := s.Get(level, slot)
	if err != nil {
		return nil, err
	}
	out := make([]float32, s.dim)
	copy(out, v)
	return out, nil
}

// Similarity returns the cosine similarity between the slot's vector
// and query.
func (s *Store) Similarity(level core.Level, slot uint32, query []float32) (float32, error) {
	if len(query) != s.dim {
		return 0, fmt.Errorf("%w: query has %d, want %d", ErrDimension, len(query), s.dim)
	}
	v, err := s.Get(level, slot)
	if err != nil {
		return 0, err
	}
	return distance.Cosine(v, query), nil
}

// SlotSimilarity returns the cosine similarity between two stored
// vectors, possibly at different levels.
func (s *Store) SlotSimilarity(la core.Level, sa uint32, lb core.Level, sb uint32) (float32, error) {
	a, err := s.Get(la, sa)
	if err != nil {
		return 0, err
	}
	b, err := s.Get(lb, sb)
	if err != nil {
		return 0, err
	}
	return distance.Cosine(a, b), nil
}

// Sync flushes all level files to disk.
func (s *Store) Sync() error {
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.a.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps and closes all level files.
func (s *Store) Close() error {
	var err error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if cerr := f.a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
