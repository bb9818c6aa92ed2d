// Package relations persists the hierarchy adjacency structure as four
// parallel memory-mapped arrays indexed by node id: parent, first
// child, next sibling, and level. Child lists are singly-linked sibling
// chains, which keeps the per-node footprint at three links but makes
// appending a child O(fan-out).
//
// The store does not enforce level ordering between parents and
// children; that invariant belongs to the hierarchy manager. Concurrent
// reads are safe, mutating calls must be serialized by the caller.
package relations

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/recall/core"
	"github.com/hupe1980/recall/internal/arena"
)

const (
	headerSize = 16
	version    = 1
)

// Magic identifies a relation array file.
var Magic = [4]byte{'R', 'E', 'L', '0'}

var (
	// ErrFull is returned when the store has no free node slots.
	ErrFull = errors.New("relations: store full")
	// ErrInvalidNode is returned when a node id is out of range.
	ErrInvalidNode = errors.New("relations: invalid node id")
	// ErrCorrupted is returned when a file fails header validation on open.
	ErrCorrupted = errors.New("relations: corrupted store")
)

// relfile is one of the four parallel arrays: a 16-byte header followed
// by a flat array of capacity elements.
type relfile struct {
	a        *arena.Arena
	hdr      []byte
	elemSize int
}

func createFile(path string, capacity uint32, elemSize int) (*relfile, error) {
	size := int64(headerSize) + int64(capacity)*int64(elemSize)
	a, err := arena.Create(path, size)
	if err != nil {
		return nil, err
	}
	f := &relfile{a: a, elemSize: elemSize}
	f.hdr, err = a.Bytes(0, headerSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	copy(f.hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint16(f.hdr[4:6], version)
	binary.LittleEndian.PutUint32(f.hdr[8:12], 0)
	binary.LittleEndian.PutUint32(f.hdr[12:16], capacity)
	a.SetUsed(uint64(size))
	return f, nil
}

func openFile(path string, elemSize int) (*relfile, error) {
	a, err := arena.Open(path)
	if err != nil {
		return nil, err
	}
	f := &relfile{a: a, elemSize: elemSize}
	f.hdr, err = a.Bytes(0, headerSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	if [4]byte(f.hdr[0:4]) != Magic {
		a.Close()
		return nil, fmt.Errorf("%w: bad magic in %s", ErrCorrupted, path)
	}
	if v := binary.LittleEndian.Uint16(f.hdr[4:6]); v != version {
		a.Close()
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrCorrupted, v, path)
	}
	want := int64(headerSize) + int64(f.capacity())*int64(elemSize)
	if int64(a.Size()) < want {
		a.Close()
		return nil, fmt.Errorf("%w: %s truncated to %d bytes, need %d", ErrCorrupted, path, a.Size(), want)
	}
	if f.count() > f.capacity() {
		a.Close()
		return nil, fmt.Errorf("%w: count %d exceeds capacity %d in %s", ErrCorrupted, f.count(), f.capacity(), path)
	}
	a.SetUsed(uint64(want))
	return f, nil
}

func (f *relfile) count() uint32    { return binary.LittleEndian.Uint32(f.hdr[8:12]) }
func (f *relfile) capacity() uint32 { return binary.LittleEndian.Uint32(f.hdr[12:16]) }
func (f *relfile) setCount(n uint32) {
	binary.LittleEndian.PutUint32(f.hdr[8:12], n)
}

// ids returns the full array as node ids. Only valid for 4-byte files.
func (f *relfile) ids() []uint32 {
	v, err := f.a.Uint32s(arena.Offset(headerSize), int(f.capacity()))
	if err != nil {
		panic(fmt.Sprintf("relations: header capacity inconsistent with mapping: %v", err))
	}
	return v
}

// bytes returns the full array as raw bytes. Only valid for 1-byte files.
func (f *relfile) bytes() []byte {
	b, err := f.a.Bytes(arena.Offset(headerSize), int(f.capacity()))
	if err != nil {
		panic(fmt.Sprintf("relations: header capacity inconsistent with mapping: %v", err))
	}
	return b
}

// Store is the persistent relations store.
type Store struct {
	dir string

	parentFile  *relfile
	firstFile   *relfile
	siblingFile *relfile
	levelFile   *relfile

	parent  []uint32
	first   []uint32
	sibling []uint32
	level   []byte

	count    uint32
	capacity uint32
}

const (
	parentFilename  = "parent.bin"
	firstFilename   = "first_child.bin"
	siblingFilename = "next_sibling.bin"
	levelFilename   = "level.bin"
)

// Create creates a new store under dir with a fixed node capacity.
func Create(dir string, capacity uint32) (*Store, error) {
	if capacity == 0 {
		return nil, errors.New("relations: capacity must be positive")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("relations: create %s: %w", dir, err)
	}

	s := &Store{dir: dir, capacity: capacity}
	var err error
	if s.parentFile, err = createFile(filepath.Join(dir, parentFilename), capacity, 4); err != nil {
		return nil, err
	}
	if s.firstFile, err = createFile(filepath.Join(dir, firstFilename), capacity, 4); err != nil {
		s.Close()
		return nil, err
	}
	if s.siblingFile, err = createFile(filepath.Join(dir, siblingFilename), capacity, 4); err != nil {
		s.Close()
		return nil, err
	}
	if s.levelFile, err = createFile(filepath.Join(dir, levelFilename), capacity, 1); err != nil {
		s.Close()
		return nil, err
	}
	s.attach()
	return s, nil
}

// Open attaches to an existing store, validating every header and
// requiring all four arrays to agree on count and capacity.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}
	var err error
	if s.parentFile, err = openFile(filepath.Join(dir, parentFilename), 4); err != nil {
		return nil, err
	}
	if s.firstFile, err = openFile(filepath.Join(dir, firstFilename), 4); err != nil {
		s.Close()
		return nil, err
	}
	if s.siblingFile, err = openFile(filepath.Join(dir, siblingFilename), 4); err != nil {
		s.Close()
		return nil, err
	}
	if s.levelFile, err = openFile(filepath.Join(dir, levelFilename), 1); err != nil {
		s.Close()
		return nil, err
	}

	s.capacity = s.parentFile.capacity()
	s.count = s.parentFile.count()
	for _, f := range []*relfile{s.firstFile, s.siblingFile, s.levelFile} {
		if f.capacity() != s.capacity || f.count() != s.count {
			s.Close()
			return nil, fmt.Errorf("%w: relation arrays disagree on count/capacity", ErrCorrupted)
		}
	}
	s.attach()
	return s, nil
}

func (s *Store) attach() {
	s.parent = s.parentFile.ids()
	s.first = s.firstFile.ids()
	s.sibling = s.siblingFile.ids()
	s.level = s.levelFile.bytes()
}

// AllocateNode reserves the next node id at the given level. All links
// start out unset. Allocation fails closed at capacity.
func (s *Store) AllocateNode(level core.Level) (core.NodeID, error) {
	if !level.Valid() {
		return core.NoNode, fmt.Errorf("relations: invalid level %d", level)
	}
	if s.count >= s.capacity {
		return core.NoNode, ErrFull
	}

	id := core.NodeID(s.count)
	s.parent[id] = uint32(core.NoNode)
	s.first[id] = uint32(core.NoNode)
	s.sibling[id] = uint32(core.NoNode)
	s.level[id] = byte(level)

	s.count++
	for _, f := range []*relfile{s.parentFile, s.firstFile, s.siblingFile, s.levelFile} {
		f.setCount(s.count)
	}
	return id, nil
}

func (s *Store) check(id core.NodeID) error {
	if uint32(id) >= s.count {
		return fmt.Errorf("%w: %d (count %d)", ErrInvalidNode, id, s.count)
	}
	return nil
}

// Parent returns the parent of id, or core.NoNode for a root.
func (s *Store) Parent(id core.NodeID) (core.NodeID, error) {
	if err := s.check(id); err != nil {
		return core.NoNode, err
	}
	return core.NodeID(s.parent[id]), nil
}

// SetParent sets the parent link of id.
func (s *Store) SetParent(id, parent core.NodeID) error {
	if err := s.check(id); err != nil {
		return err
	}
	s.parent[id] = uint32(parent)
	return nil
}

// FirstChild returns the head of the child chain of id.
func (s *Store) FirstChild(id core.NodeID) (core.NodeID, error) {
	if err := s.check(id); err != nil {
		return core.NoNode, err
	}
	return core.NodeID(s.first[id]), nil
}

// SetFirstChild sets the head of the child chain of id.
func (s *Store) SetFirstChild(id, child core.NodeID) error {
	if err := s.check(id); err != nil {
		return err
	}
	s.first[id] = uint32(child)
	return nil
}

// NextSibling returns the next node in the sibling chain of id.
func (s *Store) NextSibling(id core.NodeID) (core.NodeID, error) {
	if err := s.check(id); err != nil {
		return core.NoNode, err
	}
	return core.NodeID(s.sibling[id]), nil
}

// SetNextSibling sets the sibling link of id.
func (s *Store) SetNextSibling(id, next core.NodeID) error {
	if err := s.check(id); err != nil {
		return err
	}
	s.sibling[id] = uint32(next)
	return nil
}

// Level returns the hierarchy level of id.
func (s *Store) Level(id core.NodeID) (core.Level, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	return core.Level(s.level[id]), nil
}

// AppendChild links child at the tail of parent's sibling chain. Cost
// is O(fan-out): the chain is walked to its end.
func (s *Store) AppendChild(parent, child core.NodeID) error {
	if err := s.check(parent); err != nil {
		return err
	}
	if err := s.check(child); err != nil {
		return err
	}

	s.parent[child] = uint32(parent)

	head := core.NodeID(s.first[parent])
	if !head.IsValid() {
		s.first[parent] = uint32(child)
		return nil
	}
	cur := head
	for {
		next := core.NodeID(s.sibling[cur])
		if !next.IsValid() {
			break
		}
		cur = next
	}
	s.sibling[cur] = uint32(child)
	return nil
}

// Children returns the child ids of id in insertion order.
func (s *Store) Children(id core.NodeID) ([]core.NodeID, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	var out []core.NodeID
	for cur := core.NodeID(s.first[id]); cur.IsValid(); cur = core.NodeID(s.sibling[cur]) {
		out = append(out, cur)
	}
	return out, nil
}

// Siblings returns the other children of id's parent, excluding id.
// A root node has no siblings.
func (s *Store) Siblings(id core.NodeID) ([]core.NodeID, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	parent := core.NodeID(s.parent[id])
	if !parent.IsValid() {
		return nil, nil
	}
	var out []core.NodeID
	for cur := core.NodeID(s.first[parent]); cur.IsValid(); cur = core.NodeID(s.sibling[cur]) {
		if cur != id {
			out = append(out, cur)
		}
	}
	return out, nil
}

// Ancestors returns the parent chain of id, nearest first.
func (s *Store) Ancestors(id core.NodeID) ([]core.NodeID, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	var out []core.NodeID
	for cur := core.NodeID(s.parent[id]); cur.IsValid(); cur = core.NodeID(s.parent[cur]) {
		out = append(out, cur)
	}
	return out, nil
}

// DescendantCount returns the number of nodes in the subtree below id,
// excluding id itself.
func (s *Store) DescendantCount(id core.NodeID) (int, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	return s.descendants(id), nil
}

func (s *Store) descendants(id core.NodeID) int {
	n := 0
	for cur := core.NodeID(s.first[id]); cur.IsValid(); cur = core.NodeID(s.sibling[cur]) {
		n += 1 + s.descendants(cur)
	}
	return n
}

// Count returns the number of allocated nodes.
func (s *Store) Count() uint32 { return s.count }

// Capacity returns the maximum number of nodes.
func (s *Store) Capacity() uint32 { return s.capacity }

// Sync flushes all four arrays to disk.
func (s *Store) Sync() error {
	for _, f := range []*relfile{s.parentFile, s.firstFile, s.siblingFile, s.levelFile} {
		if f == nil {
			continue
		}
		if err := f.a.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps and closes all four arrays.
func (s *Store) Close() error {
	var err error
	for _, f := range []*relfile{s.parentFile, s.firstFile, s.siblingFile, s.levelFile} {
		if f == nil {
			continue
		}
		if cerr := f.a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
