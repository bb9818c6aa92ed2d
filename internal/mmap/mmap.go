// Package mmap provides memory-mapped file access for the persistent
// stores.
//
// Unlike a plain read cache, the stores in this module mutate their
// mappings in place (relation links, embedding overwrites), so mappings
// can be opened writable and flushed with Sync. Anonymous mappings back
// the heap arena.
//
// Mapping is safe for concurrent reads. Close is idempotent. Callers
// must ensure no goroutine touches Bytes() after Close returns.
package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

// AccessPattern provides hints to the kernel about how the data will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed sequentially.
	AccessSequential
	// AccessRandom expects data to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects data to be accessed in the near future.
	AccessWillNeed
)

var (
	// ErrClosed is returned when attempting to access a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned when the requested size is invalid.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// Mapping represents a memory-mapped region. It owns the underlying byte
// slice and is responsible for unmapping it.
type Mapping struct {
	data     []byte
	size     int
	writable bool
	closed   atomic.Bool
}

// MapFile maps size bytes of f into memory.
//
// The file must already be at least size bytes long; callers extend it
// with Truncate before mapping. Writable mappings are MAP_SHARED so that
// stores persist by writing through the mapping and calling Sync.
func MapFile(f *os.File, size int, writable bool) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, err := osMapFile(f, size, writable)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, size: size, writable: writable}, nil
}

// MapAnon creates a private read-write anonymous mapping. It is used by
// the heap arena to obtain memory outside the garbage collector's view.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, size: size, writable: true}, nil
}

// Bytes returns the underlying byte slice.
// The slice is valid only until Close is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return m.size
}

// Writable reports whether the mapping was opened for writing.
func (m *Mapping) Writable() bool {
	return m.writable
}

// Sync flushes modified pages back to the backing file. It is a no-op
// for anonymous or read-only mappings.
func (m *Mapping) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.writable || m.data == nil {
		return nil
	}
	return osSync(m.data)
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.data == nil {
		return nil
	}
	return osAdvise(m.data, pattern)
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return osUnmap(data)
}
