// Package arena provides a bump allocator over a contiguous memory
// region, optionally backed by a memory-mapped file for persistence.
//
// # Offsets, not pointers
//
// Anything referenced from disk must be addressed by a base-relative
// Offset, never a raw pointer: the base address of a mapping changes
// across remaps and process restarts. Pointer and the typed view
// helpers resolve an Offset against the current mapping.
//
// # Growth
//
// Alloc fails with ErrFull at capacity instead of growing implicitly.
// Growth remaps the region and invalidates every pointer previously
// resolved from it, so callers must opt in with Grow after dropping
// their views.
package arena

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/hupe1980/recall/internal/mmap"
)

var (
	// ErrFull is returned when an allocation exceeds the arena capacity.
	ErrFull = errors.New("arena: full")
	// ErrReadOnly is returned when mutating a read-only arena.
	ErrReadOnly = errors.New("arena: read-only")
	// ErrClosed is returned when using a closed arena.
	ErrClosed = errors.New("arena: closed")
	// ErrOutOfRange is returned when an offset does not resolve inside the arena.
	ErrOutOfRange = errors.New("arena: offset out of range")
)

// DefaultAlignment is the default allocation alignment in bytes.
const DefaultAlignment = 8

// Offset is a base-relative address inside an arena. Offsets remain
// valid across remaps and reopens; pointers do not.
type Offset uint64

// Options configures persistent arenas.
type Options struct {
	// ReadOnly maps the backing file read-only. Alloc, Reset and Sync
	// fail with ErrReadOnly.
	ReadOnly bool

	// FileMode is the permission bits used when creating the backing file.
	FileMode os.FileMode
}

// DefaultOptions contains the default options for persistent arenas.
var DefaultOptions = Options{
	FileMode: 0o600,
}

// Arena is a contiguous allocation region.
type Arena struct {
	buf      []byte
	off      uint64
	mapping  *mmap.Mapping
	f        *os.File
	path     string
	readOnly bool
	closed   bool
}

// New creates a heap-backed arena of the given size. The memory comes
// from an anonymous mapping, keeping large graphs off the Go heap.
func New(size int) (*Arena, error) {
	m, err := mmap.MapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("arena: map anonymous memory: %w", err)
	}
	return &Arena{buf: m.Bytes(), mapping: m}, nil
}

// Create creates a file-backed arena of fixed size at path. The file is
// truncated to size and mapped shared, so writes through the arena land
// in the file once synced.
func Create(path string, size int64, optFns ...func(o *Options)) (*Arena, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, opts.FileMode) //nolint:gosec // G304: path is store-owned
	if err != nil {
		return nil, fmt.Errorf("arena: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: size %s: %w", path, err)
	}

	m, err := mmap.MapFile(f, int(size), true)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: map %s: %w", path, err)
	}

	return &Arena{buf: m.Bytes(), mapping: m, f: f, path: path}, nil
}

// Open attaches to an existing file-backed arena. The full file is
// mapped; the caller restores the bump position with SetUsed after
// validating its own header.
func Open(path string, optFns ...func(o *Options)) (*Arena, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0) //nolint:gosec // G304: path is store-owned
	if err != nil {
		return nil, fmt.Errorf("arena: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("arena: open %s: empty backing file", path)
	}

	m, err := mmap.MapFile(f, int(st.Size()), !opts.ReadOnly)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: map %s: %w", path, err)
	}

	return &Arena{
		buf:      m.Bytes(),
		mapping:  m,
		f:        f,
		path:     path,
		readOnly: opts.ReadOnly,
	}, nil
}

// Alloc reserves size bytes with the given alignment and returns the
// offset of the reservation. align must be a power of two; zero selects
// DefaultAlignment. Alloc never grows the arena.
func (a *Arena) Alloc(size, align int) (Offset, error) {
	if a.closed {
		return 0, ErrClosed
	}
	if a.readOnly {
		return 0, ErrReadOnly
	}
	if size <= 0 {
		return 0, fmt.Errorf("arena: invalid allocation size %d", size)
	}
	if align <= 0 {
		align = DefaultAlignment
	}

	mask := uint64(align - 1)
	start := (a.off + mask) &^ mask
	end := start + uint64(size)
	if end > uint64(len(a.buf)) {
		return 0, ErrFull
	}
	a.off = end
	return Offset(start), nil
}

// Pointer resolves an offset against the current mapping. It performs a
// bounds check on the offset only; the caller owns the extent.
func (a *Arena) Pointer(off Offset) unsafe.Pointer {
	if uint64(off) >= uint64(len(a.buf)) {
		panic("arena: stale or out-of-range offset")
	}
	return unsafe.Pointer(&a.buf[off])
}

// OffsetOf converts a pointer previously resolved from this arena back
// into an offset.
func (a *Arena) OffsetOf(p unsafe.Pointer) (Offset, error) {
	base := uintptr(unsafe.Pointer(&a.buf[0]))
	addr := uintptr(p)
	if addr < base || addr >= base+uintptr(len(a.buf)) {
		return 0, ErrOutOfRange
	}
	return Offset(addr - base), nil
}

// Bytes returns a view of n bytes starting at off.
func (a *Arena) Bytes(off Offset, n int) ([]byte, error) {
	if a.closed {
		return nil, ErrClosed
	}
	end := uint64(off) + uint64(n)
	if n < 0 || end > uint64(len(a.buf)) {
		return nil, ErrOutOfRange
	}
	return a.buf[off:end:end], nil
}

// Float32s returns a typed view of count float32 values starting at off.
// off must be 4-byte aligned.
func (a *Arena) Float32s(off Offset, count int) ([]float32, error) {
	if off%4 != 0 {
		return nil, fmt.Errorf("arena: misaligned float32 offset %d", off)
	}
	b, err := a.Bytes(off, count*4)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), count), nil //nolint:gosec // zero-copy view into the mapping
}

// Uint32s returns a typed view of count uint32 values starting at off.
// off must be 4-byte aligned.
func (a *Arena) Uint32s(off Offset, count int) ([]uint32, error) {
	if off%4 != 0 {
		return nil, fmt.Errorf("arena: misaligned uint32 offset %d", off)
	}
	b, err := a.Bytes(off, count*4)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), count), nil //nolint:gosec // zero-copy view into the mapping
}

// Used returns the current bump position.
func (a *Arena) Used() uint64 {
	return a.off
}

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// SetUsed restores the bump position. Stores call this after reopening
// a persistent arena, deriving the position from their own headers.
func (a *Arena) SetUsed(n uint64) {
	if n > uint64(len(a.buf)) {
		n = uint64(len(a.buf))
	}
	a.off = n
}

// Reset rewinds the bump pointer. Previously returned offsets become
// dangling; previously resolved pointers still address the old bytes.
func (a *Arena) Reset() error {
	if a.closed {
		return ErrClosed
	}
	if a.readOnly {
		return ErrReadOnly
	}
	a.off = 0
	return nil
}

// ResetSecure rewinds the bump pointer and zeroes the region, for
// arenas that held sensitive transcript content.
func (a *Arena) ResetSecure() error {
	if err := a.Reset(); err != nil {
		return err
	}
	clear(a.buf)
	return nil
}

// Grow extends the arena to newSize and remaps it. All pointers and
// typed views resolved before Grow are invalid afterwards; offsets
// remain valid.
func (a *Arena) Grow(newSize int64) error {
	if a.closed {
		return ErrClosed
	}
	if a.readOnly {
		return ErrReadOnly
	}
	if newSize <= int64(len(a.buf)) {
		return fmt.Errorf("arena: grow to %d not beyond current size %d", newSize, len(a.buf))
	}

	if a.f == nil {
		// Heap arena: map a larger anonymous region and copy.
		m, err := mmap.MapAnon(int(newSize))
		if err != nil {
			return fmt.Errorf("arena: grow: %w", err)
		}
		copy(m.Bytes(), a.buf)
		_ = a.mapping.Close()
		a.mapping = m
		a.buf = m.Bytes()
		return nil
	}

	if err := a.mapping.Sync(); err != nil {
		return fmt.Errorf("arena: grow sync: %w", err)
	}
	if err := a.mapping.Close(); err != nil {
		return fmt.Errorf("arena: grow unmap: %w", err)
	}
	if err := a.f.Truncate(newSize); err != nil {
		return fmt.Errorf("arena: grow %s: %w", a.path, err)
	}
	m, err := mmap.MapFile(a.f, int(newSize), true)
	if err != nil {
		return fmt.Errorf("arena: grow remap %s: %w", a.path, err)
	}
	a.mapping = m
	a.buf = m.Bytes()
	return nil
}

// Sync flushes a file-backed arena to disk.
func (a *Arena) Sync() error {
	if a.closed {
		return ErrClosed
	}
	if a.readOnly || a.f == nil {
		return nil
	}
	if err := a.mapping.Sync(); err != nil {
		return fmt.Errorf("arena: sync %s: %w", a.path, err)
	}
	return nil
}

// Close unmaps the arena and closes the backing file, if any.
func (a *Arena) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.buf = nil

	err := a.mapping.Close()
	if a.f != nil {
		if cerr := a.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Destroy closes the arena and removes its backing file.
func (a *Arena) Destroy() error {
	err := a.Close()
	if a.path != "" {
		if rerr := os.Remove(a.path); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
