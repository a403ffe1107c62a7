// Package pmem provides the persistent memory region the MwCAS pool lives in.
//
// A Region is a fixed-size byte range mapped from a file with MAP_SHARED, so
// every store is visible in the page cache the moment it executes and
// survives the death of the process that made it. Persist additionally
// msyncs the range when the region was opened with SyncOnPersist, which is
// what makes data survive power loss on block-backed files.
//
// The region starts with a one-page header (see header.go) followed by a
// bump-allocated heap. All cross-references inside the region are Offsets
// from the start of the mapping, never raw pointers, so a region can be
// mapped at a different address after a restart.
//
// # Thread Safety
//
// Words, Uint64s, Offset and Persist are safe for concurrent use. The
// allocator serializes itself; it is not on the MwCAS hot path.
package pmem

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/kolkov/pmwcas/internal/word"
)

// Offset is a byte offset from the start of a region. Zero is the null offset.
type Offset uint64

// Region errors.
var (
	ErrLocked             = errors.New("pmem: region is locked by another process")
	ErrTooSmall           = errors.New("pmem: region size below minimum")
	ErrBadMagic           = errors.New("pmem: not a pmwcas region")
	ErrIncompatibleFormat = errors.New("pmem: incompatible region format version")
	ErrOutOfSpace         = errors.New("pmem: region out of space")
	ErrOutOfRange         = errors.New("pmem: offset outside region")
	ErrClosed             = errors.New("pmem: region is closed")
	ErrUnsupported        = errors.New("pmem: file-backed regions are not supported on this platform")
)

const (
	// CacheLine is the allocation granularity and flush unit.
	CacheLine = 64

	// MinSize is the smallest region that can hold a header and a heap.
	MinSize = HeaderSize + 64*CacheLine
)

// Options configure how a region is opened.
type Options struct {
	// SyncOnPersist makes Persist msync the flushed range. Without it the
	// region survives process crashes but not power loss.
	SyncOnPersist bool

	// Logger receives open/close diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Region is a mapped persistent memory range.
type Region struct {
	mem  []byte
	base unsafe.Pointer
	size uint64

	file *os.File
	path string

	opts   Options
	logger *slog.Logger

	allocMu     sync.Mutex
	cleanOnOpen bool
	closed      atomic.Bool
}

func newRegion(mem []byte, file *os.File, path string, opts Options) *Region {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Region{
		mem:    mem,
		base:   unsafe.Pointer(&mem[0]),
		size:   uint64(len(mem)),
		file:   file,
		path:   path,
		opts:   opts,
		logger: logger.With("component", "pmem"),
	}
}

// Create creates a new file-backed region of size bytes at path. The file
// must not exist.
func Create(path string, size int64, opts Options) (*Region, error) {
	if size < MinSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooSmall, size, MinSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pmem: create %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pmem: size %s: %w", path, err)
	}
	mem, err := mapFile(f, int(size))
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r := newRegion(mem, f, path, opts)
	r.format()
	r.logger.Info("created region", "path", path, "size", size, "id", r.ID())
	return r, nil
}

// Open maps an existing region file and validates its header.
func Open(path string, opts Options) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pmem: open %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pmem: stat %s: %w", path, err)
	}
	if fi.Size() < MinSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooSmall, path, fi.Size())
	}
	mem, err := mapFile(f, int(fi.Size()))
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r := newRegion(mem, f, path, opts)
	if err := r.validate(); err != nil {
		_ = unmap(mem)
		_ = f.Close()
		return nil, err
	}
	r.markOpen()
	r.logger.Info("opened region", "path", path, "size", fi.Size(), "id", r.ID(),
		"clean_shutdown", r.cleanOnOpen)
	return r, nil
}

// OpenOrCreate opens path if it exists and creates it with size otherwise.
func OpenOrCreate(path string, size int64, opts Options) (*Region, error) {
	if _, err := os.Stat(path); err == nil {
		return Open(path, opts)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("pmem: stat %s: %w", path, err)
	}
	return Create(path, size, opts)
}

// NewVolatile creates an anonymous region of size bytes. Its contents
// survive for as long as the Region value does, which is enough to model a
// crash in-process: drop every structure built on top of it and reopen a
// pool over the same region.
func NewVolatile(size int64, opts Options) (*Region, error) {
	if size < MinSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooSmall, size, MinSize)
	}
	mem, err := mapAnon(int(size))
	if err != nil {
		return nil, err
	}
	r := newRegion(mem, nil, "", opts)
	r.format()
	return r, nil
}

// Path returns the backing file path, or "" for volatile regions.
func (r *Region) Path() string { return r.path }

// Size returns the mapped size in bytes.
func (r *Region) Size() uint64 { return r.size }

// Volatile reports whether the region has no backing file.
func (r *Region) Volatile() bool { return r.file == nil }

// Contains reports whether [off, off+n) lies inside the region.
func (r *Region) Contains(off Offset, n uint64) bool {
	return uint64(off) <= r.size && n <= r.size-uint64(off)
}

// Uint64s returns n 64-bit atomics starting at off, which must be 8-byte
// aligned.
func (r *Region) Uint64s(off Offset, n int) ([]atomic.Uint64, error) {
	if off%8 != 0 || n < 0 || !r.Contains(off, uint64(n)*8) {
		return nil, fmt.Errorf("%w: [%d, +%d words)", ErrOutOfRange, off, n)
	}
	if n == 0 {
		return nil, nil
	}
	//nolint:gosec // G103: off is bounds-checked against the mapping above.
	return unsafe.Slice((*atomic.Uint64)(unsafe.Add(r.base, off)), n), nil
}

// Words returns n tagged words starting at off, which must be 8-byte aligned.
func (r *Region) Words(off Offset, n int) ([]word.Word, error) {
	if off%8 != 0 || n < 0 || !r.Contains(off, uint64(n)*8) {
		return nil, fmt.Errorf("%w: [%d, +%d words)", ErrOutOfRange, off, n)
	}
	if n == 0 {
		return nil, nil
	}
	//nolint:gosec // G103: off is bounds-checked against the mapping above.
	return unsafe.Slice((*word.Word)(unsafe.Add(r.base, off)), n), nil
}

// WordAt returns the single word at off.
func (r *Region) WordAt(off Offset) (*word.Word, error) {
	ws, err := r.Words(off, 1)
	if err != nil {
		return nil, err
	}
	return &ws[0], nil
}

// Offset returns the offset of w, or false if w does not live in the region.
func (r *Region) Offset(w *word.Word) (Offset, bool) {
	p := uintptr(unsafe.Pointer(w))
	base := uintptr(r.base)
	if p < base || p-base > uintptr(r.size)-8 || (p-base)%8 != 0 {
		return 0, false
	}
	return Offset(p - base), true
}

// Persist flushes [off, off+n) to durable media.
//
// The shared mapping already makes stores visible to the next process to
// open the file, so without SyncOnPersist this is a no-op. With it the
// covering pages are msynced.
func (r *Region) Persist(off Offset, n uint64) {
	if !r.opts.SyncOnPersist || r.file == nil || n == 0 {
		return
	}
	if err := syncRange(r.mem, uint64(off), n); err != nil {
		r.logger.Error("persist failed", "offset", off, "len", n, "error", err)
	}
}

// PersistWord flushes the single word w.
func (r *Region) PersistWord(w *word.Word) {
	if off, ok := r.Offset(w); ok {
		r.Persist(off, 8)
	}
}

// Close marks the region cleanly shut down, flushes and unmaps it.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	r.markClean()
	return r.release(true)
}

// Abandon unmaps the region without marking it cleanly shut down, exactly
// as a process crash would leave it. Used for crash injection.
func (r *Region) Abandon() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return r.release(false)
}

func (r *Region) release(flush bool) error {
	var errs []error
	if flush && r.file != nil {
		if err := syncRange(r.mem, 0, r.size); err != nil {
			errs = append(errs, err)
		}
	}
	if err := unmap(r.mem); err != nil {
		errs = append(errs, err)
	}
	if r.file != nil {
		if err := unlockFile(r.file); err != nil {
			errs = append(errs, err)
		}
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.mem = nil
	return errors.Join(errs...)
}

// ID returns the region's identity, generated when it was formatted.
func (r *Region) ID() uuid.UUID {
	return r.header().id()
}

// CleanShutdown reports whether the region was closed cleanly before the
// current open.
func (r *Region) CleanShutdown() bool {
	return r.cleanOnOpen
}
