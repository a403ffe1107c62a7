package pmem

import (
	"fmt"
)

// Allocate reserves size bytes (rounded up to a cache line), zeroes and
// persists the block, and then durably publishes its offset into the word at
// dst. A dst of 0 skips publication.
//
// The ordering guarantees that after a crash dst either still holds its old
// value or points at a fully zeroed block; a crash between the cursor bump
// and publication leaks the block, which a bump allocator never reuses
// anyway.
func (r *Region) Allocate(dst Offset, size uint64) (Offset, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	return r.allocateLocked(dst, size)
}

func (r *Region) allocateLocked(dst Offset, size uint64) (Offset, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrOutOfRange)
	}
	size = (size + CacheLine - 1) &^ (CacheLine - 1)

	h := r.header()
	cursor := h[hdrCursor].Load()
	// Align block start so descriptor records and word arrays start on a line.
	start := (cursor + CacheLine - 1) &^ (CacheLine - 1)
	if start+size > r.size || start+size < start {
		return 0, fmt.Errorf("%w: need %d bytes at %d, region is %d", ErrOutOfSpace, size, start, r.size)
	}
	h[hdrCursor].Store(start + size)
	r.Persist(hdrCursor*8, 8)

	clear(r.mem[start : start+size])
	r.Persist(Offset(start), size)

	if dst != 0 {
		slot, err := r.Uint64s(dst, 1)
		if err != nil {
			return 0, err
		}
		slot[0].Store(start)
		r.Persist(dst, 8)
	}
	return Offset(start), nil
}

// Free durably clears the offset stored at dst. The bump allocator does not
// reuse the space.
func (r *Region) Free(dst Offset) error {
	slot, err := r.Uint64s(dst, 1)
	if err != nil {
		return err
	}
	slot[0].Store(0)
	r.Persist(dst, 8)
	return nil
}

// GetRoot returns the application root block, allocating a zeroed block of
// size bytes on first use. A root that already exists but is smaller than
// size is an error.
//
// Concurrent first calls allocate the root once; the others return it.
func (r *Region) GetRoot(size uint64) (Offset, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	h := r.header()
	if root := Offset(h[hdrRoot].Load()); root != 0 {
		if have := h[hdrRootSize].Load(); have < size {
			return 0, fmt.Errorf("%w: root is %d bytes, want %d", ErrOutOfRange, have, size)
		}
		return root, nil
	}

	// Record the size before publishing the root so a reopened region never
	// sees a root without its size.
	h[hdrRootSize].Store(size)
	r.Persist(hdrRootSize*8, 8)
	return r.allocateLocked(RootField, size)
}

// Load reads the 64-bit value stored at off.
func (r *Region) Load(off Offset) (uint64, error) {
	slot, err := r.Uint64s(off, 1)
	if err != nil {
		return 0, err
	}
	return slot[0].Load(), nil
}
