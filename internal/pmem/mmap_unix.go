//go:build unix

package pmem

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pmem: mmap %s: %w", f.Name(), err)
	}
	return mem, nil
}

func mapAnon(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmem: anonymous mmap: %w", err)
	}
	return mem, nil
}

func unmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// syncRange msyncs the pages covering [off, off+n).
func syncRange(mem []byte, off, n uint64) error {
	if mem == nil {
		return ErrClosed
	}
	page := uint64(os.Getpagesize())
	start := off &^ (page - 1)
	end := off + n
	if end > uint64(len(mem)) {
		end = uint64(len(mem))
	}
	return unix.Msync(mem[start:end], unix.MS_SYNC)
}

// lockFile takes a non-blocking exclusive flock so two processes never map
// the same pool.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrLocked, f.Name())
		}
		return fmt.Errorf("pmem: flock %s: %w", f.Name(), err)
	}
	return nil
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
