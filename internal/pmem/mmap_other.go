//go:build !unix

package pmem

import (
	"os"
	"unsafe"
)

func mapFile(_ *os.File, _ int) ([]byte, error) { return nil, ErrUnsupported }

// mapAnon falls back to heap memory backed by uint64s so the base is 8-byte
// aligned. The slice is kept alive by the Region.
func mapAnon(size int) ([]byte, error) {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

func unmap(_ []byte) error { return nil }

func syncRange(_ []byte, _, _ uint64) error { return nil }

func lockFile(_ *os.File) error { return ErrUnsupported }

func unlockFile(_ *os.File) error { return nil }
