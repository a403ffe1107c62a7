package pmem

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
)

// Region header layout. Every field is one 64-bit word so it can be updated
// atomically and persisted on its own.
const (
	hdrMagic = iota
	hdrMajor
	hdrMinor
	hdrIDHi
	hdrIDLo
	hdrSize
	hdrCursor
	hdrRoot
	hdrRootSize
	hdrPool
	hdrClean
	hdrWords
)

const (
	// HeaderSize is the space reserved for the header at the start of a region.
	HeaderSize = 4096

	// Magic identifies a pmwcas region ("PMWCAS01").
	Magic = 0x50_4D_57_43_41_53_30_31

	// FormatVersion is the layout version written by this package. Regions
	// with the same major version can be opened; newer minors are accepted
	// with a warning.
	FormatVersion = "v1.0.0"
)

// Well-known header field offsets that callers may publish offsets into.
const (
	// RootField holds the application root block offset.
	RootField Offset = hdrRoot * 8

	// PoolField holds the descriptor pool offset.
	PoolField Offset = hdrPool * 8
)

type header []atomic.Uint64

func (r *Region) header() header {
	h, _ := r.Uint64s(0, hdrWords)
	return h
}

func (h header) id() uuid.UUID {
	var id uuid.UUID
	hi, lo := h[hdrIDHi].Load(), h[hdrIDLo].Load()
	for i := 0; i < 8; i++ {
		id[i] = byte(hi >> (56 - 8*i))
		id[8+i] = byte(lo >> (56 - 8*i))
	}
	return id
}

func (h header) setID(id uuid.UUID) {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
		lo = lo<<8 | uint64(id[8+i])
	}
	h[hdrIDHi].Store(hi)
	h[hdrIDLo].Store(lo)
}

func (h header) version() string {
	return fmt.Sprintf("v%d.%d.0", h[hdrMajor].Load(), h[hdrMinor].Load())
}

// format initializes a fresh header. The magic word is written last so a
// crash mid-format leaves an unrecognizable region rather than a corrupt one.
func (r *Region) format() {
	h := r.header()
	major, minor := parseVersion(FormatVersion)
	h[hdrMajor].Store(major)
	h[hdrMinor].Store(minor)
	h.setID(uuid.New())
	h[hdrSize].Store(r.size)
	h[hdrCursor].Store(HeaderSize)
	h[hdrRoot].Store(0)
	h[hdrRootSize].Store(0)
	h[hdrPool].Store(0)
	h[hdrClean].Store(0)
	r.Persist(0, HeaderSize)
	h[hdrMagic].Store(Magic)
	r.Persist(0, 8)
	r.cleanOnOpen = true
}

func (r *Region) validate() error {
	h := r.header()
	if h[hdrMagic].Load() != Magic {
		return fmt.Errorf("%w: %s", ErrBadMagic, r.path)
	}
	stored := h.version()
	if err := CheckFormat(stored); err != nil {
		return err
	}
	if semver.Compare(stored, FormatVersion) > 0 {
		r.logger.Warn("region written by a newer minor format", "region", stored, "supported", FormatVersion)
	}
	if size := h[hdrSize].Load(); size != r.size {
		return fmt.Errorf("%w: header records %d bytes, file has %d", ErrOutOfRange, size, r.size)
	}
	if c := h[hdrCursor].Load(); c < HeaderSize || c > r.size {
		return fmt.Errorf("%w: allocation cursor %d", ErrOutOfRange, c)
	}
	return nil
}

// CheckFormat reports whether a region written with format version v can be
// opened: v must be valid semver with the same major as FormatVersion.
func CheckFormat(v string) error {
	if !semver.IsValid(v) || semver.Major(v) != semver.Major(FormatVersion) {
		return fmt.Errorf("%w: region %s, supported %s", ErrIncompatibleFormat, v, FormatVersion)
	}
	return nil
}

func (r *Region) markOpen() {
	h := r.header()
	r.cleanOnOpen = h[hdrClean].Load() == 1
	h[hdrClean].Store(0)
	r.Persist(hdrClean*8, 8)
}

func (r *Region) markClean() {
	h := r.header()
	h[hdrClean].Store(1)
	r.Persist(hdrClean*8, 8)
}

func parseVersion(v string) (major, minor uint64) {
	// FormatVersion is a compile-time constant of the form vX.Y.Z.
	_, _ = fmt.Sscanf(semver.MajorMinor(v), "v%d.%d", &major, &minor)
	return major, minor
}

// Info summarizes the header for diagnostics.
type Info struct {
	ID            uuid.UUID
	Version       string
	Size          uint64
	Used          uint64
	Root          Offset
	RootSize      uint64
	Pool          Offset
	CleanShutdown bool
}

// Info returns a snapshot of the header.
func (r *Region) Info() Info {
	h := r.header()
	return Info{
		ID:            h.id(),
		Version:       h.version(),
		Size:          h[hdrSize].Load(),
		Used:          h[hdrCursor].Load(),
		Root:          Offset(h[hdrRoot].Load()),
		RootSize:      h[hdrRootSize].Load(),
		Pool:          Offset(h[hdrPool].Load()),
		CleanShutdown: r.cleanOnOpen,
	}
}
