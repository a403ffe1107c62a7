package mwcas

import (
	"sync/atomic"

	"github.com/kolkov/pmwcas/internal/pmem"
)

// Status is the persisted outcome of a descriptor.
type Status uint64

const (
	// StatusFree marks a slot with no operation: never used, completed, or
	// cleaned up by recovery.
	StatusFree Status = iota

	// StatusUndecided marks an operation in its install phase.
	StatusUndecided

	// StatusSucceeded marks an operation whose new values are in effect.
	StatusSucceeded

	// StatusFailed marks an operation whose expected values are in effect.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusFree:
		return "Free"
	case StatusUndecided:
		return "Undecided"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	default:
		return "Corrupt"
	}
}

// Decided reports whether s is Succeeded or Failed.
func (s Status) Decided() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Persisted pool layout.
//
// The pool block starts with a cache line of metadata followed by capacity
// descriptor records. Each record is a run of 64-bit words, padded to whole
// cache lines:
//
//	[status][count][offset0][old0][new0][offset1][old1][new1]...
//
// Entry offsets are region offsets of the target words, so a record stays
// meaningful when the region is mapped elsewhere after a restart.
const (
	metaMagic = iota
	metaCapacity
	metaDescCap
	metaRecordWords
	metaWords

	// poolMagic identifies a formatted descriptor pool ("DESCPOOL").
	poolMagic = 0x44_45_53_43_50_4F_4F_4C

	metaBytes = pmem.CacheLine

	recStatus  = 0
	recCount   = 1
	recEntries = 2

	entryWords = 3
	entryAddr  = 0
	entryOld   = 1
	entryNew   = 2
)

// recordWords returns the padded record length for descCap entries.
func recordWords(descCap int) int {
	n := recEntries + entryWords*descCap
	perLine := pmem.CacheLine / 8
	return (n + perLine - 1) / perLine * perLine
}

// record is the persisted image of one descriptor.
type record []atomic.Uint64

func (r record) status() Status { return Status(r[recStatus].Load()) }

func (r record) setStatus(s Status) { r[recStatus].Store(uint64(s)) }

func (r record) count() int { return int(r[recCount].Load()) }

func (r record) setCount(n int) { r[recCount].Store(uint64(n)) }

func (r record) entry(i int) (addr pmem.Offset, oldValue, newValue uint64) {
	base := recEntries + entryWords*i
	return pmem.Offset(r[base+entryAddr].Load()), r[base+entryOld].Load(), r[base+entryNew].Load()
}

func (r record) setEntry(i int, addr pmem.Offset, oldValue, newValue uint64) {
	base := recEntries + entryWords*i
	r[base+entryAddr].Store(uint64(addr))
	r[base+entryOld].Store(oldValue)
	r[base+entryNew].Store(newValue)
}

// clear zeroes the count and every entry.
func (r record) clear() {
	for i := recCount; i < len(r); i++ {
		r[i].Store(0)
	}
}
