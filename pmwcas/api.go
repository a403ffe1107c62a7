// Package pmwcas provides persistent multi-word compare-and-swap over a
// memory-mapped region.
//
// See doc.go for detailed documentation and examples.
package pmwcas

import (
	"github.com/kolkov/pmwcas/internal/epoch"
	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

// Core types.
type (
	// Region is a mapped persistent memory range.
	Region = pmem.Region

	// RegionOptions configure how a region is opened.
	RegionOptions = pmem.Options

	// Offset is a byte offset inside a region.
	Offset = pmem.Offset

	// Word is a target word. Words must live inside the pool's region.
	Word = word.Word

	// Pool is a fixed-capacity persistent array of descriptors.
	Pool = mwcas.Pool

	// Options configure a pool.
	Options = mwcas.Options

	// Descriptor describes one multi-word CAS.
	Descriptor = mwcas.Descriptor

	// Guard is an epoch guard from Pool.Protect. A thread holding one runs
	// its descriptors and reads under it with a single participant slot.
	Guard = epoch.Guard

	// Status is the persisted outcome of a descriptor.
	Status = mwcas.Status

	// RecoveryReport summarizes a recovery pass.
	RecoveryReport = mwcas.RecoveryReport

	// Stats is a snapshot of pool counters.
	Stats = mwcas.Stats

	// FaultPoint names a protocol step for fault injection.
	FaultPoint = mwcas.FaultPoint

	// FaultInjector can abandon operations mid-protocol.
	FaultInjector = mwcas.FaultInjector
)

// Descriptor statuses.
const (
	StatusFree      = mwcas.StatusFree
	StatusUndecided = mwcas.StatusUndecided
	StatusSucceeded = mwcas.StatusSucceeded
	StatusFailed    = mwcas.StatusFailed
)

// Errors.
var (
	ErrCapacityExceeded      = mwcas.ErrCapacityExceeded
	ErrDuplicateAddress      = mwcas.ErrDuplicateAddress
	ErrForeignWord           = mwcas.ErrForeignWord
	ErrReservedBits          = mwcas.ErrReservedBits
	ErrDescriptorConsumed    = mwcas.ErrDescriptorConsumed
	ErrPoolExhausted         = mwcas.ErrPoolExhausted
	ErrPoolClosed            = mwcas.ErrPoolClosed
	ErrRecoveryInconsistency = mwcas.ErrRecoveryInconsistency
	ErrAbandoned             = mwcas.ErrAbandoned
	ErrInvalidGuard          = mwcas.ErrInvalidGuard
	ErrNoParticipantSlot     = epoch.ErrNoParticipantSlot
	ErrLocked                = pmem.ErrLocked
	ErrIncompatibleFormat    = pmem.ErrIncompatibleFormat
)

// Create creates a file-backed region of size bytes at path.
func Create(path string, size int64, opts RegionOptions) (*Region, error) {
	return pmem.Create(path, size, opts)
}

// OpenRegion maps an existing region file.
func OpenRegion(path string, opts RegionOptions) (*Region, error) {
	return pmem.Open(path, opts)
}

// NewVolatileRegion creates an anonymous region that lives as long as the
// process. Useful for tests and for pools that only need lock-freedom.
func NewVolatileRegion(size int64, opts RegionOptions) (*Region, error) {
	return pmem.NewVolatile(size, opts)
}

// Open attaches a descriptor pool to region, formatting it on first use and
// recovering it when opts.EnableRecovery is set.
//
//	region, _ := pmwcas.OpenRegion("/var/lib/app/pool.pmem", pmwcas.RegionOptions{})
//	pool, report, err := pmwcas.Open(region, pmwcas.Options{
//		Capacity:       1024,
//		ThreadCount:    16,
//		EnableRecovery: true,
//	})
func Open(region *Region, opts Options) (*Pool, *RecoveryReport, error) {
	return mwcas.Open(region, opts)
}

// Array returns the application array of n words at the region root,
// allocating it zeroed on first use.
func Array(region *Region, n int) ([]Word, error) {
	root, err := region.GetRoot(uint64(n) * 8)
	if err != nil {
		return nil, err
	}
	return region.Words(root, n)
}

// IsClean reports whether v can be stored in a target word as an
// application value.
func IsClean(v uint64) bool {
	return word.IsCleanPtr(word.Value(v))
}
