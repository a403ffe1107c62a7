package mwcas

import (
	"errors"

	"github.com/kolkov/pmwcas/internal/word"
)

// Errors returned by the pool and descriptors.
//
// A lost race on a target word is not an error: MwCAS reports it as
// (false, nil) and the caller decides whether to retry with a new descriptor.
var (
	// ErrCapacityExceeded is returned by AddEntry when the descriptor is full.
	ErrCapacityExceeded = errors.New("mwcas: descriptor capacity exceeded")

	// ErrDuplicateAddress is returned by AddEntry for a word already added.
	ErrDuplicateAddress = errors.New("mwcas: duplicate target address")

	// ErrForeignWord is returned for a word outside the pool's region.
	ErrForeignWord = errors.New("mwcas: word is not in the pool's region")

	// ErrReservedBits is returned for values that use protocol flag bits.
	ErrReservedBits = word.ErrReservedBits

	// ErrDescriptorConsumed is returned when a descriptor is reused after
	// MwCAS or Discard.
	ErrDescriptorConsumed = errors.New("mwcas: descriptor already executed or discarded")

	// ErrPoolExhausted is returned when no descriptor slot is reclaimable.
	ErrPoolExhausted = errors.New("mwcas: descriptor pool exhausted")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("mwcas: pool is closed")

	// ErrPoolBusy is returned by Recovery while operations are in flight.
	ErrPoolBusy = errors.New("mwcas: pool has operations in flight")

	// ErrGeometryMismatch is returned when a persisted pool was formatted
	// with a different capacity or descriptor size.
	ErrGeometryMismatch = errors.New("mwcas: persisted pool geometry does not match options")

	// ErrInvalidOptions is returned for out-of-range pool options.
	ErrInvalidOptions = errors.New("mwcas: invalid pool options")

	// ErrSlotOutOfRange is returned for a slot index beyond the pool
	// capacity.
	ErrSlotOutOfRange = errors.New("mwcas: slot index out of range")

	// ErrInvalidGuard is returned for a guard that was released or belongs
	// to another pool's epoch manager.
	ErrInvalidGuard = errors.New("mwcas: guard is not active on this pool")

	// ErrRecoveryInconsistency means the persisted image violates the pool
	// invariants: a tagged word names a slot or entry that cannot own it.
	// It indicates corruption or a bug and is never transient.
	ErrRecoveryInconsistency = errors.New("mwcas: recovery found inconsistent pool state")

	// ErrAbandoned is returned by MwCAS when a fault injector stopped the
	// operation mid-protocol. The descriptor is left exactly as a crashed
	// thread would leave it.
	ErrAbandoned = errors.New("mwcas: operation abandoned by fault injection")
)
