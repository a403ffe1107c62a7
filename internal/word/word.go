// Package word implements the tagged-word layout used by multi-word CAS targets.
//
// Every word that can be the target of a multi-word CAS is a 64-bit value whose
// top three bits are reserved for protocol flags:
//
//	[Dirty:1][MwCAS:1][CondCAS:1][Payload:61]
//
// A clean word has none of the flags set and its payload is the application
// value. While an operation is in flight the payload instead holds a back
// reference to the owning descriptor entry:
//
//	Payload = [Descriptor index:53][Entry index:8]
//
// The flags are applied in a strict sequence by the protocol:
//
//	expected -> CondCAS|ref -> MwCAS|Dirty|ref -> MwCAS|ref -> final|Dirty -> final
//
// Recovery never depends on which of these intermediate states survived a
// crash; it only uses the reference to find the descriptor and then derives
// the final value from the descriptor's persisted status.
package word

import (
	"errors"
	"strconv"
	"sync/atomic"
)

// Value is a raw 64-bit word, either clean or tagged.
type Value uint64

const (
	// DirtyFlag marks a word that was written but not yet persisted.
	DirtyFlag Value = 1 << 63

	// MwCASFlag marks a word claimed by an installed multi-word operation.
	MwCASFlag Value = 1 << 62

	// CondCASFlag marks a word in the first (conditional) step of installation.
	CondCASFlag Value = 1 << 61

	// FlagMask covers all reserved flag bits.
	FlagMask = DirtyFlag | MwCASFlag | CondCASFlag

	// PayloadMask covers the bits available to application values.
	PayloadMask = ^FlagMask

	// EntryBits is the number of payload bits holding the entry index.
	EntryBits = 8

	// EntryMask extracts the entry index from a payload.
	EntryMask = (1 << EntryBits) - 1

	// MaxEntries is the largest descriptor capacity a reference can address.
	MaxEntries = 1 << EntryBits

	// MaxDescriptors is the largest descriptor pool a reference can address.
	MaxDescriptors = uint64(PayloadMask) >> EntryBits
)

// ErrReservedBits is returned when an application value uses flag bits.
var ErrReservedBits = errors.New("word: value uses reserved flag bits")

// IsCleanPtr reports whether v carries none of the protocol flags.
//
//go:nosplit
func IsCleanPtr(v Value) bool {
	return v&FlagMask == 0
}

// CheckValue returns ErrReservedBits if v cannot be stored as a clean value.
func CheckValue(v uint64) error {
	if !IsCleanPtr(Value(v)) {
		return ErrReservedBits
	}
	return nil
}

// NewRef builds the untagged back reference for entry of descriptor desc.
// Callers add the flags they need with WithFlags.
//
//go:nosplit
func NewRef(desc uint64, entry int) Value {
	//nolint:gosec // G115: entry is bounded by MaxEntries.
	return Value(desc<<EntryBits|uint64(entry)&EntryMask) & PayloadMask
}

// Decode extracts the descriptor and entry index from a tagged value.
//
// The result is meaningless for clean values.
//
//go:nosplit
func (v Value) Decode() (desc uint64, entry int) {
	p := uint64(v & PayloadMask)
	return p >> EntryBits, int(p & EntryMask)
}

// IsDirty reports whether the Dirty flag is set.
func (v Value) IsDirty() bool { return v&DirtyFlag != 0 }

// IsMwCAS reports whether the MwCAS flag is set.
func (v Value) IsMwCAS() bool { return v&MwCASFlag != 0 }

// IsCondCAS reports whether the CondCAS flag is set.
func (v Value) IsCondCAS() bool { return v&CondCASFlag != 0 }

// IsRef reports whether v holds a descriptor back reference.
func (v Value) IsRef() bool { return v&(MwCASFlag|CondCASFlag) != 0 }

// WithFlags returns v with flags set.
func (v Value) WithFlags(flags Value) Value { return v | flags }

// ClearFlags returns v with flags cleared.
func (v Value) ClearFlags(flags Value) Value { return v &^ flags }

// Clean returns v with every flag cleared.
func (v Value) Clean() Value { return v &^ FlagMask }

// SameRef reports whether v and other reference the same descriptor entry,
// ignoring flags.
func (v Value) SameRef(other Value) bool {
	return v&PayloadMask == other&PayloadMask
}

// String returns a debug representation.
//
// Format: "42" for clean values, "ref(7:2)[M|D]" for tagged ones.
func (v Value) String() string {
	if IsCleanPtr(v) {
		return strconv.FormatUint(uint64(v), 10)
	}
	if !v.IsRef() {
		return strconv.FormatUint(uint64(v.Clean()), 10) + "[D]"
	}
	desc, entry := v.Decode()
	s := "ref(" + strconv.FormatUint(desc, 10) + ":" + strconv.Itoa(entry) + ")["
	if v.IsCondCAS() {
		s += "C"
	}
	if v.IsMwCAS() {
		s += "M"
	}
	if v.IsDirty() {
		s += "|D"
	}
	return s + "]"
}

// Word is one 64-bit target word. It is laid out as a single uint64 so slices
// of Word can overlay persistent memory directly.
//
// All access goes through atomic operations; plain reads or writes of a word
// that may be owned by a descriptor are never allowed.
type Word struct {
	v atomic.Uint64
}

// Load returns the raw value, flags included.
//
//go:nosplit
func (w *Word) Load() Value {
	return Value(w.v.Load())
}

// LoadClean returns the value and whether it was clean.
func (w *Word) LoadClean() (Value, bool) {
	v := w.Load()
	return v, IsCleanPtr(v)
}

// Store overwrites the word. Only used for initialization and by recovery,
// which runs before any concurrent operation.
func (w *Word) Store(v Value) {
	w.v.Store(uint64(v))
}

// CompareAndSwap executes a single-word CAS.
//
//go:nosplit
func (w *Word) CompareAndSwap(old, new Value) bool {
	return w.v.CompareAndSwap(uint64(old), uint64(new))
}

// TryInstall replaces a clean expected value with a tagged reference.
func (w *Word) TryInstall(expected, tagged Value) bool {
	return w.CompareAndSwap(expected, tagged)
}

// TryFinalize replaces a tagged reference with its resolved value. The final
// value keeps the Dirty flag until the caller has persisted it.
func (w *Word) TryFinalize(tagged, final Value) bool {
	return w.CompareAndSwap(tagged, final|DirtyFlag)
}

// ClearDirty removes the Dirty flag from v if the word still holds it.
func (w *Word) ClearDirty(v Value) bool {
	if !v.IsDirty() {
		return true
	}
	return w.CompareAndSwap(v, v.ClearFlags(DirtyFlag))
}
