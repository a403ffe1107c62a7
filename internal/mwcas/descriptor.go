package mwcas

import (
	"fmt"
	"slices"
	"time"

	"github.com/kolkov/pmwcas/internal/epoch"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

// entry is one target of a descriptor before it is written to the record.
type entry struct {
	w        *word.Word
	off      pmem.Offset
	expected word.Value
	newValue word.Value
}

// Descriptor describes one multi-word CAS. It is obtained from
// Pool.AllocateDescriptor, filled with AddEntry and consumed by exactly one
// call to MwCAS or Discard.
//
// A Descriptor is owned by one goroutine and is not safe for concurrent use.
type Descriptor struct {
	pool    *Pool
	slot    uint64
	rec     record
	guard   *epoch.Guard
	entries []entry
	done    bool

	// ownGuard is false for a guard borrowed from the caller.
	ownGuard bool
}

// Slot returns the pool slot backing the descriptor.
func (d *Descriptor) Slot() uint64 { return d.slot }

// Len returns the number of entries added so far.
func (d *Descriptor) Len() int { return len(d.entries) }

// Read is Pool.Read under the descriptor's guard. Use it to read target
// words between allocation and MwCAS without a second participant slot.
func (d *Descriptor) Read(w *word.Word) (uint64, error) {
	if d.done {
		return 0, ErrDescriptorConsumed
	}
	return d.pool.read(w)
}

func (d *Descriptor) releaseGuard() {
	if d.ownGuard {
		d.guard.Release()
	}
}

// AddEntry adds a target word that must hold expected and will be set to
// newValue if the whole operation succeeds.
func (d *Descriptor) AddEntry(w *word.Word, expected, newValue uint64) error {
	if d.done {
		return ErrDescriptorConsumed
	}
	if len(d.entries) >= d.pool.descCap {
		return fmt.Errorf("%w: %d entries", ErrCapacityExceeded, d.pool.descCap)
	}
	if word.CheckValue(expected) != nil || word.CheckValue(newValue) != nil {
		return ErrReservedBits
	}
	off, ok := d.pool.region.Offset(w)
	if !ok {
		return ErrForeignWord
	}
	for i := range d.entries {
		if d.entries[i].off == off {
			return fmt.Errorf("%w: offset %d", ErrDuplicateAddress, off)
		}
	}
	d.entries = append(d.entries, entry{
		w:        w,
		off:      off,
		expected: word.Value(expected),
		newValue: word.Value(newValue),
	})
	return nil
}

// Discard releases a descriptor that will not be executed.
func (d *Descriptor) Discard() error {
	if d.done {
		return ErrDescriptorConsumed
	}
	d.done = true
	p := d.pool
	d.rec.setStatus(StatusFree)
	p.persistStatus(d.slot)
	p.retire(d.slot)
	d.releaseGuard()
	return nil
}

// MwCAS atomically sets every target word to its new value if every word
// holds its expected value, and changes nothing otherwise.
//
// A word owned by another in-flight, undecided operation fails this one;
// there is no internal retry. A word owned by a decided operation is
// finalized on its behalf first. Losing is reported as (false, nil).
//
// Algorithm:
//  1. Sort entries by word offset and persist them with status Undecided
//  2. Install a back reference into every word: CondCAS, then MwCAS|Dirty,
//     persist, clear Dirty
//  3. Persist Succeeded if all installed, Failed otherwise (linearization)
//  4. Replace each installed reference with the final value, persist
//  5. Persist status Free and retire the slot to the epoch manager
//
// With a FaultInjector set, MwCAS may return ErrAbandoned between steps,
// leaving the slot for recovery.
func (d *Descriptor) MwCAS() (bool, error) {
	if d.done {
		return false, ErrDescriptorConsumed
	}
	d.done = true
	p := d.pool
	start := time.Now()

	slices.SortFunc(d.entries, func(a, b entry) int {
		switch {
		case a.off < b.off:
			return -1
		case a.off > b.off:
			return 1
		}
		return 0
	})
	for i, e := range d.entries {
		d.rec.setEntry(i, e.off, uint64(e.expected), uint64(e.newValue))
	}
	d.rec.setCount(len(d.entries))
	p.persistRecord(d.slot)

	succeeded := true
	for i := range d.entries {
		if !d.install(i) {
			succeeded = false
			break
		}
		if d.fault(FaultAfterInstall) {
			return false, ErrAbandoned
		}
	}

	status := StatusFailed
	if succeeded {
		status = StatusSucceeded
	}
	p.state[d.slot].Store(slotDecided)
	d.rec.setStatus(status)
	p.persistStatus(d.slot)
	if d.fault(FaultAfterDecision) {
		return false, ErrAbandoned
	}

	for i := range d.entries {
		p.finalizeEntry(d.entries[i].w, d.slot, i, status)
		if d.fault(FaultAfterFinalize) {
			return false, ErrAbandoned
		}
	}

	d.rec.setStatus(StatusFree)
	p.persistStatus(d.slot)
	p.retire(d.slot)
	d.releaseGuard()

	operationDuration.Observe(time.Since(start).Seconds())
	if succeeded {
		p.succeeded.Add(1)
		operationsTotal.WithLabelValues(outcomeSucceeded).Inc()
	} else {
		p.failed.Add(1)
		operationsTotal.WithLabelValues(outcomeFailed).Inc()
	}
	return succeeded, nil
}

// install claims entry i's word for this descriptor. It returns false if the
// word holds a different clean value or belongs to an undecided operation.
func (d *Descriptor) install(i int) bool {
	p := d.pool
	e := &d.entries[i]
	ref := word.NewRef(d.slot, i)
	cond := ref.WithFlags(word.CondCASFlag)
	claimed := ref.WithFlags(word.MwCASFlag | word.DirtyFlag)

	for {
		cur := e.w.Load()
		switch {
		case cur == e.expected:
			if !e.w.TryInstall(cur, cond) {
				continue
			}
			// Only the owner moves its own undecided references.
			e.w.CompareAndSwap(cond, claimed)
			p.region.PersistWord(e.w)
			e.w.ClearDirty(claimed)
			return true

		case word.IsCleanPtr(cur):
			return false

		case !cur.IsRef():
			// A finalized value whose flush has not been acknowledged yet.
			p.region.PersistWord(e.w)
			e.w.ClearDirty(cur)

		default:
			switch p.help(e.w, cur) {
			case helpConflict:
				return false
			case helpInconsistent:
				p.logger.Error("target word references an impossible descriptor",
					"offset", e.off, "value", cur.String())
				return false
			}
		}
	}
}

func (d *Descriptor) fault(point FaultPoint) bool {
	p := d.pool
	if p.opts.Faults == nil || !p.opts.Faults.Fault(point, d.slot) {
		return false
	}
	p.state[d.slot].Store(slotAbandoned)
	// A dead thread holds no epoch; the slot itself is only freed by recovery.
	// A borrowed guard is the caller's to drop.
	d.releaseGuard()
	p.abandoned.Add(1)
	operationsTotal.WithLabelValues(outcomeAbandoned).Inc()
	return true
}
