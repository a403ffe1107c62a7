// Package epoch implements epoch-based reclamation for descriptor reuse.
//
// A global epoch counter advances every time an item is retired. Each active
// participant publishes the epoch it observed when it entered its guard; the
// minimum published epoch bounds what any participant may still be looking
// at. An item retired at epoch R may be reused once every published epoch is
// strictly greater than R.
//
// Participants occupy one of a fixed number of slots (the pool's thread
// count). Claiming and releasing a slot is a single CAS/store, so entering a
// guard never takes a lock.
//
// Reclamation is advisory: Reclaim hands back whatever is safe right now and
// leaves the rest deferred. Nothing ever waits for it.
package epoch

import (
	"errors"
	"math"
	"sync/atomic"
)

// Epoch is a value of the global epoch counter.
type Epoch uint64

// Vacant marks a participant slot with no active guard. It compares greater
// than every real epoch, so vacant slots never hold back reclamation.
const Vacant Epoch = math.MaxUint64

// ErrNoParticipantSlot is returned by Protect when every slot is in use.
var ErrNoParticipantSlot = errors.New("epoch: all participant slots are in use")

// slot is one participant record, padded to a cache line so that guards
// entered by different goroutines do not share lines.
type slot struct {
	protected atomic.Uint64
	_         [56]byte
}

// Manager tracks the global epoch and the per-participant protected epochs.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	global atomic.Uint64
	hint   atomic.Uint64
	slots  []slot

	deferred retireList
}

// NewManager creates a manager with threadCount participant slots.
// threadCount is clamped to at least 1.
func NewManager(threadCount int) *Manager {
	if threadCount < 1 {
		threadCount = 1
	}
	m := &Manager{slots: make([]slot, threadCount)}
	for i := range m.slots {
		m.slots[i].protected.Store(uint64(Vacant))
	}
	// Epoch 0 is never published so a zero-valued stamp is always "old".
	m.global.Store(1)
	return m
}

// Current returns the current global epoch.
func (m *Manager) Current() Epoch {
	return Epoch(m.global.Load())
}

// Advance bumps the global epoch and returns the epoch that was current
// before the bump.
func (m *Manager) Advance() Epoch {
	return Epoch(m.global.Add(1) - 1)
}

// Protect enters a guard, publishing the current epoch in a vacant slot.
//
// Algorithm:
//  1. Read the global epoch E
//  2. Starting at a rotating hint, CAS the first vacant slot from Vacant to E
//  3. Return ErrNoParticipantSlot if a full sweep finds no vacant slot
//
// Publishing a stale E is safe: it is never larger than the true epoch, so
// it can only delay reclamation.
func (m *Manager) Protect() (*Guard, error) {
	e := m.global.Load()
	n := uint64(len(m.slots))
	start := m.hint.Add(1)
	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n
		if m.slots[idx].protected.CompareAndSwap(uint64(Vacant), e) {
			return &Guard{m: m, idx: int(idx), epoch: Epoch(e)}, nil
		}
	}
	return nil, ErrNoParticipantSlot
}

// MinProtected returns the smallest epoch published by any active guard, or
// Vacant if no guard is active.
func (m *Manager) MinProtected() Epoch {
	lowest := uint64(Vacant)
	for i := range m.slots {
		if e := m.slots[i].protected.Load(); e < lowest {
			lowest = e
		}
	}
	return Epoch(lowest)
}

// ActiveParticipants returns the number of slots currently holding a guard.
func (m *Manager) ActiveParticipants() int {
	n := 0
	for i := range m.slots {
		if Epoch(m.slots[i].protected.Load()) != Vacant {
			n++
		}
	}
	return n
}

// Capacity returns the number of participant slots.
func (m *Manager) Capacity() int {
	return len(m.slots)
}

// Retire defers item until no active guard could still observe it. The item
// is stamped with the current epoch and the global epoch is advanced.
func (m *Manager) Retire(item uint64) {
	stamp := m.Advance()
	m.deferred.push(&retired{item: item, epoch: stamp})
}

// Reclaim passes every deferred item retired strictly before MinProtected to
// free and returns how many were released. Items that are not yet safe stay
// deferred.
//
// Concurrent Reclaim calls each process a disjoint batch.
func (m *Manager) Reclaim(free func(item uint64)) int {
	batch := m.deferred.takeAll()
	if batch == nil {
		return 0
	}
	safe := m.MinProtected()

	released := 0
	var keepHead, keepTail *retired
	for r := batch; r != nil; {
		next := r.next
		if r.epoch < safe {
			free(r.item)
			released++
		} else {
			r.next = keepHead
			if keepHead == nil {
				keepTail = r
			}
			keepHead = r
		}
		r = next
	}
	if keepHead != nil {
		m.deferred.pushChain(keepHead, keepTail)
	}
	return released
}

// Deferred returns the number of items waiting for reclamation. It walks the
// list and is meant for diagnostics.
func (m *Manager) Deferred() int {
	return m.deferred.len()
}
