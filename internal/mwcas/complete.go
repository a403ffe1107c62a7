package mwcas

import (
	"fmt"

	"github.com/kolkov/pmwcas/internal/epoch"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

type helpResult int

const (
	helpRetry        helpResult = iota // word may have changed, reload
	helpConflict                       // owned by an undecided operation
	helpInconsistent                   // reference cannot be resolved
)

// owner resolves the descriptor entry a tagged value refers to and checks
// that the entry really targets the word at off.
//
// The caller must hold an epoch guard taken before v was loaded: that keeps
// the owning slot from being reused while its record is read.
func (p *Pool) owner(v word.Value, off pmem.Offset) (record, uint64, int, error) {
	slot, idx := v.Decode()
	if slot >= uint64(p.capacity) {
		return nil, 0, 0, fmt.Errorf("%w: %s at offset %d names slot %d of %d",
			ErrRecoveryInconsistency, v, off, slot, p.capacity)
	}
	rec := p.record(slot)
	if idx >= rec.count() || idx >= p.descCap {
		return nil, 0, 0, fmt.Errorf("%w: %s at offset %d names entry %d of %d",
			ErrRecoveryInconsistency, v, off, idx, rec.count())
	}
	if addr, _, _ := rec.entry(idx); addr != off {
		return nil, 0, 0, fmt.Errorf("%w: %s at offset %d, entry targets offset %d",
			ErrRecoveryInconsistency, v, off, addr)
	}
	return rec, slot, idx, nil
}

// help makes progress on a word tagged by another descriptor.
func (p *Pool) help(w *word.Word, cur word.Value) helpResult {
	off, ok := p.region.Offset(w)
	if !ok {
		return helpInconsistent
	}
	rec, slot, idx, err := p.owner(cur, off)
	if err != nil {
		return helpInconsistent
	}
	switch status := rec.status(); status {
	case StatusUndecided:
		return helpConflict
	case StatusSucceeded, StatusFailed:
		if p.finalizeTagged(w, cur, rec, slot, idx, status) {
			p.helped.Add(1)
			helpedTotal.Inc()
		}
		return helpRetry
	case StatusFree:
		// The owner finished between our load and the status read. Its
		// words were all finalized before Free was written.
		if w.Load() == cur {
			return helpInconsistent
		}
		return helpRetry
	default:
		return helpInconsistent
	}
}

// finalizeTagged replaces the reference cur in w with the value status
// selects. It returns false if w no longer holds cur.
func (p *Pool) finalizeTagged(w *word.Word, cur word.Value, rec record, slot uint64, idx int, status Status) bool {
	// The decision must be durable before any word reflects it.
	p.persistStatus(slot)

	_, oldValue, newValue := rec.entry(idx)
	final := word.Value(oldValue)
	if status == StatusSucceeded {
		final = word.Value(newValue)
	}
	if !w.TryFinalize(cur, final) {
		return false
	}
	p.region.PersistWord(w)
	w.ClearDirty(final | word.DirtyFlag)
	return true
}

// finalizeEntry is the owner's finalization of entry idx. Words this
// descriptor never installed, or that a helper already finalized, are left
// alone apart from flushing a pending Dirty value.
func (p *Pool) finalizeEntry(w *word.Word, slot uint64, idx int, status Status) {
	ref := word.NewRef(slot, idx)
	rec := p.record(slot)
	for {
		cur := w.Load()
		if !cur.IsRef() || !cur.SameRef(ref) {
			if cur.IsDirty() && !cur.IsRef() {
				p.region.PersistWord(w)
				w.ClearDirty(cur)
			}
			return
		}
		if p.finalizeTagged(w, cur, rec, slot, idx, status) {
			return
		}
	}
}

// Read returns the logical value of w: the value an observer sees if every
// in-flight operation is linearized at its decision.
//
// A word owned by an undecided operation reads as that operation's expected
// value. A word owned by a decided operation is finalized first. A clean
// word with a pending Dirty flag is flushed before it is returned.
//
// Read enters and leaves its own epoch guard. A thread already holding one
// uses ReadGuarded or Descriptor.Read instead.
func (p *Pool) Read(w *word.Word) (uint64, error) {
	if _, ok := p.region.Offset(w); !ok {
		return 0, ErrForeignWord
	}
	g, err := p.epoch.Protect()
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return p.read(w)
}

// ReadGuarded is Read under a guard obtained from Protect.
func (p *Pool) ReadGuarded(g *epoch.Guard, w *word.Word) (uint64, error) {
	if !p.owns(g) {
		return 0, ErrInvalidGuard
	}
	return p.read(w)
}

// read resolves w; the caller holds an epoch guard.
func (p *Pool) read(w *word.Word) (uint64, error) {
	off, ok := p.region.Offset(w)
	if !ok {
		return 0, ErrForeignWord
	}
	for {
		cur := w.Load()
		if word.IsCleanPtr(cur) {
			return uint64(cur), nil
		}
		if !cur.IsRef() {
			p.region.PersistWord(w)
			w.ClearDirty(cur)
			return uint64(cur.Clean()), nil
		}

		rec, slot, idx, err := p.owner(cur, off)
		if err != nil {
			return 0, err
		}
		switch status := rec.status(); status {
		case StatusUndecided:
			_, oldValue, _ := rec.entry(idx)
			return oldValue, nil
		case StatusSucceeded, StatusFailed:
			if p.finalizeTagged(w, cur, rec, slot, idx, status) {
				p.helped.Add(1)
				helpedTotal.Inc()
			}
		case StatusFree:
			if w.Load() == cur {
				return 0, fmt.Errorf("%w: %s at offset %d owned by a free slot",
					ErrRecoveryInconsistency, cur, off)
			}
		default:
			return 0, fmt.Errorf("%w: slot %d has status %d", ErrRecoveryInconsistency, slot, status)
		}
	}
}
