package mwcas

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kolkov/pmwcas/internal/word"
)

var tracer = otel.Tracer("github.com/kolkov/pmwcas/internal/mwcas")

// Recovery drives every descriptor left in flight by a crash to a terminal
// state, using nothing but the persisted image:
//
//	Free       skipped (entries zeroed when cleanup is set)
//	Undecided  marked Failed, then rolled back
//	Succeeded  tagged words set to their new values
//	Failed     tagged words set to their expected values
//
// Every visited slot ends Free. Clean target words still carrying a Dirty
// flag are flushed and cleared. Running Recovery again on its own output
// repairs nothing.
//
// Recovery must not run concurrently with any other pool operation; it
// returns ErrPoolBusy if a descriptor is in flight.
func (p *Pool) Recovery(cleanup bool) (*RecoveryReport, error) {
	return p.RecoveryContext(context.Background(), cleanup)
}

// RecoveryContext is Recovery with a context for tracing.
func (p *Pool) RecoveryContext(ctx context.Context, cleanup bool) (*RecoveryReport, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	for i := range p.state {
		if s := p.state[i].Load(); s == slotExclusive || s == slotDecided {
			return nil, ErrPoolBusy
		}
	}

	report, err := p.recover(ctx, cleanup)
	if err != nil {
		return report, err
	}

	// Slots resolved by this pass rejoin the free list.
	for i := range p.state {
		s := p.state[i].Load()
		if (s == slotAbandoned || s == slotStuck) && p.record(uint64(i)).status() == StatusFree {
			p.state[i].Store(slotFree)
			p.free.push(i)
		}
	}
	return report, nil
}

func (p *Pool) recover(ctx context.Context, cleanup bool) (*RecoveryReport, error) {
	_, span := tracer.Start(ctx, "mwcas.Recovery", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	report := &RecoveryReport{Slots: p.capacity}

	for slot := range uint64(p.capacity) {
		if err := p.recoverSlot(slot, cleanup, report); err != nil {
			report.Duration = time.Since(start)
			span.RecordError(err)
			span.SetStatus(codes.Error, "inconsistent pool image")
			p.logger.Error("recovery aborted", "slot", slot, "error", err)
			return report, err
		}
	}
	report.Duration = time.Since(start)

	recoveryDescriptorsTotal.WithLabelValues(actionRolledBack).Add(float64(report.RolledBack))
	recoveryDescriptorsTotal.WithLabelValues(actionRolledForward).Add(float64(report.RolledForward))
	recoveryDescriptorsTotal.WithLabelValues(actionFailedFinalized).Add(float64(report.FailedFinalized))
	recoveryWordsRepaired.Add(float64(report.WordsRepaired))
	recoveryDuration.Observe(report.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("pmwcas.slots", report.Slots),
		attribute.Int("pmwcas.rolled_back", report.RolledBack),
		attribute.Int("pmwcas.rolled_forward", report.RolledForward),
		attribute.Int("pmwcas.words_repaired", report.WordsRepaired),
	)
	p.logger.Info("recovery complete",
		"slots", report.Slots,
		"in_flight", report.InFlight(),
		"rolled_back", report.RolledBack,
		"rolled_forward", report.RolledForward,
		"failed_finalized", report.FailedFinalized,
		"words_repaired", report.WordsRepaired,
		"dirty_cleared", report.DirtyCleared,
		"duration", report.Duration)
	return report, nil
}

func (p *Pool) recoverSlot(slot uint64, cleanup bool, report *RecoveryReport) error {
	rec := p.record(slot)
	status := rec.status()

	switch status {
	case StatusFree:
		report.Free++
		if cleanup && rec.count() != 0 {
			rec.clear()
			p.persistRecord(slot)
		}
		return nil
	case StatusUndecided, StatusSucceeded, StatusFailed:
	default:
		return fmt.Errorf("%w: slot %d has status %d", ErrRecoveryInconsistency, slot, status)
	}

	n := rec.count()
	if n < 0 || n > p.descCap {
		return fmt.Errorf("%w: slot %d has %d entries, capacity %d", ErrRecoveryInconsistency, slot, n, p.descCap)
	}

	switch status {
	case StatusUndecided:
		// Nobody can have observed an undecided operation as complete.
		rec.setStatus(StatusFailed)
		p.persistStatus(slot)
		status = StatusFailed
		report.RolledBack++
	case StatusSucceeded:
		report.RolledForward++
		report.SucceededEntries += n
	case StatusFailed:
		report.FailedFinalized++
	}

	for i := range n {
		if err := p.recoverEntry(rec, slot, i, status, report); err != nil {
			return err
		}
	}

	if cleanup {
		rec.clear()
	}
	rec.setStatus(StatusFree)
	p.persistRecord(slot)
	return nil
}

func (p *Pool) recoverEntry(rec record, slot uint64, i int, status Status, report *RecoveryReport) error {
	addr, oldValue, newValue := rec.entry(i)
	w, err := p.region.WordAt(addr)
	if err != nil {
		return fmt.Errorf("%w: slot %d entry %d: %w", ErrRecoveryInconsistency, slot, i, err)
	}
	if word.CheckValue(oldValue) != nil || word.CheckValue(newValue) != nil {
		return fmt.Errorf("%w: slot %d entry %d holds flagged values", ErrRecoveryInconsistency, slot, i)
	}

	final := word.Value(oldValue)
	if status == StatusSucceeded {
		final = word.Value(newValue)
	}

	cur := w.Load()
	switch {
	case word.IsCleanPtr(cur):
	case cur.IsRef() && cur.SameRef(word.NewRef(slot, i)):
		w.Store(final)
		p.region.PersistWord(w)
		report.WordsRepaired++
	case cur.IsRef():
		// Owned by another slot; it is repaired when that slot is visited,
		// provided the reference is genuine.
		rec2, owner, _, err := p.owner(cur, addr)
		if err != nil {
			return err
		}
		if rec2.status() == StatusFree {
			return fmt.Errorf("%w: %s at offset %d owned by free slot %d",
				ErrRecoveryInconsistency, cur, addr, owner)
		}
	default:
		w.Store(cur.Clean())
		p.region.PersistWord(w)
		report.DirtyCleared++
	}
	return nil
}
