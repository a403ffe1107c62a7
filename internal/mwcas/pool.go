package mwcas

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kolkov/pmwcas/internal/epoch"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

const (
	// DefaultDescriptorCapacity is the number of entries per descriptor when
	// Options.DescriptorCapacity is zero.
	DefaultDescriptorCapacity = 4

	// maxCapacity bounds the slot count so a free-list link fits 32 bits.
	maxCapacity = 1<<32 - 2

	// reclaimEvery is how many retirements pass between opportunistic
	// reclamation sweeps.
	reclaimEvery = 64
)

// Volatile slot ownership states. They are rebuilt on every open and never
// persisted; the persisted status is the only durable truth.
const (
	slotFree      uint32 = iota // on the free list
	slotExclusive               // allocated, owner installing
	slotDecided                 // status decided, owner finalizing; helpers may read
	slotRetired                 // finished, waiting for epoch clearance
	slotAbandoned               // owner died mid-protocol; resolved only by recovery
	slotStuck                   // non-free in the image and recovery was disabled
)

// Options configure a descriptor pool.
type Options struct {
	// Capacity is the number of descriptor slots.
	Capacity int

	// ThreadCount bounds the number of concurrently active epoch guards.
	// Every in-flight descriptor and every Read holds one.
	ThreadCount int

	// DescriptorCapacity is the maximum number of entries per descriptor.
	DescriptorCapacity int

	// EnableRecovery runs Recovery when the pool is opened.
	EnableRecovery bool

	// CleanupFreeSlots makes recovery zero the entries of free slots.
	CleanupFreeSlots bool

	// Faults, if set, can abandon operations mid-protocol.
	Faults FaultInjector

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) normalize() error {
	if o.DescriptorCapacity == 0 {
		o.DescriptorCapacity = DefaultDescriptorCapacity
	}
	if o.Capacity < 1 || uint64(o.Capacity) > min(word.MaxDescriptors, maxCapacity) {
		return fmt.Errorf("%w: capacity %d", ErrInvalidOptions, o.Capacity)
	}
	if o.ThreadCount < 1 {
		return fmt.Errorf("%w: thread count %d", ErrInvalidOptions, o.ThreadCount)
	}
	if o.DescriptorCapacity < 1 || o.DescriptorCapacity > word.MaxEntries {
		return fmt.Errorf("%w: descriptor capacity %d", ErrInvalidOptions, o.DescriptorCapacity)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Pool is a fixed-capacity persistent array of descriptors.
//
// Slot lifecycle:
//
//	free -> exclusive -> decided -> retired -> (epoch clearance) -> free
//
// Only exclusive and decided slots own target words. A retired slot has
// status Free in the image; it only waits until no guard that might have
// seen its old tags is still active.
//
// Thread Safety: AllocateDescriptor, Read and Stats are safe for concurrent
// use. Recovery must not run concurrently with anything else.
type Pool struct {
	region *pmem.Region
	off    pmem.Offset
	meta   []atomic.Uint64

	capacity    int
	descCap     int
	recWords    int
	recordsBase pmem.Offset

	epoch *epoch.Manager
	free  *freeList
	state []atomic.Uint32

	opts   Options
	logger *slog.Logger

	retires   atomic.Uint64
	exhausted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64
	helped    atomic.Uint64

	closed atomic.Bool
}

// Open attaches a descriptor pool to region, formatting one on first use,
// and runs recovery if opts.EnableRecovery is set.
//
// A recovery that finds inconsistent state returns ErrRecoveryInconsistency
// and no pool: the image is corrupt and must not be used.
func Open(region *pmem.Region, opts Options) (*Pool, *RecoveryReport, error) {
	return OpenContext(context.Background(), region, opts)
}

// OpenContext is Open with a context for the recovery trace span.
func OpenContext(ctx context.Context, region *pmem.Region, opts Options) (*Pool, *RecoveryReport, error) {
	if err := opts.normalize(); err != nil {
		return nil, nil, err
	}

	p := &Pool{
		region:   region,
		capacity: opts.Capacity,
		descCap:  opts.DescriptorCapacity,
		recWords: recordWords(opts.DescriptorCapacity),
		epoch:    epoch.NewManager(opts.ThreadCount),
		free:     newFreeList(opts.Capacity),
		state:    make([]atomic.Uint32, opts.Capacity),
		opts:     opts,
		logger:   opts.Logger.With("component", "mwcas"),
	}
	if err := p.attach(); err != nil {
		return nil, nil, err
	}

	var report *RecoveryReport
	if opts.EnableRecovery {
		var err error
		report, err = p.RecoveryContext(ctx, opts.CleanupFreeSlots)
		if err != nil {
			p.logger.Error("recovery failed, refusing to open pool", "error", err)
			return nil, report, err
		}
	}
	p.rebuildFreeList()
	return p, report, nil
}

// attach locates or formats the pool block in the region.
func (p *Pool) attach() error {
	size := uint64(metaBytes) + uint64(p.capacity)*uint64(p.recWords)*8

	raw, err := p.region.Load(pmem.PoolField)
	if err != nil {
		return err
	}
	p.off = pmem.Offset(raw)
	if p.off == 0 {
		if p.off, err = p.region.Allocate(pmem.PoolField, size); err != nil {
			return fmt.Errorf("mwcas: allocate descriptor pool: %w", err)
		}
	}
	if !p.region.Contains(p.off, size) {
		return fmt.Errorf("%w: pool at %d does not fit %d slots", ErrGeometryMismatch, p.off, p.capacity)
	}
	if p.meta, err = p.region.Uint64s(p.off, metaWords); err != nil {
		return err
	}
	p.recordsBase = p.off + metaBytes

	if p.meta[metaMagic].Load() != poolMagic {
		// Fresh block, or a crash between allocation and formatting: the
		// block is still zeroed, so every slot is already Free.
		p.meta[metaCapacity].Store(uint64(p.capacity))
		p.meta[metaDescCap].Store(uint64(p.descCap))
		p.meta[metaRecordWords].Store(uint64(p.recWords))
		p.region.Persist(p.off, metaBytes)
		p.meta[metaMagic].Store(poolMagic)
		p.region.Persist(p.off, 8)
		p.logger.Info("formatted descriptor pool", "offset", p.off, "capacity", p.capacity,
			"descriptor_capacity", p.descCap)
		return nil
	}

	if c, d := p.meta[metaCapacity].Load(), p.meta[metaDescCap].Load(); c != uint64(p.capacity) || d != uint64(p.descCap) {
		return fmt.Errorf("%w: image has capacity=%d descriptor_capacity=%d, options have %d/%d",
			ErrGeometryMismatch, c, d, p.capacity, p.descCap)
	}
	return nil
}

// rebuildFreeList derives slot state from persisted status: Free slots go on
// the free list, anything else is stuck until a recovery pass.
func (p *Pool) rebuildFreeList() {
	stuck := 0
	for i := p.capacity - 1; i >= 0; i-- {
		if p.record(uint64(i)).status() == StatusFree {
			p.state[i].Store(slotFree)
			p.free.push(i)
		} else {
			p.state[i].Store(slotStuck)
			stuck++
		}
	}
	if stuck > 0 {
		p.logger.Warn("descriptor slots left in flight; recovery was not run", "slots", stuck)
	}
}

// record returns the persisted record of slot idx, which must be below the
// pool capacity. Callers decoding a slot from a word go through owner.
func (p *Pool) record(idx uint64) record {
	off := p.recordsBase + pmem.Offset(idx*uint64(p.recWords)*8)
	rec, _ := p.region.Uint64s(off, p.recWords)
	return rec
}

func (p *Pool) persistRecord(idx uint64) {
	off := p.recordsBase + pmem.Offset(idx*uint64(p.recWords)*8)
	p.region.Persist(off, uint64(p.recWords)*8)
}

func (p *Pool) persistStatus(idx uint64) {
	off := p.recordsBase + pmem.Offset(idx*uint64(p.recWords)*8)
	p.region.Persist(off, 8)
}

// Region returns the region the pool lives in.
func (p *Pool) Region() *pmem.Region { return p.region }

// Epoch returns the pool's epoch manager.
func (p *Pool) Epoch() *epoch.Manager { return p.epoch }

// Capacity returns the number of descriptor slots.
func (p *Pool) Capacity() int { return p.capacity }

// DescriptorCapacity returns the maximum entries per descriptor.
func (p *Pool) DescriptorCapacity() int { return p.descCap }

// Protect enters an epoch guard on the pool. A thread that holds one can
// allocate descriptors and read words under it with AllocateDescriptorGuarded
// and ReadGuarded, so it occupies a single participant slot however many
// operations it runs. The caller releases the guard.
func (p *Pool) Protect() (*epoch.Guard, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	return p.epoch.Protect()
}

// AllocateDescriptor returns an exclusive descriptor with no entries and
// status Undecided. The descriptor holds its own epoch guard until MwCAS or
// Discard.
//
// Algorithm:
//  1. Enter an epoch guard
//  2. Pop a free slot
//  3. If none, reclaim retired slots whose epoch has cleared and pop again
//  4. If still none, return ErrPoolExhausted
//
// Allocation never blocks; callers that want to wait retry.
func (p *Pool) AllocateDescriptor() (*Descriptor, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	g, err := p.epoch.Protect()
	if err != nil {
		return nil, err
	}
	d, err := p.allocate(g, true)
	if err != nil {
		g.Release()
		return nil, err
	}
	return d, nil
}

// AllocateDescriptorGuarded is AllocateDescriptor under a guard the caller
// already holds, from Protect. The guard must stay active until the
// descriptor is consumed; MwCAS and Discard leave it held.
func (p *Pool) AllocateDescriptorGuarded(g *epoch.Guard) (*Descriptor, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if !p.owns(g) {
		return nil, ErrInvalidGuard
	}
	return p.allocate(g, false)
}

func (p *Pool) owns(g *epoch.Guard) bool {
	return g.Active() && g.Manager() == p.epoch
}

func (p *Pool) allocate(g *epoch.Guard, ownGuard bool) (*Descriptor, error) {
	idx := p.free.pop()
	if idx < 0 {
		p.reclaim()
		idx = p.free.pop()
	}
	if idx < 0 {
		n := p.exhausted.Add(1)
		poolExhaustedTotal.Inc()
		if n&(n-1) == 0 {
			p.logger.Warn("descriptor pool exhausted", "capacity", p.capacity, "times", n,
				"deferred", p.epoch.Deferred(), "active_guards", p.epoch.ActiveParticipants())
		}
		return nil, ErrPoolExhausted
	}

	if !p.state[idx].CompareAndSwap(slotFree, slotExclusive) {
		// A slot on the free list is always free; anything else is a bug.
		panic(fmt.Sprintf("mwcas: slot %d popped in state %d", idx, p.state[idx].Load()))
	}

	slot := uint64(idx)
	rec := p.record(slot)
	rec.setCount(0)
	rec.setStatus(StatusUndecided)
	p.persistRecord(slot)

	return &Descriptor{
		pool:     p,
		slot:     slot,
		rec:      rec,
		guard:    g,
		ownGuard: ownGuard,
	}, nil
}

// retire hands a finished slot to epoch reclamation.
func (p *Pool) retire(slot uint64) {
	p.state[slot].Store(slotRetired)
	p.epoch.Retire(slot)
	if p.retires.Add(1)%reclaimEvery == 0 {
		p.reclaim()
	}
}

// reclaim moves every retired slot whose epoch has cleared to the free list.
func (p *Pool) reclaim() int {
	n := p.epoch.Reclaim(func(slot uint64) {
		p.state[slot].Store(slotFree)
		p.free.push(int(slot))
	})
	if n > 0 {
		reclaimedTotal.Add(float64(n))
	}
	return n
}

// Stats is a snapshot of pool counters. Slot counts are derived from the
// volatile state array and are approximate under concurrent use.
type Stats struct {
	Capacity  int
	Free      int
	InFlight  int
	Retired   int
	Abandoned int
	Stuck     int

	Succeeded uint64
	Failed    uint64
	Aborted   uint64
	Exhausted uint64
	Helped    uint64

	Epoch        epoch.Epoch
	ActiveGuards int
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Capacity:     p.capacity,
		Succeeded:    p.succeeded.Load(),
		Failed:       p.failed.Load(),
		Aborted:      p.abandoned.Load(),
		Exhausted:    p.exhausted.Load(),
		Helped:       p.helped.Load(),
		Epoch:        p.epoch.Current(),
		ActiveGuards: p.epoch.ActiveParticipants(),
	}
	for i := range p.state {
		switch p.state[i].Load() {
		case slotFree:
			s.Free++
		case slotExclusive, slotDecided:
			s.InFlight++
		case slotRetired:
			s.Retired++
		case slotAbandoned:
			s.Abandoned++
		case slotStuck:
			s.Stuck++
		}
	}
	return s
}

// SlotStatus returns the persisted status of slot idx.
func (p *Pool) SlotStatus(idx int) (Status, error) {
	if idx < 0 || idx >= p.capacity {
		return StatusFree, fmt.Errorf("%w: %d of %d", ErrSlotOutOfRange, idx, p.capacity)
	}
	return p.record(uint64(idx)).status(), nil
}

// Close stops the pool from handing out descriptors. It does not close the
// region, which the caller owns.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	s := p.Stats()
	p.logger.Info("closed descriptor pool", "succeeded", s.Succeeded, "failed", s.Failed,
		"abandoned", s.Abandoned, "in_flight", s.InFlight)
	return nil
}
