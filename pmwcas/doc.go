/*
Package pmwcas implements a persistent, lock-free multi-word compare-and-swap.

A multi-word CAS (MwCAS) changes several 64-bit words at once: either every
word held its expected value and now holds its new value, or nothing
changed. The words live in a memory-mapped region; after a crash, opening
the pool again with recovery enabled leaves every word at the value of the
last operation that had decided before the crash.

# Quick Start

	region, err := pmwcas.Create("app.pmem", 64<<20, pmwcas.RegionOptions{})
	if err != nil {
		return err
	}
	defer region.Close()

	words, err := pmwcas.Array(region, 1024)
	if err != nil {
		return err
	}
	pool, _, err := pmwcas.Open(region, pmwcas.Options{
		Capacity:       1024,
		ThreadCount:    16,
		EnableRecovery: true,
	})
	if err != nil {
		return err
	}

	d, err := pool.AllocateDescriptor()
	if err != nil {
		return err
	}
	_ = d.AddEntry(&words[0], 0, 1)
	_ = d.AddEntry(&words[1], 0, 1)
	ok, err := d.MwCAS()

# API Overview

  - Regions: [Create], [OpenRegion], [NewVolatileRegion], [Array]
  - Pools: [Open], [Pool.AllocateDescriptor], [Pool.Read], [Pool.Recovery]
  - One guard per thread: [Pool.Protect], [Pool.AllocateDescriptorGuarded],
    [Pool.ReadGuarded], [Descriptor.Read]
  - Operations: [Descriptor.AddEntry], [Descriptor.MwCAS], [Descriptor.Discard]
  - Version information: [GetInfo], [Version], [CheckFormat]

# Reading Words

Target words may transiently hold a reference to the descriptor that owns
them. Always read them with [Pool.Read], which returns the logical value and
helps finish decided operations it meets. Raw loads are only meaningful
while no operation is in flight.

Every Read and every descriptor occupies an epoch participant slot, and
Options.ThreadCount bounds how many are held at once. A thread that reads
the words it is about to change uses one slot for the whole sequence:

	g, err := pool.Protect()
	if err != nil {
		return err
	}
	defer g.Release()

	d, err := pool.AllocateDescriptorGuarded(g)
	if err != nil {
		return err
	}
	v, err := d.Read(&words[0])
	if err != nil {
		_ = d.Discard()
		return err
	}
	_ = d.AddEntry(&words[0], v, v+1)
	ok, err := d.MwCAS()

# Values

The top three bits of every target word are reserved for the protocol.
Application values must fit in the low 61 bits; [IsClean] checks a value.

# Failure and Retry

[Descriptor.MwCAS] returns (false, nil) when a word did not hold its
expected value or was owned by another undecided operation. The library
never retries internally; callers allocate a new descriptor and try again.

# Persistence

The region is mapped MAP_SHARED, so every store survives the death of the
process. With RegionOptions.SyncOnPersist the protocol's flushes also msync
the affected pages, which extends durability to power loss.
*/
package pmwcas
