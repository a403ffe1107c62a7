package mwcas

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

const (
	testRegionSize = 1 << 20
	testWords      = 64
)

func testOptions() Options {
	return Options{
		Capacity:           16,
		ThreadCount:        8,
		DescriptorCapacity: 4,
		EnableRecovery:     true,
	}
}

// newTestRegion returns a volatile region with a root array of testWords
// target words, all zero.
func newTestRegion(t *testing.T) (*pmem.Region, []word.Word) {
	t.Helper()
	r, err := pmem.NewVolatile(testRegionSize, pmem.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	root, err := r.GetRoot(testWords * 8)
	require.NoError(t, err)
	words, err := r.Words(root, testWords)
	require.NoError(t, err)
	return r, words
}

func newTestPool(t *testing.T, opts Options) (*pmem.Region, *Pool, []word.Word) {
	t.Helper()
	r, words := newTestRegion(t)
	p, _, err := Open(r, opts)
	require.NoError(t, err)
	return r, p, words
}

// reopen models a restart: the old pool is dropped without Close and a new
// one is attached to the same region.
func reopen(t *testing.T, r *pmem.Region, opts Options) (*Pool, *RecoveryReport) {
	t.Helper()
	p, report, err := Open(r, opts)
	require.NoError(t, err)
	return p, report
}

// faultOnce abandons the first operation reaching point after skip earlier
// arrivals.
type faultOnce struct {
	point FaultPoint
	skip  int64
	calls atomic.Int64
	fired atomic.Bool
}

func (f *faultOnce) Fault(point FaultPoint, _ uint64) bool {
	if point != f.point || f.fired.Load() {
		return false
	}
	if f.calls.Add(1) <= f.skip {
		return false
	}
	return f.fired.CompareAndSwap(false, true)
}

// mwcas runs a single descriptor over pairs of (word index, expected, new).
func mwcas(t *testing.T, p *Pool, words []word.Word, entries ...[3]uint64) (bool, error) {
	t.Helper()
	d, err := p.AllocateDescriptor()
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, d.AddEntry(&words[e[0]], e[1], e[2]))
	}
	return d.MwCAS()
}

func slotStatus(t *testing.T, p *Pool, slot uint64) Status {
	t.Helper()
	st, err := p.SlotStatus(int(slot))
	require.NoError(t, err)
	return st
}
