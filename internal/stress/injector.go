package stress

import (
	"sync/atomic"

	"github.com/kolkov/pmwcas/internal/mwcas"
)

// Injector abandons operations at protocol steps, modelling threads that die
// mid-operation.
//
// Selection uses a shared arrival counter: every time any operation reaches
// any fault point the counter is bumped, and the arrival fires when the
// counter is a multiple of the rate. Concurrent workers interleave their
// arrivals, so the chosen step varies from fault to fault without an RNG on
// the hot path.
//
// Thread Safety: all methods are safe for concurrent use.
type Injector struct {
	rate     uint64
	tracePos atomic.Uint64

	arrivals [mwcas.NumFaultPoints]atomic.Uint64
	fired    [mwcas.NumFaultPoints]atomic.Uint64
}

// InjectorStats counts fault point arrivals and fired faults per point.
type InjectorStats struct {
	Arrivals [mwcas.NumFaultPoints]uint64
	Fired    [mwcas.NumFaultPoints]uint64
}

// TotalFired returns the number of faults fired at any point.
func (s InjectorStats) TotalFired() uint64 {
	var n uint64
	for _, f := range s.Fired {
		n += f
	}
	return n
}

// NewInjector creates an injector firing at one in rate arrivals. A rate of
// zero never fires.
func NewInjector(rate uint64) *Injector {
	return &Injector{rate: rate}
}

// Fault implements mwcas.FaultInjector.
func (in *Injector) Fault(point mwcas.FaultPoint, _ uint64) bool {
	if in.rate == 0 {
		return false
	}
	in.arrivals[point].Add(1)
	if in.tracePos.Add(1)%in.rate != 0 {
		return false
	}
	in.fired[point].Add(1)
	return true
}

// Enabled reports whether the injector can fire.
func (in *Injector) Enabled() bool {
	return in.rate > 0
}

// Rate returns the configured rate.
func (in *Injector) Rate() uint64 {
	return in.rate
}

// Stats returns a snapshot of the counters.
func (in *Injector) Stats() InjectorStats {
	var s InjectorStats
	for i := range s.Arrivals {
		s.Arrivals[i] = in.arrivals[i].Load()
		s.Fired[i] = in.fired[i].Load()
	}
	return s
}
