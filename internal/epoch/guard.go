package epoch

import "sync/atomic"

// Guard is a scoped epoch protection. While it is held, descriptors and
// tagged words observed by the holder will not be recycled.
//
// Example:
//
//	g, err := m.Protect()
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
type Guard struct {
	m        *Manager
	idx      int
	epoch    Epoch
	released atomic.Bool
}

// Epoch returns the epoch published when the guard was entered.
func (g *Guard) Epoch() Epoch {
	return g.epoch
}

// Slot returns the participant slot index held by the guard.
func (g *Guard) Slot() int {
	return g.idx
}

// Release exits the guard and frees its slot. Releasing twice is a no-op.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.m.slots[g.idx].protected.Store(uint64(Vacant))
}

// Manager returns the manager the guard was entered on.
func (g *Guard) Manager() *Manager {
	return g.m
}

// Active reports whether the guard has not been released.
func (g *Guard) Active() bool {
	return g != nil && !g.released.Load()
}
