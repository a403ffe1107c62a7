package mwcas

import "sync/atomic"

// freeList is a lock-free stack of descriptor slot indices.
//
// The head packs a 32-bit push counter above a 32-bit (index+1), so a head
// that was popped and pushed back between a reader's load and its CAS never
// compares equal (no ABA). Links live in a side array indexed by slot, never
// in persistent memory: free-list membership is rebuilt on every open.
type freeList struct {
	head atomic.Uint64
	next []atomic.Uint32
}

func newFreeList(capacity int) *freeList {
	return &freeList{next: make([]atomic.Uint32, capacity)}
}

func packHead(cnt uint64, top uint32) uint64 { return cnt<<32 | uint64(top) }

// push adds slot idx to the stack.
func (l *freeList) push(idx int) {
	//nolint:gosec // G115: capacity is validated below 2^32-1.
	top := uint32(idx) + 1
	for {
		old := l.head.Load()
		l.next[idx].Store(uint32(old))
		if l.head.CompareAndSwap(old, packHead(old>>32+1, top)) {
			return
		}
	}
}

// pop removes and returns a slot index, or -1 if the stack is empty.
func (l *freeList) pop() int {
	for {
		old := l.head.Load()
		top := uint32(old)
		if top == 0 {
			return -1
		}
		next := l.next[top-1].Load()
		if l.head.CompareAndSwap(old, packHead(old>>32+1, next)) {
			return int(top - 1)
		}
	}
}

// len walks the stack. Diagnostics only; the result is approximate under
// concurrent use.
func (l *freeList) len() int {
	n := 0
	for top := uint32(l.head.Load()); top != 0 && n <= len(l.next); top = l.next[top-1].Load() {
		n++
	}
	return n
}
