package epoch

import "sync/atomic"

// retired is one deferred item with the epoch it was retired in.
type retired struct {
	item  uint64
	epoch Epoch
	next  *retired
}

// retireList is a lock-free stack of retired items.
//
// Only push and take-all are supported, which keeps it free of ABA: a node
// is never popped individually, and the Go allocator never hands out a node
// that is still reachable.
type retireList struct {
	head atomic.Pointer[retired]
}

func (l *retireList) push(r *retired) {
	l.pushChain(r, r)
}

// pushChain pushes an already linked chain first..last in one CAS.
func (l *retireList) pushChain(first, last *retired) {
	for {
		old := l.head.Load()
		last.next = old
		if l.head.CompareAndSwap(old, first) {
			return
		}
	}
}

func (l *retireList) takeAll() *retired {
	return l.head.Swap(nil)
}

func (l *retireList) len() int {
	n := 0
	for r := l.head.Load(); r != nil; r = r.next {
		n++
	}
	return n
}
