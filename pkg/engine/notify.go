package engine

import "sync"

// workNotifier is a single-slot, idempotent wake notification: any number of
// Notify calls before a Wait collapse into a single pending wakeup, and
// Notify never blocks. A mutex and a condition variable are sufficient here,
// since the only required semantics are "idempotent notify" and "wake if
// waiting".
type workNotifier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

func newWorkNotifier() *workNotifier {
	n := &workNotifier{}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// Notify records that there is work to do and wakes a waiter, if any.
// Calling Notify repeatedly before the next Wait has no additional effect.
func (n *workNotifier) Notify() {
	n.mu.Lock()
	n.pending = true
	n.mu.Unlock()
	n.cond.Signal()
}

// Wait blocks until a pending notification exists, then consumes it.
func (n *workNotifier) Wait() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for !n.pending {
		n.cond.Wait()
	}
	n.pending = false
}
