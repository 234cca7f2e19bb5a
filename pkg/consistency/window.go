// Package consistency implements bounded-staleness backpressure: a cap
// on how many unacknowledged push or pull epochs a participant may have
// in flight.
package consistency

import "sync"

// Unbounded disables the staleness bound; Acquire never blocks.
const Unbounded = 0

// Window enforces a maximum number of outstanding epochs. Acquiring a
// slot while the window is full blocks the issuing thread until an older
// epoch drains, instead of failing. The boundary is exact: a budget of N
// allows N outstanding epochs, and the N+1st Acquire blocks.
type Window struct {
	mu       sync.Mutex
	cond     *sync.Cond
	budget   int
	inFlight int
}

func NewWindow(budget int) *Window {
	w := &Window{budget: budget}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Acquire claims a slot for a new epoch, blocking while the number of
// outstanding epochs has reached the budget.
func (w *Window) Acquire() {
	if w.budget <= Unbounded {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inFlight >= w.budget {
		w.cond.Wait()
	}
	w.inFlight++
}

// Release returns a slot once its epoch completed (or was rolled back).
func (w *Window) Release() {
	if w.budget <= Unbounded {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	w.cond.Broadcast()
}

// InFlight reports the number of outstanding epochs.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}
