// Package future provides a keyed set of one-shot completion signals,
// one per outstanding logical time.
package future

import (
	"fmt"
	"sync"

	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

type cell struct {
	done chan struct{}
	ok   bool
	set  bool
}

// Pool maps logical times to completion cells. A cell transitions
// pending -> satisfied exactly once; satisfied cells stay readable so a
// late Wait still returns immediately.
//
// Create, Set and Wait may run concurrently for different times;
// operations on one time are linearized by the pool lock.
type Pool struct {
	mu    sync.Mutex
	cells map[types.Timestamp]*cell
}

func NewPool() *Pool {
	return &Pool{cells: make(map[types.Timestamp]*cell)}
}

// Create registers a new pending cell for t.
func (p *Pool) Create(t types.Timestamp) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cells[t]; ok {
		return fmt.Errorf("create %d: %w", t, pserrors.ErrDuplicateTime)
	}
	p.cells[t] = &cell{done: make(chan struct{})}
	return nil
}

// Set marks the cell for t satisfied with the given result and wakes any
// blocked waiter. Setting an unregistered time indicates a protocol bug
// upstream, as does setting the same time twice.
func (p *Pool) Set(t types.Timestamp, ok bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, found := p.cells[t]
	if !found {
		return fmt.Errorf("set %d: %w", t, pserrors.ErrUnknownTime)
	}
	if c.set {
		return fmt.Errorf("set %d: already satisfied: %w", t, pserrors.ErrDuplicateTime)
	}
	c.set = true
	c.ok = ok
	close(c.done)
	return nil
}

// Wait blocks until the cell for t is satisfied and returns its result.
// It does not consume the cell; repeated waits on the same time return
// the same result.
func (p *Pool) Wait(t types.Timestamp) (bool, error) {
	p.mu.Lock()
	c, found := p.cells[t]
	p.mu.Unlock()

	if !found {
		return false, fmt.Errorf("wait %d: %w", t, pserrors.ErrUnknownTime)
	}
	<-c.done
	return c.ok, nil
}

// Discard drops the cell for t without satisfying it. Used to roll back
// a request whose send never happened. A waiter that already parked on
// the cell is released with a false result rather than left hanging.
func (p *Pool) Discard(t types.Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cells[t]; ok && !c.set {
		c.set = true
		c.ok = false
		close(c.done)
	}
	delete(p.cells, t)
}
