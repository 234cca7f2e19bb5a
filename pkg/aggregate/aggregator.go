// Package aggregate tracks partial completion of a request across the
// members of a node group.
package aggregate

import (
	"fmt"
	"sync"

	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

type entry struct {
	mu       sync.Mutex
	expected []types.NodeID
	acked    map[types.NodeID]bool
}

// Aggregator records, per logical time, which members of the targeted
// node group have acknowledged a request. The group membership is
// snapshotted when the request is registered, so membership changes take
// effect on the next request only.
//
// The outer lock only guards the entry map; acknowledgment state is
// coordinated per entry so unrelated epochs never serialize on each
// other.
type Aggregator struct {
	mu      sync.RWMutex
	entries map[types.Timestamp]*entry
}

func New() *Aggregator {
	return &Aggregator{entries: make(map[types.Timestamp]*entry)}
}

// Add registers a request issued at time t targeting the given members.
func (a *Aggregator) Add(t types.Timestamp, members []types.NodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[t]; ok {
		return fmt.Errorf("aggregate add %d: %w", t, pserrors.ErrDuplicateTime)
	}
	a.entries[t] = &entry{
		expected: members,
		acked:    make(map[types.NodeID]bool, len(members)),
	}
	return nil
}

// Insert records an acknowledgment from sender for time t. Replies for
// unknown times are dropped without error: late and duplicate arrivals
// are expected under unordered delivery.
func (a *Aggregator) Insert(t types.Timestamp, sender types.NodeID) {
	a.mu.RLock()
	e := a.entries[t]
	a.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.expected {
		if id == sender {
			e.acked[sender] = true
			return
		}
	}
	// Sender is not part of the targeted group: drop.
}

// Success reports whether every targeted member has acknowledged time t.
// It is false for unknown times.
func (a *Aggregator) Success(t types.Timestamp) bool {
	a.mu.RLock()
	e := a.entries[t]
	a.mu.RUnlock()
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.expected {
		if !e.acked[id] {
			return false
		}
	}
	return true
}

// Delete releases tracking state for time t. Safe to call for times that
// were already deleted.
func (a *Aggregator) Delete(t types.Timestamp) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, t)
}
