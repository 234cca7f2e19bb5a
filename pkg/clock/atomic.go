package clock

import (
	"sync/atomic"

	"pssync/pkg/types"
)

// Logical is a monotonically increasing per-container counter. Every
// outbound push or pull is stamped with a fresh value; values are never
// reused.
type Logical struct {
	atomic.Int64
}

func New() *Logical {
	return &Logical{}
}

// Val returns the current time without advancing it.
func (c *Logical) Val() types.Timestamp {
	return types.Timestamp(c.Load())
}

// Next advances the clock by one and returns the new time.
func (c *Logical) Next() types.Timestamp {
	return types.Timestamp(c.Add(1))
}

// Incr advances the clock by delta and returns the new time. Callers use
// it to batch several logical updates before synchronizing.
func (c *Logical) Incr(delta int64) types.Timestamp {
	return types.Timestamp(c.Add(delta))
}
