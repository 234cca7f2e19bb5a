package kvstore

import (
	"pssync/pkg/message"
	"pssync/pkg/types"
)

// AddHandle is the stock aggregation handle: pushed values are added to
// the local values, pulls return them as-is, new keys start at zero.
// The usual choice for gradient-style updates.
type AddHandle[V message.Value] struct{}

func (AddHandle[V]) Init(keys []types.Key, vals []V) {
	for i := range vals {
		vals[i] = 0
	}
}

func (AddHandle[V]) Push(keys []types.Key, recv []V, local []V) {
	for i := range local {
		local[i] += recv[i]
	}
}

func (AddHandle[V]) Pull(keys []types.Key, local []V, send []V) {
	copy(send, local)
}

// AssignHandle overwrites local values with pushed values instead of
// accumulating them.
type AssignHandle[V message.Value] struct{}

func (AssignHandle[V]) Init(keys []types.Key, vals []V) {
	for i := range vals {
		vals[i] = 0
	}
}

func (AssignHandle[V]) Push(keys []types.Key, recv []V, local []V) {
	copy(local, recv)
}

func (AssignHandle[V]) Pull(keys []types.Key, local []V, send []V) {
	copy(send, local)
}
