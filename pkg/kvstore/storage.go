package kvstore

import (
	"fmt"
	"sort"

	"github.com/zhangyunhao116/skipmap"

	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

// storage is the per-key value state behind a store. The two variants
// trade flexibility for throughput: onlineStorage accepts keys it has
// never seen, batchStorage is a closed key set over contiguous arrays.
type storage[V message.Value] interface {
	// load copies the local values for key into dst, initializing the
	// slot through init if the key is new. Returns false if the key is
	// outside the storage's key set.
	load(k types.Key, dst []V, init func(k types.Key, vals []V)) bool

	// store writes the local values for key back.
	store(k types.Key, vals []V) bool
}

// onlineStorage keeps values in a concurrent ordered map, so keys may
// appear at any time during a run.
type onlineStorage[V message.Value] struct {
	valLen int
	m      *skipmap.FuncMap[types.Key, []V]
}

func newOnlineStorage[V message.Value](valLen int) *onlineStorage[V] {
	return &onlineStorage[V]{
		valLen: valLen,
		m: skipmap.NewFunc[types.Key, []V](func(a, b types.Key) bool {
			return a < b
		}),
	}
}

func (s *onlineStorage[V]) load(k types.Key, dst []V, init func(types.Key, []V)) bool {
	vals, ok := s.m.Load(k)
	if !ok {
		vals = make([]V, s.valLen)
		if init != nil {
			init(k, vals)
		}
		s.m.Store(k, vals)
	}
	copy(dst, vals)
	return true
}

func (s *onlineStorage[V]) store(k types.Key, vals []V) bool {
	cp := make([]V, len(vals))
	copy(cp, vals)
	s.m.Store(k, cp)
	return true
}

// batchStorage stores a closed, sorted key set in one contiguous value
// array. Lookup is a binary search instead of an associative probe.
type batchStorage[V message.Value] struct {
	valLen int
	keys   []types.Key
	vals   []V
}

func newBatchStorage[V message.Value](keys []types.Key, valLen int, init func(types.Key, []V)) (*batchStorage[V], error) {
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			return nil, fmt.Errorf("batch keys must be strictly ascending: %w", pserrors.ErrInvalidArgument)
		}
	}
	s := &batchStorage[V]{
		valLen: valLen,
		keys:   append([]types.Key(nil), keys...),
		vals:   make([]V, len(keys)*valLen),
	}
	if init != nil {
		for i, k := range s.keys {
			init(k, s.vals[i*valLen:(i+1)*valLen])
		}
	}
	return s, nil
}

func (s *batchStorage[V]) index(k types.Key) (int, bool) {
	i := sort.Search(len(s.keys), func(j int) bool { return s.keys[j] >= k })
	if i == len(s.keys) || s.keys[i] != k {
		return 0, false
	}
	return i, true
}

func (s *batchStorage[V]) load(k types.Key, dst []V, _ func(types.Key, []V)) bool {
	i, ok := s.index(k)
	if !ok {
		return false
	}
	copy(dst, s.vals[i*s.valLen:(i+1)*s.valLen])
	return true
}

func (s *batchStorage[V]) store(k types.Key, vals []V) bool {
	i, ok := s.index(k)
	if !ok {
		return false
	}
	copy(s.vals[i*s.valLen:(i+1)*s.valLen], vals)
	return true
}
