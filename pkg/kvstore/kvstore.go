// Package kvstore is the server-facing wrapper: it binds a container to
// user-defined apply/read/init logic over the key segment the server
// owns.
package kvstore

import (
	"fmt"

	"pssync/pkg/container"
	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

// Handle is the pluggable per-key logic of a server. The key/value
// views passed in are only valid for the duration of the call.
type Handle[V message.Value] interface {
	// Init fills the local values of keys seen for the first time.
	Init(keys []types.Key, vals []V)

	// Push folds values received from a worker into the local values.
	Push(keys []types.Key, recv []V, local []V)

	// Pull fills send with the values to return for keys, given the
	// local values.
	Pull(keys []types.Key, local []V, send []V)
}

// Mode selects how key-value pairs are fed into the handle.
type Mode int

const (
	// Online feeds one key at a time and accepts keys that appear
	// during the run. Lower throughput, associative storage.
	Online Mode = iota

	// Batch feeds a whole request at once and requires the key set to
	// be closed up front. Higher throughput, contiguous storage.
	Batch
)

// Config carries the store-specific knobs on top of the container ones.
type Config struct {
	// ID is the identity shared with the worker-side caches. Negative
	// values are reserved.
	ID int

	Mode Mode

	// ValLen is the number of values stored per key.
	ValLen int

	// BatchKeys is the closed key set, required in Batch mode.
	BatchKeys []types.Key

	Container container.Config
}

type KVStore[V message.Value] struct {
	cfg     Config
	handle  Handle[V]
	storage storage[V]
	c       *container.Container
}

func New[V message.Value](cfg Config, h Handle[V], tr container.Transport) (*KVStore[V], error) {
	if cfg.ID < 0 {
		return nil, fmt.Errorf("kvstore: negative ids are reserved: %w", pserrors.ErrInvalidArgument)
	}
	if cfg.ValLen <= 0 {
		cfg.ValLen = 1
	}
	if h == nil {
		return nil, fmt.Errorf("kvstore: handle required: %w", pserrors.ErrInvalidArgument)
	}
	if cfg.Container.Name == "" {
		cfg.Container.Name = fmt.Sprintf("kv%d", cfg.ID)
	}

	s := &KVStore[V]{cfg: cfg, handle: h}
	switch cfg.Mode {
	case Online:
		s.storage = newOnlineStorage[V](cfg.ValLen)
	case Batch:
		st, err := newBatchStorage(cfg.BatchKeys, cfg.ValLen, func(k types.Key, vals []V) {
			h.Init([]types.Key{k}, vals)
		})
		if err != nil {
			return nil, err
		}
		s.storage = st
	default:
		return nil, fmt.Errorf("kvstore: unknown mode %d: %w", cfg.Mode, pserrors.ErrInvalidArgument)
	}

	c, err := container.New(cfg.Container, tr)
	if err != nil {
		return nil, err
	}
	c.SetProcessor(s)
	s.c = c
	return s, nil
}

func (s *KVStore[V]) Container() *container.Container { return s.c }

func (s *KVStore[V]) Close() { s.c.Close() }

// Value reads the current local values of one key. Mainly for tests and
// inspection. In Batch mode a key outside the closed set reports false;
// in Online mode an unseen key is initialized through the handle first.
func (s *KVStore[V]) Value(k types.Key) ([]V, bool) {
	dst := make([]V, s.cfg.ValLen)
	if !s.storage.load(k, dst, s.initSlot) {
		return nil, false
	}
	return dst, true
}

// Process implements container.Processor: it applies a remote push or
// answers a remote pull for the keys this server owns.
func (s *KVStore[V]) Process(env *message.Envelope) ([]types.Key, []byte, error) {
	switch env.Kind {
	case message.KindPush:
		if err := s.applyPush(env); err != nil {
			return nil, nil, err
		}
		// A push acknowledgment carries no payload.
		return nil, nil, nil
	case message.KindPull:
		return s.answerPull(env)
	}
	return nil, nil, fmt.Errorf("unexpected request kind %s: %w", env.Kind, pserrors.ErrInvalidArgument)
}

func (s *KVStore[V]) applyPush(env *message.Envelope) error {
	keys, recv, err := s.ownedSlice(env)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	local := make([]V, len(keys)*s.cfg.ValLen)
	s.gather(keys, local)

	switch s.cfg.Mode {
	case Batch:
		s.handle.Push(keys, recv, local)
	default:
		stride := len(recv) / len(keys)
		for i, k := range keys {
			s.handle.Push([]types.Key{k},
				recv[i*stride:(i+1)*stride],
				local[i*s.cfg.ValLen:(i+1)*s.cfg.ValLen])
		}
	}

	s.scatter(keys, local)
	return nil
}

func (s *KVStore[V]) answerPull(env *message.Envelope) ([]types.Key, []byte, error) {
	keys := s.ownedKeys(env.Keys)
	if len(keys) == 0 {
		return nil, nil, nil
	}

	local := make([]V, len(keys)*s.cfg.ValLen)
	s.gather(keys, local)
	send := make([]V, len(keys)*s.cfg.ValLen)

	switch s.cfg.Mode {
	case Batch:
		s.handle.Pull(keys, local, send)
	default:
		for i, k := range keys {
			s.handle.Pull([]types.Key{k},
				local[i*s.cfg.ValLen:(i+1)*s.cfg.ValLen],
				send[i*s.cfg.ValLen:(i+1)*s.cfg.ValLen])
		}
	}

	payload, err := message.EncodeVals(send)
	if err != nil {
		return nil, nil, err
	}
	return keys, payload, nil
}

// ownedKeys filters a request down to the keys inside this server's
// range. Workers address the whole space; each shard answers its part.
func (s *KVStore[V]) ownedKeys(keys []types.Key) []types.Key {
	rng := s.c.Range()
	out := make([]types.Key, 0, len(keys))
	for _, k := range keys {
		if rng.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

// ownedSlice filters a push request to owned keys and decodes the value
// segments belonging to them.
func (s *KVStore[V]) ownedSlice(env *message.Envelope) ([]types.Key, []V, error) {
	if len(env.Keys) == 0 {
		return nil, nil, nil
	}
	width := message.ValSize[V]()
	stride := env.Stride()
	if stride == 0 || stride%width != 0 {
		return nil, nil, fmt.Errorf("push stride %d not a multiple of value size %d: %w",
			stride, width, pserrors.ErrInvalidArgument)
	}
	perKey := stride / width
	if perKey != s.cfg.ValLen {
		return nil, nil, fmt.Errorf("push carries %d values per key, store holds %d: %w",
			perKey, s.cfg.ValLen, pserrors.ErrInvalidArgument)
	}

	rng := s.c.Range()
	keys := make([]types.Key, 0, len(env.Keys))
	var raw []byte
	for i, k := range env.Keys {
		if !rng.Contains(k) {
			continue
		}
		keys = append(keys, k)
		raw = append(raw, env.Vals[i*stride:(i+1)*stride]...)
	}
	recv := make([]V, len(keys)*perKey)
	if err := message.DecodeVals(raw, recv); err != nil {
		return nil, nil, err
	}
	return keys, recv, nil
}

func (s *KVStore[V]) initSlot(k types.Key, vals []V) {
	s.handle.Init([]types.Key{k}, vals)
}

func (s *KVStore[V]) gather(keys []types.Key, local []V) {
	for i, k := range keys {
		s.storage.load(k, local[i*s.cfg.ValLen:(i+1)*s.cfg.ValLen], s.initSlot)
	}
}

func (s *KVStore[V]) scatter(keys []types.Key, local []V) {
	for i, k := range keys {
		s.storage.store(k, local[i*s.cfg.ValLen:(i+1)*s.cfg.ValLen])
	}
}
