// Package kvcache is the worker-facing wrapper: typed push/pull of
// key-value pairs against the server group, over one container.
package kvcache

import (
	"fmt"
	"sync"

	"pssync/pkg/container"
	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

// SyncOpts tune a single Push or Pull.
type SyncOpts struct {
	// Deps lists timestamps of requests the servers should process
	// before this one. Carried as a hint, not enforced.
	Deps []types.Timestamp

	// Callback runs once the request completed. For a pull, the output
	// buffer is filled before the callback fires.
	Callback func()

	// ZeroCopy hands the caller's buffers to the transport without
	// copying; the caller must keep them unchanged until Wait returns
	// or the callback is called.
	ZeroCopy bool
}

// Config carries the cache-specific knobs on top of the container ones.
type Config struct {
	// ID finds the matching KVStore at the servers. Negative values
	// are reserved.
	ID int

	Container container.Config
}

type pullBinding[V message.Value] struct {
	buf []byte
	out []V
}

type KVCache[V message.Value] struct {
	cfg Config
	c   *container.Container

	mu    sync.Mutex
	pulls map[types.Timestamp]pullBinding[V]
}

func New[V message.Value](cfg Config, tr container.Transport) (*KVCache[V], error) {
	if cfg.ID < 0 {
		return nil, fmt.Errorf("kvcache: negative ids are reserved: %w", pserrors.ErrInvalidArgument)
	}
	if cfg.Container.Name == "" {
		cfg.Container.Name = fmt.Sprintf("kv%d", cfg.ID)
	}
	c, err := container.New(cfg.Container, tr)
	if err != nil {
		return nil, err
	}
	return &KVCache[V]{
		cfg:   cfg,
		c:     c,
		pulls: make(map[types.Timestamp]pullBinding[V]),
	}, nil
}

func (k *KVCache[V]) Container() *container.Container { return k.c }

func (k *KVCache[V]) Close() { k.c.Close() }

// Push sends key-value pairs to the servers. Non-blocking apart from
// the staleness budget; the push is finished only once Wait on the
// returned timestamp returns or the callback fires. Keys and values are
// copied, so the caller may reuse them immediately.
func (k *KVCache[V]) Push(keys []types.Key, vals []V, opts SyncOpts) (types.Timestamp, error) {
	if len(keys) == 0 || len(vals)%len(keys) != 0 {
		return 0, fmt.Errorf("kvcache push: values not a multiple of keys: %w", pserrors.ErrInvalidArgument)
	}
	payload, err := message.EncodeVals(vals)
	if err != nil {
		return 0, err
	}
	// Encoding already copied the values; only the keys still alias the
	// caller's memory, so let the container copy those.
	o := k.options(opts, nil)
	o.ZeroCopy = false
	return k.c.Push(keys, payload, o)
}

// PushShared is the zero-copy variant: the payload is the caller's
// already-encoded buffer and must stay untouched until completion.
func (k *KVCache[V]) PushShared(keys []types.Key, payload []byte, opts SyncOpts) (types.Timestamp, error) {
	o := k.options(opts, nil)
	o.ZeroCopy = true
	return k.c.Push(keys, payload, o)
}

// Pull requests the newest values for keys. out must be pre-sized to
// len(keys) times the per-key value count; it holds the result after
// Wait on the returned timestamp, or inside the callback.
func (k *KVCache[V]) Pull(keys []types.Key, out []V, opts SyncOpts) (types.Timestamp, error) {
	if len(keys) == 0 || len(out)%len(keys) != 0 {
		return 0, fmt.Errorf("kvcache pull: buffer not a multiple of keys: %w", pserrors.ErrInvalidArgument)
	}
	buf := make([]byte, len(out)*message.ValSize[V]())

	// A completion can race this call; the resolving callback parks on
	// bound until the binding is registered.
	bound := make(chan struct{})
	o := k.options(opts, func(done types.Timestamp) {
		<-bound
		k.resolve(done)
	})

	ts, err := k.c.Pull(keys, buf, o)
	if err != nil {
		close(bound)
		return 0, err
	}
	k.mu.Lock()
	k.pulls[ts] = pullBinding[V]{buf: buf, out: out}
	k.mu.Unlock()
	close(bound)
	return ts, nil
}

// Wait blocks until the request issued at the timestamp completed. For
// pulls the output buffer is decoded before Wait returns.
func (k *KVCache[V]) Wait(ts types.Timestamp) error {
	if err := k.c.Wait(ts); err != nil {
		return err
	}
	k.resolve(ts)
	return nil
}

// IncrClock advances the logical clock by delta without issuing a
// request, letting the caller group updates into one epoch.
func (k *KVCache[V]) IncrClock(delta int64) types.Timestamp {
	return k.c.IncrClock(delta)
}

// resolve decodes a completed pull into its caller buffer, exactly
// once, whichever of Wait or the completion callback gets here first.
func (k *KVCache[V]) resolve(ts types.Timestamp) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.pulls[ts]
	if !ok {
		return
	}
	delete(k.pulls, ts)
	if err := message.DecodeVals(b.buf, b.out); err != nil {
		// Stride mismatch between servers and this cache.
		panic(fmt.Sprintf("kvcache: corrupt pull payload at %d: %v", ts, err))
	}
}

func (k *KVCache[V]) options(opts SyncOpts, pre func(types.Timestamp)) container.Options {
	cb := opts.Callback
	var wrapped func(types.Timestamp)
	if pre != nil || cb != nil {
		wrapped = func(ts types.Timestamp) {
			if pre != nil {
				pre(ts)
			}
			if cb != nil {
				cb()
			}
		}
	}
	return container.Options{
		Deps:     opts.Deps,
		Callback: wrapped,
		ZeroCopy: opts.ZeroCopy,
	}
}
