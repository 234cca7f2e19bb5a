// Package container implements the per-participant state machine of the
// synchronization protocol: it assigns logical times to push/pull
// requests, enforces the staleness budget, hands envelopes to the
// transport and folds inbound envelopes back into pending state.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pssync/pkg/aggregate"
	"pssync/pkg/clock"
	"pssync/pkg/cluster"
	"pssync/pkg/consistency"
	"pssync/pkg/filter"
	"pssync/pkg/future"
	"pssync/pkg/listener"
	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

const (
	requestQueueSize  = 1024
	callbackQueueSize = 128
)

// Transport delivers envelopes to a destination set. Sends are
// asynchronous: enqueue success is reported here, actual delivery is
// confirmed later through Notify. The transport owns addressing; the
// container never sees physical addresses.
type Transport interface {
	Send(env *message.Envelope, dst []types.NodeID) error
}

// Processor handles fresh push/pull requests arriving from remote
// peers, returning the keys and payload of the reply envelope. A server
// binds its key-value store here; workers leave it unset.
type Processor interface {
	Process(env *message.Envelope) (keys []types.Key, payload []byte, err error)
}

// Options tune a single Push or Pull.
type Options struct {
	// Deps is a happens-after hint carried to the servers. The caller is
	// responsible for respecting it; the protocol only forwards it.
	Deps []types.Timestamp

	// Callback runs exactly once when the request completes, off the
	// delivery path so it may itself issue new requests.
	Callback func(types.Timestamp)

	// ZeroCopy hands the caller's key and payload slices to the
	// transport without copying. The caller must not mutate or free
	// them until Wait returns or the callback fires.
	ZeroCopy bool
}

// Config describes one protocol participant.
type Config struct {
	// Name routes envelopes between processes; the cache and store
	// sharing one id use the same name.
	Name string

	// Node is the identity of this participant.
	Node types.NodeID

	// Range is the key segment this participant owns. Workers usually
	// hold the whole range.
	Range types.KeyRange

	// Group is the node group outbound requests target.
	Group cluster.Group

	// MaxPushDelay and MaxPullDelay bound how many unacknowledged
	// epochs of each kind may be in flight; 0 means unbounded.
	MaxPushDelay int
	MaxPullDelay int

	// Filters transform payloads before send and after receive.
	Filters filter.Chain
}

// pending is one in-flight request: Issued -> AwaitingAcks -> Completed.
type pending struct {
	kind message.Kind
	keys []types.Key
	win  *consistency.Window
	cb   func(types.Timestamp)
	sent bool

	mu   sync.Mutex
	out  []byte // pull reply assembly, caller-owned
	done bool   // no merges into out once set
}

type Container struct {
	cfg Config
	tr  Transport
	log *slog.Logger

	clk     *clock.Logical
	futures *future.Pool
	agg     *aggregate.Aggregator
	pushWin *consistency.Window
	pullWin *consistency.Window

	mu      sync.Mutex
	pending map[types.Timestamp]*pending
	proc    Processor

	callbacks chan func()
	requests  chan *message.Envelope
	cbWorker  *listener.Listener[func()]
	reqWorker *listener.Listener[*message.Envelope]
	cancel    func()
}

func New(cfg Config, tr Transport) (*Container, error) {
	if cfg.Name == "" || cfg.Node == "" {
		return nil, fmt.Errorf("container: name and node required: %w", pserrors.ErrInvalidArgument)
	}
	if tr == nil {
		return nil, fmt.Errorf("container: transport required: %w", pserrors.ErrInvalidArgument)
	}
	if cfg.Range.Empty() {
		cfg.Range = types.WholeRange()
	}

	c := &Container{
		cfg:       cfg,
		tr:        tr,
		log:       slog.With("container", cfg.Name, "node", cfg.Node),
		clk:       clock.New(),
		futures:   future.NewPool(),
		agg:       aggregate.New(),
		pushWin:   consistency.NewWindow(cfg.MaxPushDelay),
		pullWin:   consistency.NewWindow(cfg.MaxPullDelay),
		pending:   make(map[types.Timestamp]*pending),
		callbacks: make(chan func(), callbackQueueSize),
		requests:  make(chan *message.Envelope, requestQueueSize),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.cbWorker = listener.New(c.callbacks, func(f func()) error {
		f()
		return nil
	})
	c.reqWorker = listener.New(c.requests, c.processRequest)
	c.cbWorker.Start(ctx)
	c.reqWorker.Start(ctx)

	return c, nil
}

func (c *Container) Close() {
	c.cancel()
	c.cbWorker.Stop()
	c.reqWorker.Stop()
}

func (c *Container) Name() string          { return c.cfg.Name }
func (c *Container) Node() types.NodeID    { return c.cfg.Node }
func (c *Container) Range() types.KeyRange { return c.cfg.Range }

// Time returns the current logical time without advancing it.
func (c *Container) Time() types.Timestamp { return c.clk.Val() }

// IncrClock advances the logical clock by delta, letting a caller batch
// several logical updates before synchronizing.
func (c *Container) IncrClock(delta int64) types.Timestamp { return c.clk.Incr(delta) }

// SetProcessor binds the server-side request logic. Must be called
// before the transport starts delivering requests.
func (c *Container) SetProcessor(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proc = p
}

// Push sends keys and their payload to every member of the node group.
// Non-blocking apart from the staleness budget; the returned timestamp
// completes once all members acknowledged.
func (c *Container) Push(keys []types.Key, payload []byte, opts Options) (types.Timestamp, error) {
	return c.issue(message.KindPush, keys, payload, nil, opts)
}

// Pull requests the values for keys from every member of the node
// group. out must be pre-sized to len(keys) times the per-key value
// width; it is filled in place before the request completes.
func (c *Container) Pull(keys []types.Key, out []byte, opts Options) (types.Timestamp, error) {
	return c.issue(message.KindPull, keys, nil, out, opts)
}

func (c *Container) issue(kind message.Kind, keys []types.Key, payload, out []byte, opts Options) (types.Timestamp, error) {
	if !sortedUnique(keys) {
		return 0, fmt.Errorf("%s: keys must be strictly ascending: %w", kind, pserrors.ErrInvalidArgument)
	}
	if len(keys) > 0 && len(payload)%len(keys) != 0 {
		return 0, fmt.Errorf("%s: payload not a multiple of key count: %w", kind, pserrors.ErrInvalidArgument)
	}
	if kind == message.KindPull && len(keys) > 0 && len(out)%len(keys) != 0 {
		return 0, fmt.Errorf("%s: out buffer not a multiple of key count: %w", kind, pserrors.ErrInvalidArgument)
	}

	win := c.pushWin
	if kind == message.KindPull {
		win = c.pullWin
	}

	t := c.clk.Next()

	// Bounded staleness: block here until older epochs drain.
	win.Acquire()

	members := c.members()
	if len(members) == 0 {
		win.Release()
		return 0, fmt.Errorf("%s %d: empty node group: %w", kind, t, pserrors.ErrInvalidArgument)
	}

	if !opts.ZeroCopy {
		keys = append([]types.Key(nil), keys...)
		payload = append([]byte(nil), payload...)
	}

	if err := c.futures.Create(t); err != nil {
		win.Release()
		return 0, err
	}
	if err := c.agg.Add(t, members); err != nil {
		c.futures.Discard(t)
		win.Release()
		return 0, err
	}

	env := &message.Envelope{
		Header: message.Header{
			Kind:   kind,
			Time:   t,
			Sender: c.cfg.Node,
			App:    c.cfg.Name,
			Deps:   opts.Deps,
		},
		Keys: keys,
		Vals: payload,
	}
	if err := c.cfg.Filters.Encode(env); err != nil {
		c.rollback(t, win)
		return 0, fmt.Errorf("%s %d: %w", kind, t, err)
	}

	p := &pending{kind: kind, keys: keys, win: win, cb: opts.Callback, out: out}
	c.mu.Lock()
	c.pending[t] = p
	c.mu.Unlock()

	if err := c.tr.Send(env, members); err != nil {
		// The request never left: deregister so nothing stays pending
		// forever, and surface the failure to the caller.
		c.mu.Lock()
		delete(c.pending, t)
		c.mu.Unlock()
		c.rollback(t, win)
		return 0, fmt.Errorf("%s %d to %v: %w: %v", kind, t, members, pserrors.ErrSend, err)
	}

	c.log.Debug("request issued", "kind", kind.String(), "time", t, "keys", len(keys))
	return t, nil
}

func (c *Container) rollback(t types.Timestamp, win *consistency.Window) {
	c.agg.Delete(t)
	c.futures.Discard(t)
	win.Release()
}

func (c *Container) members() []types.NodeID {
	if c.cfg.Group == nil {
		return nil
	}
	return c.cfg.Group.Members()
}

// Wait blocks until the request issued at time t completed. Waiting on
// a time this container never issued is a caller error.
func (c *Container) Wait(t types.Timestamp) error {
	_, err := c.futures.Wait(t)
	return err
}

// WaitAll blocks until every request issued at or before time t
// completed. t <= 0 means the current clock value.
func (c *Container) WaitAll(t types.Timestamp) error {
	if t <= 0 {
		t = c.clk.Val()
	}
	c.mu.Lock()
	outstanding := make([]types.Timestamp, 0, len(c.pending))
	for ts := range c.pending {
		if ts <= t {
			outstanding = append(outstanding, ts)
		}
	}
	c.mu.Unlock()

	for _, ts := range outstanding {
		if err := c.Wait(ts); err != nil {
			return err
		}
	}
	return nil
}

// Accept is invoked by the transport on every inbound envelope, from
// its delivery threads. Replies feed the aggregator; fresh requests are
// queued for the bound processor.
func (c *Container) Accept(env *message.Envelope) {
	if err := c.cfg.Filters.Decode(env); err != nil {
		c.log.Warn("dropping undecodable envelope", "kind", env.Kind.String(), "time", env.Time, "error", err)
		return
	}

	if env.Kind.IsReply() {
		c.acceptReply(env)
		return
	}

	select {
	case c.requests <- env:
	default:
		c.log.Warn("request queue full, dropping envelope",
			"kind", env.Kind.String(), "time", env.Time, "sender", env.Sender)
	}
}

func (c *Container) acceptReply(env *message.Envelope) {
	t := env.Time

	c.mu.Lock()
	p := c.pending[t]
	c.mu.Unlock()
	if p == nil {
		// Late or duplicate reply after completion, or a time this
		// process never issued. Expected under unordered delivery.
		c.log.Debug("dropping late reply", "time", t, "sender", env.Sender)
		return
	}

	if env.Kind == message.KindReplyPull {
		c.mergePullReply(p, env)
	}

	c.agg.Insert(t, env.Sender)
	if !c.agg.Success(t) {
		return
	}

	// Several delivery threads may observe success for the same time;
	// whoever removes the pending entry performs the completion.
	c.mu.Lock()
	p, ok := c.pending[t]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, t)
	c.mu.Unlock()

	// A duplicate reply thread may hold a reference to p from before the
	// map removal; close out the buffer before the caller's Wait can
	// return and read it.
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()

	c.agg.Delete(t)
	p.win.Release()
	if err := c.futures.Set(t, true); err != nil {
		c.log.Error("completion lost", "time", t, "error", err)
	}
	if p.cb != nil {
		cb := p.cb
		c.callbacks <- func() { cb(t) }
	}
	c.log.Debug("request completed", "kind", p.kind.String(), "time", t)
}

// mergePullReply copies a shard's values into the caller's out buffer,
// positioned by the key order of the original request.
func (c *Container) mergePullReply(p *pending, env *message.Envelope) {
	if len(env.Keys) == 0 {
		return
	}
	stride := env.Stride()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.out == nil || stride == 0 {
		return
	}
	if stride*len(p.keys) != len(p.out) {
		c.log.Warn("pull reply stride mismatch",
			"time", env.Time, "sender", env.Sender, "stride", stride, "out", len(p.out))
		return
	}
	for i, k := range env.Keys {
		idx := sort.Search(len(p.keys), func(j int) bool { return p.keys[j] >= k })
		if idx == len(p.keys) || p.keys[idx] != k {
			continue
		}
		copy(p.out[idx*stride:(idx+1)*stride], env.Vals[i*stride:(i+1)*stride])
	}
}

// Notify is invoked by the transport once an outbound envelope left the
// process. Being sent is weaker than being acknowledged; the flag only
// records that the request is out the door.
func (c *Container) Notify(h message.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.pending[h.Time]; p != nil {
		p.sent = true
	}
}

// Sent reports whether the request at time t was handed to the wire.
// False once the request completed.
func (c *Container) Sent(t types.Timestamp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[t]
	return p != nil && p.sent
}

// processRequest runs on the request worker: apply the bound processor
// and send the reply back to the requesting node.
func (c *Container) processRequest(env *message.Envelope) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		c.log.Warn("no processor bound, dropping request",
			"kind", env.Kind.String(), "time", env.Time, "sender", env.Sender)
		return nil
	}

	keys, payload, err := proc.Process(env)
	if err != nil {
		return fmt.Errorf("process %s %d from %s: %w", env.Kind, env.Time, env.Sender, err)
	}

	reply := &message.Envelope{
		Header: message.Header{
			Kind:   env.Kind.Reply(),
			Time:   env.Time,
			Sender: c.cfg.Node,
			App:    env.App,
		},
		Keys: keys,
		Vals: payload,
	}
	if err := c.cfg.Filters.Encode(reply); err != nil {
		return fmt.Errorf("encode reply %d: %w", env.Time, err)
	}
	if err := c.tr.Send(reply, []types.NodeID{env.Sender}); err != nil {
		return fmt.Errorf("reply %d to %s: %w: %v", env.Time, env.Sender, pserrors.ErrSend, err)
	}
	return nil
}

func sortedUnique(keys []types.Key) bool {
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			return false
		}
	}
	return true
}
