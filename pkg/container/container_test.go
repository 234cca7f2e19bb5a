package container

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pssync/pkg/cluster"
	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

// fakeTransport records outbound envelopes instead of delivering them,
// so tests drive the inbound side by hand through Accept.
type fakeTransport struct {
	mu   sync.Mutex
	sent []*message.Envelope
	fail bool
}

func (f *fakeTransport) Send(env *message.Envelope, dst []types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("wire down")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestContainer(t *testing.T, cfg Config, tr Transport) *Container {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "kv0"
	}
	if cfg.Node == "" {
		cfg.Node = "w0"
	}
	if cfg.Group == nil {
		cfg.Group = cluster.NewStaticGroup("servers", []types.NodeID{"s0", "s1"})
	}
	c, err := New(cfg, tr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func ack(c *Container, kind message.Kind, t types.Timestamp, sender types.NodeID) {
	c.Accept(&message.Envelope{Header: message.Header{
		Kind:   kind,
		Time:   t,
		Sender: sender,
		App:    c.Name(),
	}})
}

func TestTimestampsStrictlyIncreasing(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestContainer(t, Config{}, tr)

	var prev types.Timestamp
	for i := 0; i < 10; i++ {
		ts, err := c.Push([]types.Key{1}, []byte{0xab}, Options{})
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if ts <= prev {
			t.Fatalf("timestamp not increasing: %d after %d", ts, prev)
		}
		prev = ts
	}
	if tr.count() != 10 {
		t.Fatalf("expected 10 sends, got %d", tr.count())
	}
}

func TestPushCompletesOnlyAfterAllAcks(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	ts, err := c.Push([]types.Key{1, 3}, []byte{1, 2, 3, 4}, Options{})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait(ts) }()

	ack(c, message.KindReplyPush, ts, "s0")
	select {
	case <-done:
		t.Fatal("Wait returned after one of two acks")
	case <-time.After(20 * time.Millisecond):
	}

	ack(c, message.KindReplyPush, ts, "s1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after final ack")
	}

	// Wait after completion returns immediately.
	if err := c.Wait(ts); err != nil {
		t.Fatalf("Wait after completion failed: %v", err)
	}
}

func TestPullFillsBufferInKeyOrder(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	out := make([]byte, 4) // 2 keys, stride 2
	ts, err := c.Pull([]types.Key{1, 3}, out, Options{})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	// Each server shard replies for its own key, out of key order.
	c.Accept(&message.Envelope{
		Header: message.Header{Kind: message.KindReplyPull, Time: ts, Sender: "s1", App: c.Name()},
		Keys:   []types.Key{3},
		Vals:   []byte{0x31, 0x32},
	})
	c.Accept(&message.Envelope{
		Header: message.Header{Kind: message.KindReplyPull, Time: ts, Sender: "s0", App: c.Name()},
		Keys:   []types.Key{1},
		Vals:   []byte{0x11, 0x12},
	})

	if err := c.Wait(ts); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	want := []byte{0x11, 0x12, 0x31, 0x32}
	for i, b := range want {
		if out[i] != b {
			t.Fatalf("out = %x, want %x", out, want)
		}
	}
}

func TestCompletedPullBufferIsFrozen(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	out := make([]byte, 2)
	ts, err := c.Pull([]types.Key{1}, out, Options{})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	// Hold a reference like a duplicate reply thread that looked the
	// request up just before another thread completed it.
	c.mu.Lock()
	p := c.pending[ts]
	c.mu.Unlock()

	reply := func(vals []byte) *message.Envelope {
		return &message.Envelope{
			Header: message.Header{Kind: message.KindReplyPull, Time: ts, Sender: "s0", App: c.Name()},
			Keys:   []types.Key{1},
			Vals:   vals,
		}
	}

	c.Accept(reply([]byte{0x11, 0x12}))
	ack(c, message.KindReplyPull, ts, "s1")
	if err := c.Wait(ts); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Once Wait returned the caller owns out again; a straggler merge
	// through the stale reference must not touch it.
	c.mergePullReply(p, reply([]byte{0xde, 0xad}))
	c.Accept(reply([]byte{0xde, 0xad}))

	if out[0] != 0x11 || out[1] != 0x12 {
		t.Fatalf("out = %x, want 1112 after completion", out)
	}
}

func TestLateAndUnknownRepliesAreDropped(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	ts, err := c.Push([]types.Key{1}, []byte{1}, Options{})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	ack(c, message.KindReplyPush, ts, "s0")
	ack(c, message.KindReplyPush, ts, "s1")
	if err := c.Wait(ts); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Duplicate after completion and a never-issued time: both dropped.
	ack(c, message.KindReplyPush, ts, "s1")
	ack(c, message.KindReplyPush, 999, "s0")

	if err := c.Wait(ts); err != nil {
		t.Fatalf("Wait after late replies failed: %v", err)
	}
	if err := c.Wait(999); !errors.Is(err, pserrors.ErrUnknownTime) {
		t.Fatalf("Wait(999) = %v, want ErrUnknownTime", err)
	}
}

func TestPushDelayBudgetBlocks(t *testing.T) {
	c := newTestContainer(t, Config{MaxPushDelay: 1}, &fakeTransport{})

	ts1, err := c.Push([]types.Key{1}, []byte{1}, Options{})
	if err != nil {
		t.Fatalf("first Push failed: %v", err)
	}

	second := make(chan types.Timestamp, 1)
	go func() {
		ts, err := c.Push([]types.Key{2}, []byte{2}, Options{})
		if err != nil {
			t.Errorf("second Push failed: %v", err)
		}
		second <- ts
	}()

	select {
	case <-second:
		t.Fatal("second Push did not block with one unacknowledged push")
	case <-time.After(20 * time.Millisecond):
	}

	ack(c, message.KindReplyPush, ts1, "s0")
	ack(c, message.KindReplyPush, ts1, "s1")

	select {
	case ts2 := <-second:
		if ts2 <= ts1 {
			t.Fatalf("second timestamp %d not after first %d", ts2, ts1)
		}
	case <-time.After(time.Second):
		t.Fatal("second Push still blocked after first completed")
	}
}

func TestSendFailureLeavesNothingPending(t *testing.T) {
	tr := &fakeTransport{fail: true}
	c := newTestContainer(t, Config{MaxPushDelay: 1}, tr)

	_, err := c.Push([]types.Key{1}, []byte{1}, Options{})
	if !errors.Is(err, pserrors.ErrSend) {
		t.Fatalf("Push = %v, want ErrSend", err)
	}

	// The budget slot was released: the next push must not block.
	tr.mu.Lock()
	tr.fail = false
	tr.mu.Unlock()
	ts, err := c.Push([]types.Key{1}, []byte{1}, Options{})
	if err != nil {
		t.Fatalf("Push after failed send: %v", err)
	}
	if ts != 2 {
		t.Fatalf("timestamp = %d, want 2 (times are never reused)", ts)
	}
}

func TestCallbackRunsOnceAndMayIssueRequests(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	fired := make(chan types.Timestamp, 2)
	ts, err := c.Push([]types.Key{1}, []byte{1}, Options{
		Callback: func(done types.Timestamp) {
			// Issuing from the callback must not deadlock.
			if _, err := c.Push([]types.Key{2}, []byte{2}, Options{}); err != nil {
				t.Errorf("Push from callback failed: %v", err)
			}
			fired <- done
		},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	ack(c, message.KindReplyPush, ts, "s0")
	ack(c, message.KindReplyPush, ts, "s1")

	select {
	case done := <-fired:
		if done != ts {
			t.Fatalf("callback got time %d, want %d", done, ts)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case <-fired:
		t.Fatal("callback fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotifyMarksSent(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	ts, err := c.Push([]types.Key{1}, []byte{1}, Options{})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if c.Sent(ts) {
		t.Fatal("request marked sent before Notify")
	}
	c.Notify(message.Header{Kind: message.KindPush, Time: ts, App: c.Name()})
	if !c.Sent(ts) {
		t.Fatal("request not marked sent after Notify")
	}
}

func TestWaitAll(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	ts1, _ := c.Push([]types.Key{1}, []byte{1}, Options{})
	ts2, _ := c.Push([]types.Key{2}, []byte{2}, Options{})

	done := make(chan error, 1)
	go func() { done <- c.WaitAll(0) }()

	ack(c, message.KindReplyPush, ts1, "s0")
	ack(c, message.KindReplyPush, ts1, "s1")
	select {
	case <-done:
		t.Fatal("WaitAll returned with one request outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	ack(c, message.KindReplyPush, ts2, "s0")
	ack(c, message.KindReplyPush, ts2, "s1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitAll failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not unblock")
	}
}

func TestUnsortedKeysRejected(t *testing.T) {
	c := newTestContainer(t, Config{}, &fakeTransport{})

	if _, err := c.Push([]types.Key{3, 1}, []byte{1, 2}, Options{}); !errors.Is(err, pserrors.ErrInvalidArgument) {
		t.Fatalf("Push with unsorted keys = %v, want ErrInvalidArgument", err)
	}
}
