package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pssync/pkg/message"
	"pssync/pkg/types"
)

// fakeContainer records accepted envelopes and notifications.
type fakeContainer struct {
	name string

	mu       sync.Mutex
	accepted []*message.Envelope
	notified []message.Header
}

func (f *fakeContainer) Name() string { return f.name }

func (f *fakeContainer) Accept(env *message.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, env)
}

func (f *fakeContainer) Notify(h message.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, h)
}

func (f *fakeContainer) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func newTestServer(t *testing.T, rcv Receiver) *httptest.Server {
	t.Helper()
	s := NewServer("")
	s.Register(rcv)
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentTypeJSON, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	return resp
}

func TestEnvelopeIsRoutedToApp(t *testing.T) {
	fc := &fakeContainer{name: "kv0"}
	ts := newTestServer(t, fc)

	env := message.Envelope{
		Header: message.Header{Kind: message.KindPush, Time: 1, Sender: "w0", App: "kv0"},
		Keys:   []types.Key{1, 3},
		Vals:   []byte{1, 2, 3, 4},
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp := postJSON(t, ts.URL+"/v1/envelope", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if fc.acceptedCount() != 1 {
		t.Fatalf("accepted = %d envelopes, want 1", fc.acceptedCount())
	}

	fc.mu.Lock()
	got := fc.accepted[0]
	fc.mu.Unlock()
	if got.Kind != message.KindPush || got.Time != 1 || got.Sender != "w0" {
		t.Fatalf("header fields mangled in transit: %+v", got.Header)
	}
}

func TestUnknownAppIsRejected(t *testing.T) {
	ts := newTestServer(t, &fakeContainer{name: "kv0"})

	env := message.Envelope{Header: message.Header{Kind: message.KindPush, Time: 1, App: "kv7"}}
	body, _ := json.Marshal(env)

	resp := postJSON(t, ts.URL+"/v1/envelope", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMalformedEnvelopeIsRejected(t *testing.T) {
	ts := newTestServer(t, &fakeContainer{name: "kv0"})

	resp := postJSON(t, ts.URL+"/v1/envelope", []byte("{not json"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeContainer{name: "kv0"})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPostFansOutAndNotifies(t *testing.T) {
	s0 := &fakeContainer{name: "kv0"}
	s1 := &fakeContainer{name: "kv0"}
	ts0 := newTestServer(t, s0)
	ts1 := newTestServer(t, s1)

	sender := &fakeContainer{name: "kv0"}
	post := NewPost(map[types.NodeID]string{
		"s0": ts0.URL,
		"s1": ts1.URL,
	}, time.Second)
	post.RegisterNotifier(sender)

	env := &message.Envelope{
		Header: message.Header{Kind: message.KindPush, Time: 4, Sender: "w0", App: "kv0"},
		Keys:   []types.Key{1},
		Vals:   []byte{0xaa},
	}
	if err := post.Send(env, []types.NodeID{"s0", "s1"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if s0.acceptedCount() != 1 || s1.acceptedCount() != 1 {
		t.Fatalf("fan-out delivered %d/%d envelopes, want 1/1", s0.acceptedCount(), s1.acceptedCount())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.notified) != 1 || sender.notified[0].Time != 4 {
		t.Fatalf("sender notifications = %+v, want one for time 4", sender.notified)
	}
	if env.ID == "" {
		t.Fatal("send did not assign a trace id")
	}
}

func TestPostUnknownNodeFails(t *testing.T) {
	post := NewPost(nil, time.Second)

	env := &message.Envelope{Header: message.Header{Kind: message.KindPush, Time: 1, App: "kv0"}}
	if err := post.Send(env, []types.NodeID{"ghost"}); err == nil {
		t.Fatal("Send to unknown node succeeded")
	}
}
