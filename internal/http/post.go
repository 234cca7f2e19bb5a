package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

// Notifier receives send confirmations once an envelope left the
// process, keyed by app name like receivers are.
type Notifier interface {
	Name() string
	Notify(h message.Header)
}

// Post is the outbound half of the postoffice: it serializes envelopes
// and fans them out to the HTTP endpoints of the destination nodes. It
// implements the container's Transport.
type Post struct {
	client *http.Client

	mu        sync.RWMutex
	peers     map[types.NodeID]string // node -> base URL
	notifiers map[string]Notifier
}

func NewPost(peers map[types.NodeID]string, timeout time.Duration) *Post {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cleaned := make(map[types.NodeID]string, len(peers))
	for id, addr := range peers {
		cleaned[id] = strings.TrimRight(addr, "/")
	}
	return &Post{
		client:    &http.Client{Timeout: timeout},
		peers:     cleaned,
		notifiers: make(map[string]Notifier),
	}
}

// RegisterNotifier subscribes a local container to send confirmations.
func (p *Post) RegisterNotifier(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifiers[n.Name()] = n
}

// AddPeer makes a node addressable. Existing entries are replaced.
func (p *Post) AddPeer(id types.NodeID, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[id] = strings.TrimRight(addr, "/")
}

// Send posts the envelope to every destination node, then confirms the
// send to the issuing container. An unreachable or unknown destination
// fails the whole send; replies that later arrive for a rolled-back
// request are dropped as late.
func (p *Post) Send(env *message.Envelope, dst []types.NodeID) error {
	env.ID = uuid.NewString()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", pserrors.ErrSend, err)
	}

	p.mu.RLock()
	urls := make([]string, 0, len(dst))
	for _, id := range dst {
		addr, ok := p.peers[id]
		if !ok {
			p.mu.RUnlock()
			return fmt.Errorf("%w: unknown node %s", pserrors.ErrSend, id)
		}
		urls = append(urls, addr+"/v1/envelope")
	}
	notifier := p.notifiers[env.App]
	p.mu.RUnlock()

	for _, u := range urls {
		if err := p.post(u, body); err != nil {
			return fmt.Errorf("%w: %s %d to %s: %v", pserrors.ErrSend, env.Kind, env.Time, u, err)
		}
	}

	if notifier != nil {
		notifier.Notify(env.Header)
	}
	return nil
}

func (p *Post) post(url string, body []byte) error {
	resp, err := p.client.Post(url, contentTypeJSON, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
