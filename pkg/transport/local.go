// Package transport provides the in-process postoffice: an envelope
// fabric connecting containers living in one process. It mirrors the
// delivery model of the HTTP adapter (asynchronous, unordered) and is
// what the tests and single-process runs use.
package transport

import (
	"fmt"
	"sync"

	"pssync/pkg/message"
	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

// Receiver is the container-side surface the fabric delivers to.
type Receiver interface {
	Node() types.NodeID
	Name() string
	Accept(env *message.Envelope)
	Notify(h message.Header)
}

// Local routes envelopes between registered receivers. Delivery happens
// on fresh goroutines, so arrival order across envelopes is not
// guaranteed, same as a real network.
type Local struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]map[string]Receiver
}

func NewLocal() *Local {
	return &Local{nodes: make(map[types.NodeID]map[string]Receiver)}
}

func (l *Local) Register(r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	apps := l.nodes[r.Node()]
	if apps == nil {
		apps = make(map[string]Receiver)
		l.nodes[r.Node()] = apps
	}
	apps[r.Name()] = r
}

// Send fans the envelope out to every destination and then notifies the
// sender. Each receiver gets its own shallow copy so payload filters can
// decode without racing each other.
func (l *Local) Send(env *message.Envelope, dst []types.NodeID) error {
	l.mu.RLock()
	receivers := make([]Receiver, 0, len(dst))
	for _, id := range dst {
		r := l.nodes[id][env.App]
		if r == nil {
			l.mu.RUnlock()
			return fmt.Errorf("%w: no receiver for app %q on node %s", pserrors.ErrSend, env.App, id)
		}
		receivers = append(receivers, r)
	}
	sender := l.nodes[env.Sender][env.App]
	l.mu.RUnlock()

	for _, r := range receivers {
		cp := *env
		go r.Accept(&cp)
	}
	if sender != nil {
		sender.Notify(env.Header)
	}
	return nil
}
