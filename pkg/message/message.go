package message

import (
	"fmt"

	"pssync/pkg/types"
)

// Kind tells what an envelope carries. The protocol only ever uses these
// four combinations, so a plain enumeration replaces or-able bit flags.
type Kind uint8

const (
	KindPush Kind = iota + 1
	KindPull
	KindReplyPush
	KindReplyPull
)

func (k Kind) IsReply() bool {
	return k == KindReplyPush || k == KindReplyPull
}

// Reply returns the reply kind matching a request kind.
func (k Kind) Reply() Kind {
	switch k {
	case KindPush:
		return KindReplyPush
	case KindPull:
		return KindReplyPull
	}
	return k
}

func (k Kind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindPull:
		return "pull"
	case KindReplyPush:
		return "reply-push"
	case KindReplyPull:
		return "reply-pull"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Header carries the routing and bookkeeping attributes of an envelope.
// Transports must deliver Kind, Time and Sender unmodified.
type Header struct {
	// ID is a transport-level trace id. It is not part of the protocol.
	ID string `json:"id,omitempty"`

	Kind   Kind            `json:"kind"`
	Time   types.Timestamp `json:"time"`
	Sender types.NodeID    `json:"sender"`

	// App names the container the envelope belongs to. One process may
	// host several containers on one transport endpoint.
	App string `json:"app"`

	// Deps is a happens-after hint: timestamps of requests the sender
	// wants processed before this one. The protocol carries the hint but
	// does not enforce it.
	Deps []types.Timestamp `json:"deps,omitempty"`
}

// Envelope is the unit of communication: a header plus an ordered key
// sequence and an opaque value payload. Keys and Vals are references,
// not copies; a sender using zero-copy buffers must keep them unchanged
// until the request completes.
type Envelope struct {
	Header

	Keys []types.Key `json:"keys,omitempty"`
	Vals []byte      `json:"vals,omitempty"`
}

// Stride returns the number of payload bytes per key, or 0 if the
// envelope carries no keys.
func (e *Envelope) Stride() int {
	if len(e.Keys) == 0 {
		return 0
	}
	return len(e.Vals) / len(e.Keys)
}
