// Package filter transforms envelope payloads before send and after
// receive. Filters are pure and invertible: Decode(Encode(x)) = x.
package filter

import (
	"fmt"

	"pssync/pkg/message"
)

type Filter interface {
	Encode(env *message.Envelope) error
	Decode(env *message.Envelope) error
}

// Chain applies filters in order on encode and in reverse order on
// decode, so nesting stays invertible.
type Chain []Filter

func (c Chain) Encode(env *message.Envelope) error {
	for _, f := range c {
		if err := f.Encode(env); err != nil {
			return fmt.Errorf("filter encode: %w", err)
		}
	}
	return nil
}

func (c Chain) Decode(env *message.Envelope) error {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Decode(env); err != nil {
			return fmt.Errorf("filter decode: %w", err)
		}
	}
	return nil
}
