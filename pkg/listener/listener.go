package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on its own goroutine and feeds each item to
// a handler. The container uses it to run completion callbacks and
// server-side request processing off the transport delivery path, so a
// handler is free to issue new requests without re-entering any
// container lock.
type Listener[T any] struct {
	handler func(input T) error

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](in <-chan T, handler func(T) error) *Listener[T] {
	return &Listener[T]{
		in:      in,
		handler: handler,
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp := <-l.in:
				if err := l.handler(inp); err != nil {
					slog.Error("listener handler failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}
