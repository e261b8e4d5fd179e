package hub

import (
	"context"
	"sync"
)

type (
	// Sink delivers events to a push transport (WebSocket, Pulse stream).
	// Implementations must be safe for concurrent use and own their wire
	// format.
	Sink interface {
		// Send publishes one event. Delivery failures should be returned,
		// not swallowed; the bridge stops forwarding on the first error.
		Send(ctx context.Context, e Event) error
		// Close releases the sink's resources. Idempotent.
		Close(ctx context.Context) error
	}

	// Bridge subscribes to a hub and forwards every received event into a
	// sink until the context ends, the subscription closes, or a send
	// fails.
	Bridge struct {
		hub  *Hub
		sink Sink
		opts []SubscribeOption

		mu  sync.Mutex
		err error
	}
)

// NewBridge wires a sink to a hub. Run starts forwarding.
func NewBridge(h *Hub, sink Sink, opts ...SubscribeOption) *Bridge {
	return &Bridge{hub: h, sink: sink, opts: opts}
}

// Run forwards events until the context is cancelled, the subscription
// closes, or the sink rejects a send. It returns the terminating error, if
// any, and always closes the sink.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.hub.Subscribe(b.opts...)
	defer b.hub.Unsubscribe(sub)
	defer b.sink.Close(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if err := b.sink.Send(ctx, e); err != nil {
				b.setErr(err)
				return err
			}
		}
	}
}

// Err reports the last send failure.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}
