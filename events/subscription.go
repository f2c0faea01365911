package events

import (
	"context"
	"fmt"

	"github.com/ggoodman/eap-bridge-go/secs"
)

// Handler consumes matched messages. The message carries the filter's event
// name. Handlers may be invoked concurrently, including re-entrantly.
type Handler interface {
	Handle(ctx context.Context, msg *secs.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *secs.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *secs.Message) error { return f(ctx, msg) }

// Proxy is a Handler that forwards to a consumer in another process. Ping
// is used as the consumer's lease sponsor.
type Proxy interface {
	Handler
	Ping(ctx context.Context) error
}

type proxy struct {
	handle HandlerFunc
	ping   func(ctx context.Context) error
}

func (p proxy) Handle(ctx context.Context, msg *secs.Message) error { return p.handle(ctx, msg) }

func (p proxy) Ping(ctx context.Context) error { return p.ping(ctx) }

// NewProxy builds a Proxy from a delivery function and a liveness check.
// A nil ping always succeeds.
func NewProxy(handle HandlerFunc, ping func(ctx context.Context) error) Proxy {
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}
	return proxy{handle: handle, ping: ping}
}

// Subscription describes one registration of interest. It is passed by value
// and never modified by the Manager.
type Subscription struct {
	// ID is assigned by Subscribe when empty.
	ID      string
	Key     secs.Key
	Filter  Filter
	Handler Handler
	// ClientAddress locates a remote consumer's recovery queue. Required for
	// recoverable remote subscriptions.
	ClientAddress string
	// Recoverable remote subscriptions persist events while disconnected.
	// Ignored for local handlers.
	Recoverable bool
}

// IsRemote reports whether the handler lives in another process.
func (s Subscription) IsRemote() bool {
	_, ok := s.Handler.(Proxy)
	return ok
}

// Validate checks the subscription without registering anything.
func (s Subscription) Validate() error {
	if !s.Key.Valid() {
		return fmt.Errorf("%w: malformed type key %d", ErrInvalidSubscription, int32(s.Key))
	}
	if s.Filter.Eval == nil {
		return fmt.Errorf("%w: %s has an empty filter", ErrInvalidSubscription, s.Key)
	}
	if s.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidSubscription, s.Key)
	}
	if s.Recoverable && s.IsRemote() && s.ClientAddress == "" {
		return fmt.Errorf("%w: recoverable subscription to %s needs a client address", ErrInvalidSubscription, s.Key)
	}
	return nil
}
