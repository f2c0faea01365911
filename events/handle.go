package events

import (
	"context"
	"sync"

	"github.com/ggoodman/eap-bridge-go/internal/logctx"
	"github.com/ggoodman/eap-bridge-go/lease"
)

// State is the position of a subscription in its lifecycle.
type State int

const (
	// StateSubscribed is the active state: the live handler is registered.
	StateSubscribed State = iota
	// StateRecovering means a recoverable consumer is disconnected and its
	// events go to the recovery queue.
	StateRecovering
	// StateDisposed is terminal.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateRecovering:
		return "recovering"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Handle is returned by Subscribe and owns the subscription's registrations.
// All methods are safe for concurrent use.
type Handle struct {
	m       *Manager
	sub     Subscription
	remote  bool
	address string
	logData *logctx.SubscriptionData

	live    *Registration
	persist *Registration
	lease   *lease.Lease

	mu    sync.Mutex
	state State
}

// ID returns the subscription id.
func (h *Handle) ID() string { return h.sub.ID }

// Subscription returns the registered subscription, with its id filled in.
func (h *Handle) Subscription() Subscription { return h.sub }

// QueueAddress returns the recovery queue address, or "" when the
// subscription is not recoverable.
func (h *Handle) QueueAddress() string { return h.address }

// Lease returns the lease of a remote subscription, or nil.
func (h *Handle) Lease() *lease.Lease { return h.lease }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) origin() string {
	if h.remote {
		return "Z"
	}
	return "EAP"
}

func (h *Handle) logContext() context.Context {
	return logctx.WithSubscriptionData(context.Background(), h.logData)
}

// Disconnect swaps the live handler for the persistence handler. It is a
// no-op unless the subscription is recoverable and Subscribed.
func (h *Handle) Disconnect() {
	if h.persist == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateSubscribed {
		return
	}

	key := h.sub.Key
	persist := h.persist
	if !h.m.recovery.TryActivate(h.address, persist) {
		// A persistence handler is already writing to this queue; keep it.
		if existing, ok := h.m.recovery.Active(h.address); ok {
			persist = existing
		}
	}
	h.m.table.Swap(key, h.live, persist)
	h.state = StateRecovering
	if h.lease != nil {
		h.lease.Suspend()
	}

	h.m.log.InfoContext(h.logContext(), "Z subscribe event["+h.sub.Filter.String()+"] for recovering", "queue", h.address)
}

// RecoverComplete restores the live handler after the consumer reconnected
// and drained its queue. It is a no-op unless the subscription is Recovering.
func (h *Handle) RecoverComplete() {
	if h.persist == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRecovering {
		return
	}

	key := h.sub.Key
	if persist, ok := h.m.recovery.TryRetire(h.address); ok {
		h.m.table.Swap(key, persist, h.live)
	} else {
		h.m.table.Add(key, h.live)
	}
	h.state = StateSubscribed
	if h.lease != nil {
		h.lease.Resume()
	}

	h.m.log.InfoContext(h.logContext(), "Z recover completely event["+h.sub.Filter.String()+"]")
}

// Dispose unregisters the subscription. The lease sponsor is released first
// so renewal cannot race the teardown. Calling Dispose again is a no-op.
func (h *Handle) Dispose() {
	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return
	}
	h.state = StateDisposed
	if h.lease != nil {
		h.lease.Release()
	}

	key := h.sub.Key
	h.m.table.Remove(key, h.live)
	if h.persist != nil {
		if persist, ok := h.m.recovery.TryRetire(h.address); ok {
			h.m.table.Remove(key, persist)
		}
		h.m.table.Remove(key, h.persist)
	}
	h.mu.Unlock()

	h.m.forget(h.sub.ID)
	h.m.log.InfoContext(h.logContext(), h.origin()+" unsubscribe event "+h.sub.Filter.String())
}
