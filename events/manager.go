package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/eap-bridge-go/internal/logctx"
	"github.com/ggoodman/eap-bridge-go/lease"
	"github.com/ggoodman/eap-bridge-go/queue"
	"github.com/ggoodman/eap-bridge-go/secs"
	"github.com/google/uuid"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Records logged during dispatch carry the
// subscription and message as attribute groups.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithErrorHandler receives every error contained on the dispatch path, in
// addition to it being logged.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// WithTable shares a dispatch table between managers.
func WithTable(t *Table) Option {
	return func(m *Manager) { m.table = t }
}

// WithRecoveryRegistry shares a recovery registry between managers.
func WithRecoveryRegistry(r *RecoveryRegistry) Option {
	return func(m *Manager) { m.recovery = r }
}

// Manager registers subscriptions and dispatches messages to them.
type Manager struct {
	queue    queue.Transport
	leases   *lease.Supervisor
	table    *Table
	recovery *RecoveryRegistry
	log      *slog.Logger
	onError  func(error)

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager creates a manager. q receives events for disconnected
// recoverable consumers and may be nil when none are expected. When leases
// is nil a supervisor with default timing is created; its Run loop is the
// caller's to start (see Leases).
func NewManager(q queue.Transport, leases *lease.Supervisor, opts ...Option) *Manager {
	m := &Manager{
		queue:   q,
		leases:  leases,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.Wrap(m.log)
	if m.leases == nil {
		m.leases = lease.NewSupervisor(lease.Config{}, lease.WithLogger(m.log))
	}
	if m.table == nil {
		m.table = NewTable()
	}
	if m.recovery == nil {
		m.recovery = NewRecoveryRegistry()
	}
	return m
}

// Table returns the dispatch table.
func (m *Manager) Table() *Table { return m.table }

// RecoveryRegistry returns the recovery registry.
func (m *Manager) RecoveryRegistry() *RecoveryRegistry { return m.recovery }

// Leases returns the supervisor holding remote subscription leases.
func (m *Manager) Leases() *lease.Supervisor { return m.leases }

// Subscribe registers sub and returns the handle that releases it. The
// subscription is validated first; on error nothing is registered.
func (m *Manager) Subscribe(ctx context.Context, sub Subscription) (*Handle, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	remote := sub.IsRemote()
	if sub.Recoverable && !remote {
		m.log.DebugContext(ctx, "ignoring recoverable flag on local subscription", "subscription", sub.ID, "event", sub.Filter.String())
		sub.Recoverable = false
	}
	if sub.Recoverable && m.queue == nil {
		return nil, fmt.Errorf("%w: no recovery queue configured for %s", ErrInvalidSubscription, sub.Key)
	}

	h := &Handle{m: m, sub: sub, remote: remote, state: StateSubscribed}
	h.logData = &logctx.SubscriptionData{
		ID:     sub.ID,
		Key:    sub.Key.String(),
		Filter: sub.Filter.String(),
		Client: sub.ClientAddress,
	}
	h.live = NewRegistration(sub.ID, sub.Key, sub.Filter, m.liveHandler(h), m.reportFor(h))
	if sub.Recoverable {
		h.address = queue.Address(sub.ClientAddress, sub.ID)
		h.persist = NewRegistration(sub.ID, sub.Key, sub.Filter, m.persistHandler(h), m.reportFor(h))
	}

	// Held until the live registration is added; Disconnect, Dispose and
	// lease expiry wait on it.
	h.mu.Lock()
	defer h.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, dup := m.handles[sub.ID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidSubscription, sub.ID)
	}
	if remote {
		p := sub.Handler.(Proxy)
		h.lease = m.leases.Register(sub.ID, lease.SponsorFunc(p.Ping), func() {
			ctx := logctx.WithSubscriptionData(context.Background(), h.logData)
			m.log.ErrorContext(ctx, "remote subscription lease expired, disposing", "error", lease.ErrLeaseExpired)
			h.Dispose()
		})
	}
	m.handles[sub.ID] = h
	m.mu.Unlock()

	m.table.Add(sub.Key, h.live)

	m.log.InfoContext(ctx, h.origin()+" subscribe event "+sub.Filter.String(),
		"subscription", sub.ID, "key", sub.Key.String(), "remote", remote, "recoverable", sub.Recoverable)
	return h, nil
}

// Dispatch hands msg to every registration under its key and returns how
// many were started. It never blocks on handlers and never fails.
func (m *Manager) Dispatch(ctx context.Context, msg *secs.Message) int {
	if msg == nil {
		return 0
	}
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Stream: msg.Stream, Function: msg.Function, Name: msg.Name})
	return m.table.Dispatch(ctx, msg)
}

// Disconnect moves the recoverable subscription id into Recovering.
func (m *Manager) Disconnect(id string) error {
	h, err := m.lookup(id)
	if err != nil {
		return err
	}
	h.Disconnect()
	return nil
}

// RecoverComplete moves the recoverable subscription id back to Subscribed.
func (m *Manager) RecoverComplete(id string) error {
	h, err := m.lookup(id)
	if err != nil {
		return err
	}
	h.RecoverComplete()
	return nil
}

// Unsubscribe disposes the subscription id.
func (m *Manager) Unsubscribe(id string) error {
	h, err := m.lookup(id)
	if err != nil {
		return err
	}
	h.Dispose()
	return nil
}

// Handle returns the live handle for id.
func (m *Manager) Handle(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

func (m *Manager) lookup(id string) (*Handle, error) {
	h, ok := m.Handle(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	return h, nil
}

// SubscriptionInfo describes a live subscription.
type SubscriptionInfo struct {
	ID           string   `json:"id"`
	Key          secs.Key `json:"key"`
	Event        string   `json:"event"`
	Description  string   `json:"description"`
	State        State    `json:"state"`
	Remote       bool     `json:"remote"`
	Recoverable  bool     `json:"recoverable"`
	QueueAddress string   `json:"queueAddress,omitempty"`
}

// Subscriptions lists live subscriptions ordered by id.
func (m *Manager) Subscriptions() []SubscriptionInfo {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]SubscriptionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, SubscriptionInfo{
			ID:           h.sub.ID,
			Key:          h.sub.Key,
			Event:        h.sub.Filter.Name,
			Description:  h.sub.Filter.Description,
			State:        h.State(),
			Remote:       h.remote,
			Recoverable:  h.sub.Recoverable,
			QueueAddress: h.address,
		})
	}
	slices.SortFunc(out, func(a, b SubscriptionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Close disposes every subscription and waits for in-flight handlers.
// Subscribe fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Dispose()
	}
	m.table.Wait()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
}

func (m *Manager) liveHandler(h *Handle) HandlerFunc {
	target := "EAP"
	if h.remote {
		target = "Z"
	}
	return func(ctx context.Context, msg *secs.Message) error {
		ctx = logctx.WithSubscriptionData(ctx, h.logData)
		m.log.InfoContext(ctx, "event["+h.sub.Filter.String()+"] >> "+target)
		if h.lease != nil {
			h.lease.Renew()
		}
		return h.sub.Handler.Handle(ctx, msg)
	}
}

func (m *Manager) persistHandler(h *Handle) HandlerFunc {
	return func(ctx context.Context, msg *secs.Message) error {
		ctx = logctx.WithSubscriptionData(ctx, h.logData)
		m.log.InfoContext(ctx, "recoverable event["+h.sub.Filter.String()+"]", "queue", h.address)
		data, err := queue.EncodeRecord(queue.Record{
			SubscriptionID: h.sub.ID,
			Event:          msg.Name,
			Message:        msg,
			EnqueuedAt:     time.Now().UTC(),
		})
		if err == nil {
			_, err = m.queue.Send(ctx, h.address, data)
		}
		if err != nil {
			return &DurablePersistError{SubscriptionID: h.sub.ID, Address: h.address, Event: msg.Name, Err: err}
		}
		return nil
	}
}

func (m *Manager) reportFor(h *Handle) func(context.Context, error) {
	return func(ctx context.Context, err error) {
		ctx = logctx.WithSubscriptionData(ctx, h.logData)
		var dpe *DurablePersistError
		if errors.As(err, &dpe) {
			m.log.ErrorContext(ctx, "recoverable event lost", "queue", dpe.Address, "error", err)
		} else {
			m.log.ErrorContext(ctx, "event["+h.sub.Filter.String()+"] "+h.origin()+" process error", "error", err)
		}
		if m.onError != nil {
			m.onError(err)
		}
	}
}
