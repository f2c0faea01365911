// Package bridge connects a SECS/GEM engine to the event subscription core.
// Inbound primaries are answered from the message catalog and dispatched to
// subscribers; hosts reach the tool through Send and SendRemote.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/eap-bridge-go/catalog"
	"github.com/ggoodman/eap-bridge-go/events"
	"github.com/ggoodman/eap-bridge-go/internal/logctx"
	"github.com/ggoodman/eap-bridge-go/lease"
	"github.com/ggoodman/eap-bridge-go/queue"
	"github.com/ggoodman/eap-bridge-go/queue/memoryqueue"
	"github.com/ggoodman/eap-bridge-go/queue/redisqueue"
	"github.com/ggoodman/eap-bridge-go/secs"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEngineDisabled is returned by Send while no engine is enabled.
	ErrEngineDisabled = errors.New("SECS/GEM engine is disabled")
	// ErrNotRemotable is returned by SendRemote for messages only the host
	// itself may send.
	ErrNotRemotable = errors.New("message may not be sent by a remote client")
)

var nonRemotable = map[secs.Key]struct{}{
	secs.NewKey(1, 15): {},
	secs.NewKey(1, 17): {},
	secs.NewKey(2, 33): {},
	secs.NewKey(2, 35): {},
	secs.NewKey(2, 37): {},
}

// ConnectionState is the engine's HSMS connection state.
type ConnectionState int

const (
	StateDisabled ConnectionState = iota
	StateConnecting
	StateConnected
	StateSelected
	StateRetry
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSelected:
		return "selected"
	case StateRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Engine sends a primary message to the tool and returns its secondary, or
// nil when none is expected.
type Engine interface {
	Send(ctx context.Context, msg *secs.Message) (*secs.Message, error)
}

// ReplyFunc answers the primary message currently being handled.
type ReplyFunc func(ctx context.Context, reply *secs.Message) error

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger shared by the bridge, its manager and its
// lease supervisor.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithQueue uses q for recoverable events instead of the configured backend.
// The caller keeps ownership of q.
func WithQueue(q queue.Transport) Option {
	return func(b *Bridge) { b.queue = q }
}

// WithCatalog uses a fixed catalog; Config.CatalogFile is then ignored.
func WithCatalog(c *catalog.Catalog) Option {
	return func(b *Bridge) { b.catalog = c }
}

// WithLeaseOptions passes options to the lease supervisor.
func WithLeaseOptions(opts ...lease.Option) Option {
	return func(b *Bridge) { b.leaseOpts = append(b.leaseOpts, opts...) }
}

// Bridge is the equipment side of the host link.
type Bridge struct {
	cfg       Config
	log       *slog.Logger
	queue     queue.Transport
	catalog   *catalog.Catalog
	watcher   *catalog.Watcher
	leaseOpts []lease.Option
	leases    *lease.Supervisor
	manager   *events.Manager
	closers   []io.Closer

	mu     sync.RWMutex
	engine Engine
	state  ConnectionState

	bg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a bridge from cfg. The lease supervisor and catalog watcher
// only run while Run is active.
func New(ctx context.Context, cfg Config, opts ...Option) (*Bridge, error) {
	b := &Bridge{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logctx.Wrap(b.log)

	if b.queue == nil {
		if err := b.openQueue(ctx); err != nil {
			return nil, err
		}
	}

	if b.catalog == nil {
		if cfg.CatalogFile != "" {
			w, err := catalog.NewWatcher(cfg.CatalogFile, catalog.WithLogger(b.log))
			if err != nil {
				b.closeAll()
				return nil, fmt.Errorf("bridge catalog: %w", err)
			}
			b.watcher = w
		} else {
			empty, err := catalog.Compile(catalog.File{ToolID: cfg.ToolID})
			if err != nil {
				b.closeAll()
				return nil, fmt.Errorf("bridge catalog: %w", err)
			}
			b.catalog = empty
		}
	}

	b.leases = lease.NewSupervisor(cfg.Lease, append([]lease.Option{lease.WithLogger(b.log)}, b.leaseOpts...)...)
	b.manager = events.NewManager(b.queue, b.leases, events.WithLogger(b.log))
	return b, nil
}

// NewFromEnv builds a bridge from NewConfigFromEnv.
func NewFromEnv(ctx context.Context, opts ...Option) (*Bridge, error) {
	cfg, err := NewConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

func (b *Bridge) openQueue(ctx context.Context) error {
	switch b.cfg.QueueBackend {
	case "", QueueMemory:
		b.queue = memoryqueue.New()
	case QueueRedis:
		q, err := redisqueue.New(ctx, b.cfg.Redis)
		if err != nil {
			return fmt.Errorf("bridge queue: %w", err)
		}
		b.queue = q
		b.closers = append(b.closers, q)
	case QueueNone:
	default:
		return fmt.Errorf("bridge queue: unknown backend %q", b.cfg.QueueBackend)
	}
	return nil
}

// Manager returns the subscription manager.
func (b *Bridge) Manager() *events.Manager { return b.manager }

// Queue returns the recovery queue, or nil when recoverable subscriptions
// are disabled.
func (b *Bridge) Queue() queue.Transport { return b.queue }

// Catalog returns the current message catalog.
func (b *Bridge) Catalog() *catalog.Catalog {
	if b.watcher != nil {
		return b.watcher.Current()
	}
	return b.catalog
}

func (b *Bridge) connContext(ctx context.Context, state ConnectionState) context.Context {
	return logctx.WithConnectionData(ctx, &logctx.ConnectionData{ToolID: b.cfg.ToolID, State: state.String()})
}

// Enable attaches the engine. Send is rejected until it is called.
func (b *Bridge) Enable(e Engine) {
	b.mu.Lock()
	b.engine = e
	if b.state == StateDisabled {
		b.state = StateConnecting
	}
	state := b.state
	b.mu.Unlock()
	b.log.InfoContext(b.connContext(context.Background(), state), "SECS/GEM Start")
}

// Disable detaches the engine.
func (b *Bridge) Disable() {
	b.mu.Lock()
	wasEnabled := b.engine != nil
	b.engine = nil
	b.state = StateDisabled
	b.mu.Unlock()
	if wasEnabled {
		b.log.InfoContext(b.connContext(context.Background(), StateDisabled), "SECS/GEM Stop")
	}
}

// State returns the last connection state reported by the engine.
func (b *Bridge) State() ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// OnConnectionChanged records a connection state change. Entering Selected
// sends an S1F13 link test in the background.
func (b *Bridge) OnConnectionChanged(ctx context.Context, state ConnectionState) {
	b.mu.Lock()
	prev := b.state
	b.state = state
	b.mu.Unlock()

	ctx = b.connContext(ctx, state)
	b.log.InfoContext(ctx, "connection state changed", "from", prev.String(), "to", state.String())
	if state != StateSelected || prev == StateSelected {
		return
	}

	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.linkTestTimeout())
		defer cancel()
		if _, err := b.Send(lctx, b.linkTest()); err != nil {
			b.log.WarnContext(lctx, "link test failed", "error", err)
		}
	}()
}

func (b *Bridge) linkTestTimeout() time.Duration {
	if b.cfg.LinkTestTimeout > 0 {
		return b.cfg.LinkTestTimeout
	}
	return 45 * time.Second
}

func (b *Bridge) linkTest() *secs.Message {
	if m, ok := b.Catalog().Lookup(1, 13); ok {
		m.ReplyExpected = true
		return m
	}
	m := secs.New(1, 13, "TestCommunicationsRequest", secs.L())
	m.ReplyExpected = true
	return m
}

// OnMessageArrived handles a primary message from the engine: it answers
// from the catalog when a reply is expected, then dispatches the message to
// subscribers. It returns the number of registrations dispatched to and
// never fails.
func (b *Bridge) OnMessageArrived(ctx context.Context, msg *secs.Message, reply ReplyFunc) int {
	if msg == nil {
		return 0
	}
	if msg.ReplyExpected && reply != nil {
		b.autoReply(ctx, msg, reply)
	}
	return b.manager.Dispatch(ctx, msg)
}

func (b *Bridge) autoReply(ctx context.Context, msg *secs.Message, reply ReplyFunc) {
	defer func() {
		if p := recover(); p != nil {
			b.log.ErrorContext(ctx, "handle primary SECS message error", "message", msg.String(), "panic", p)
		}
	}()
	r, ok := b.Catalog().Reply(msg)
	if !ok {
		b.log.DebugContext(ctx, "no catalogued reply", "message", msg.String())
		return
	}
	if err := reply(ctx, r); err != nil {
		b.log.WarnContext(ctx, "auto reply failed", "message", msg.String(), "reply", r.String(), "error", err)
	}
}

// Send forwards msg to the tool through the enabled engine.
func (b *Bridge) Send(ctx context.Context, msg *secs.Message) (*secs.Message, error) {
	b.mu.RLock()
	e := b.engine
	b.mu.RUnlock()
	if e == nil {
		return nil, ErrEngineDisabled
	}
	b.log.DebugContext(ctx, "send", "message", msg.String())
	return e.Send(ctx, msg)
}

// SendRemote is Send on behalf of a remote client. Messages reserved to
// the host are rejected with ErrNotRemotable.
func (b *Bridge) SendRemote(ctx context.Context, msg *secs.Message) (*secs.Message, error) {
	if _, reserved := nonRemotable[msg.Key()]; reserved {
		return nil, fmt.Errorf("%w: %s", ErrNotRemotable, msg.Key())
	}
	return b.Send(ctx, msg)
}

// Subscribe registers sub with the manager.
func (b *Bridge) Subscribe(ctx context.Context, sub events.Subscription) (*events.Handle, error) {
	return b.manager.Subscribe(ctx, sub)
}

// SubscribeMessage delivers every SxFy to h under the given event name.
func (b *Bridge) SubscribeMessage(ctx context.Context, stream, function uint8, name string, h events.Handler) (*events.Handle, error) {
	return b.manager.Subscribe(ctx, events.Subscription{
		Key:     secs.NewKey(stream, function),
		Filter:  events.Always(fmt.Sprintf("S%dF%d", stream, function), name),
		Handler: h,
	})
}

// SubscribeEvent subscribes h to a catalog event.
func (b *Bridge) SubscribeEvent(ctx context.Context, name string, h events.Handler) (*events.Handle, error) {
	sub, err := b.Catalog().Subscription(name, h)
	if err != nil {
		return nil, err
	}
	return b.manager.Subscribe(ctx, sub)
}

// Run sweeps leases and, when configured, watches the catalog file until
// ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.leases.Run(gctx) })
	if b.watcher != nil && b.cfg.WatchCatalog {
		g.Go(func() error { return b.watcher.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close disables the engine, disposes every subscription and releases the
// queue backend opened by New.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.Disable()
		b.manager.Close()
		b.bg.Wait()
		err = b.closeAll()
	})
	return err
}

func (b *Bridge) closeAll() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}
