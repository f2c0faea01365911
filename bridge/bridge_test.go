package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/eap-bridge-go/catalog"
	"github.com/ggoodman/eap-bridge-go/events"
	"github.com/ggoodman/eap-bridge-go/queue/memoryqueue"
	"github.com/ggoodman/eap-bridge-go/secs"
)

const testCatalog = `
toolId: ETCH-01
messages:
  - name: TestCommunicationsAcknowledge
    stream: 1
    function: 14
    body: {format: L, items: [{format: B, binary: [0]}, {format: L}]}
  - name: EventReportAcknowledge
    stream: 6
    function: 12
    body: {format: B, binary: [0]}
events:
  - name: LotStarted
    stream: 6
    function: 11
    match:
      - path: [1]
        equals: "1000"
`

type fakeEngine struct {
	mu   sync.Mutex
	sent []*secs.Message
	err  error
}

func (e *fakeEngine) Send(_ context.Context, msg *secs.Message) (*secs.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, msg)
	if e.err != nil {
		return nil, e.err
	}
	return secs.New(msg.Stream, msg.Function+1, "", secs.L()), nil
}

func (e *fakeEngine) sentKeys() []secs.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]secs.Key, len(e.sent))
	for i, m := range e.sent {
		keys[i] = m.Key()
	}
	return keys
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	opts = append([]Option{WithLogger(quiet()), WithCatalog(c)}, opts...)
	b, err := New(context.Background(), Config{ToolID: "ETCH-01", QueueBackend: QueueMemory}, opts...)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMessageArrivedRepliesThenDispatches(t *testing.T) {
	b := newTestBridge(t)
	var got atomic.Value
	if _, err := b.SubscribeEvent(context.Background(), "LotStarted", events.HandlerFunc(func(_ context.Context, msg *secs.Message) error {
		got.Store(msg.Name)
		return nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var replies []*secs.Message
	reply := func(_ context.Context, r *secs.Message) error {
		replies = append(replies, r)
		return nil
	}

	msg := secs.New(6, 11, "", secs.L(secs.U4(1), secs.U4(1000)))
	msg.ReplyExpected = true
	if n := b.OnMessageArrived(context.Background(), msg, reply); n != 1 {
		t.Fatalf("expected one dispatch, got %d", n)
	}
	b.Manager().Table().Wait()

	if len(replies) != 1 || replies[0].Key() != secs.NewKey(6, 12) {
		t.Fatalf("expected S6F12 auto reply, got %v", replies)
	}
	if got.Load() != "LotStarted" {
		t.Fatalf("expected LotStarted delivery, got %v", got.Load())
	}

	// No reply when none is expected, or none is catalogued.
	msg.ReplyExpected = false
	b.OnMessageArrived(context.Background(), msg, reply)
	uncatalogued := secs.New(5, 1, "", secs.L())
	uncatalogued.ReplyExpected = true
	b.OnMessageArrived(context.Background(), uncatalogued, reply)
	b.Manager().Table().Wait()
	if len(replies) != 1 {
		t.Fatalf("unexpected extra replies: %v", replies)
	}
}

func TestMessageArrivedContainsReplyPanics(t *testing.T) {
	b := newTestBridge(t)
	msg := secs.New(1, 13, "", secs.L())
	msg.ReplyExpected = true
	if n := b.OnMessageArrived(context.Background(), msg, func(context.Context, *secs.Message) error { panic("engine gone") }); n != 0 {
		t.Fatalf("unexpected dispatch count %d", n)
	}

	var got atomic.Int32
	if _, err := b.SubscribeMessage(context.Background(), 1, 13, "LinkTest", events.HandlerFunc(func(context.Context, *secs.Message) error {
		got.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.OnMessageArrived(context.Background(), msg, func(context.Context, *secs.Message) error { panic("engine gone") })
	b.Manager().Table().Wait()
	if got.Load() != 1 {
		t.Fatal("a failing reply prevented dispatch")
	}
}

func TestSelectedSendsLinkTest(t *testing.T) {
	b := newTestBridge(t)
	e := &fakeEngine{}
	b.Enable(e)

	b.OnConnectionChanged(context.Background(), StateConnected)
	b.OnConnectionChanged(context.Background(), StateSelected)
	if b.State() != StateSelected {
		t.Fatalf("unexpected state %v", b.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(e.sentKeys()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no link test sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if keys := e.sentKeys(); len(keys) != 1 || keys[0] != secs.NewKey(1, 13) {
		t.Fatalf("expected a single S1F13, got %v", keys)
	}
}

func TestSendRequiresEngine(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.Send(context.Background(), secs.New(1, 1, "", secs.L())); !errors.Is(err, ErrEngineDisabled) {
		t.Fatalf("expected ErrEngineDisabled, got %v", err)
	}

	e := &fakeEngine{}
	b.Enable(e)
	reply, err := b.Send(context.Background(), secs.New(1, 1, "", secs.L()))
	if err != nil || reply.Key() != secs.NewKey(1, 2) {
		t.Fatalf("unexpected send result %v, %v", reply, err)
	}

	b.Disable()
	if _, err := b.Send(context.Background(), secs.New(1, 1, "", secs.L())); !errors.Is(err, ErrEngineDisabled) {
		t.Fatalf("expected ErrEngineDisabled after disable, got %v", err)
	}
}

func TestSendRemoteRejectsHostOnlyMessages(t *testing.T) {
	b := newTestBridge(t)
	e := &fakeEngine{}
	b.Enable(e)

	for _, k := range [][2]uint8{{1, 15}, {1, 17}, {2, 33}, {2, 35}, {2, 37}} {
		if _, err := b.SendRemote(context.Background(), secs.New(k[0], k[1], "", secs.L())); !errors.Is(err, ErrNotRemotable) {
			t.Fatalf("S%dF%d: expected ErrNotRemotable, got %v", k[0], k[1], err)
		}
	}
	if len(e.sentKeys()) != 0 {
		t.Fatal("non-remotable message reached the engine")
	}
	if _, err := b.SendRemote(context.Background(), secs.New(2, 41, "", secs.L())); err != nil {
		t.Fatalf("remote command rejected: %v", err)
	}
}

func TestRecoverableThroughBridge(t *testing.T) {
	q := memoryqueue.New()
	b := newTestBridge(t, WithQueue(q))
	consumer := events.NewProxy(func(context.Context, *secs.Message) error { return nil }, nil)

	h, err := b.Subscribe(context.Background(), events.Subscription{
		Key:           secs.NewKey(6, 11),
		Filter:        events.Always("any report", "Report"),
		Handler:       consumer,
		ClientAddress: "10.1.1.5",
		Recoverable:   true,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Disconnect()
	b.OnMessageArrived(context.Background(), secs.New(6, 11, "", secs.L()), nil)
	b.Manager().Table().Wait()
	if q.Len(h.QueueAddress()) != 1 {
		t.Fatalf("expected one persisted event, got %d", q.Len(h.QueueAddress()))
	}
}

func TestSubscribeMessage(t *testing.T) {
	b := newTestBridge(t)
	var got atomic.Value
	if _, err := b.SubscribeMessage(context.Background(), 5, 1, "ToolAlarm", events.HandlerFunc(func(_ context.Context, msg *secs.Message) error {
		got.Store(msg.Name)
		return nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.OnMessageArrived(context.Background(), secs.New(5, 1, "", secs.L()), nil)
	b.Manager().Table().Wait()
	if got.Load() != "ToolAlarm" {
		t.Fatalf("expected ToolAlarm, got %v", got.Load())
	}
	if _, err := b.SubscribeEvent(context.Background(), "Unknown", events.HandlerFunc(nil)); err == nil {
		t.Fatal("expected unknown catalog event to fail")
	}
}

func TestNewRejectsUnknownQueueBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{QueueBackend: "kafka"}, WithLogger(quiet())); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestQueueBackendNone(t *testing.T) {
	b, err := New(context.Background(), Config{QueueBackend: QueueNone}, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()
	if b.Queue() != nil {
		t.Fatal("expected no queue")
	}
	_, err = b.Subscribe(context.Background(), events.Subscription{
		Key:           secs.NewKey(6, 11),
		Filter:        events.Always("x", "X"),
		Handler:       events.NewProxy(func(context.Context, *secs.Message) error { return nil }, nil),
		ClientAddress: "host",
		Recoverable:   true,
	})
	if !errors.Is(err, events.ErrInvalidSubscription) {
		t.Fatalf("expected recoverable subscription to be rejected without a queue, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("EAP_TOOL_ID", "CVD-07")
	t.Setenv("EAP_QUEUE_BACKEND", "none")
	t.Setenv("EAP_LEASE_INITIAL_TTL", "10m")
	t.Setenv("EAP_QUEUE_KEY_PREFIX", "cvd:")

	cfg, err := NewConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ToolID != "CVD-07" || cfg.QueueBackend != QueueNone {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Lease.InitialTTL != 10*time.Minute || cfg.Lease.RenewInterval != 30*time.Second {
		t.Fatalf("unexpected lease config %+v", cfg.Lease)
	}
	if cfg.Redis.KeyPrefix != "cvd:" || cfg.LinkTestTimeout != 45*time.Second || !cfg.WatchCatalog {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestRunWithCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(context.Background(), Config{ToolID: "ETCH-01", CatalogFile: path, WatchCatalog: true}, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()
	if _, ok := b.Catalog().Event("LotStarted"); !ok {
		t.Fatal("catalog file not loaded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
