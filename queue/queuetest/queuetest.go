// Package queuetest is a conformance suite for queue.Transport
// implementations.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/eap-bridge-go/queue"
)

// TransportFactory creates a new, empty transport for one test.
type TransportFactory func(t *testing.T) queue.Transport

// RunTransportTests runs the complete transport suite against the provided factory.
func RunTransportTests(t *testing.T, factory TransportFactory) {
	t.Run("DrainFromBeginning", func(t *testing.T) { testDrainFromBeginning(t, factory) })
	t.Run("ResumeAfterLastID", func(t *testing.T) { testResumeAfterLastID(t, factory) })
	t.Run("LiveDeliveryAfterDrain", func(t *testing.T) { testLiveDeliveryAfterDrain(t, factory) })
	t.Run("AddressIsolation", func(t *testing.T) { testAddressIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsReceive", func(t *testing.T) { testHandlerErrorStopsReceive(t, factory) })
	t.Run("UnknownLastID", func(t *testing.T) { testUnknownLastID(t, factory) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, factory) })
}

func address(t *testing.T, suffix string) string {
	return queue.Address("queuetest", t.Name()+"-"+suffix)
}

// collect drains address until n deliveries arrive or the timeout passes.
func collect(t *testing.T, q queue.Transport, addr, lastID string, n int) []queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []queue.Delivery
	)
	err := q.Receive(ctx, addr, lastID, func(ctx context.Context, d queue.Delivery) error {
		mu.Lock()
		got = append(got, d)
		done := len(got) >= n
		mu.Unlock()
		if done {
			cancel()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("receive: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	return got
}

func send(t *testing.T, q queue.Transport, addr string, data string) string {
	t.Helper()
	id, err := q.Send(context.Background(), addr, []byte(data))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty delivery id")
	}
	return id
}

func testDrainFromBeginning(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, send(t, q, addr, fmt.Sprintf("m%d", i)))
	}

	got := collect(t, q, addr, "", 3)
	for i, d := range got {
		if d.ID != ids[i] {
			t.Fatalf("delivery %d: expected id %s, got %s", i, ids[i], d.ID)
		}
		if string(d.Data) != fmt.Sprintf("m%d", i) {
			t.Fatalf("delivery %d: out of order payload %q", i, d.Data)
		}
	}
}

func testResumeAfterLastID(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")

	first := send(t, q, addr, "one")
	second := send(t, q, addr, "two")

	got := collect(t, q, addr, first, 1)
	if got[0].ID != second || string(got[0].Data) != "two" {
		t.Fatalf("expected second delivery, got %+v", got[0])
	}
}

func testLiveDeliveryAfterDrain(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")
	send(t, q, addr, "stored")

	done := make(chan []queue.Delivery, 1)
	go func() { done <- collect(t, q, addr, "", 2) }()

	time.Sleep(100 * time.Millisecond)
	send(t, q, addr, "live")

	select {
	case got := <-done:
		if string(got[0].Data) != "stored" || string(got[1].Data) != "live" {
			t.Fatalf("unexpected deliveries: %q, %q", got[0].Data, got[1].Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not complete")
	}
}

func testAddressIsolation(t *testing.T, factory TransportFactory) {
	q := factory(t)
	a := address(t, "a")
	b := address(t, "b")

	send(t, q, a, "for-a")
	send(t, q, b, "for-b")

	if got := collect(t, q, a, "", 1); string(got[0].Data) != "for-a" {
		t.Fatalf("address a saw %q", got[0].Data)
	}
	if got := collect(t, q, b, "", 1); string(got[0].Data) != "for-b" {
		t.Fatalf("address b saw %q", got[0].Data)
	}
}

func testContextCancellation(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Receive(ctx, addr, "", func(context.Context, queue.Delivery) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receive did not stop after cancellation")
	}
}

func testHandlerErrorStopsReceive(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")
	send(t, q, addr, "one")
	send(t, q, addr, "two")

	boom := errors.New("consumer failed")
	calls := 0
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := q.Receive(ctx, addr, "", func(context.Context, queue.Delivery) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected receive to stop after first failure, handler ran %d times", calls)
	}
}

func testUnknownLastID(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")
	send(t, q, addr, "one")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := q.Receive(ctx, addr, "999999999999-0", func(context.Context, queue.Delivery) error { return nil })
	if !errors.Is(err, queue.ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
}

func testPurge(t *testing.T, factory TransportFactory) {
	q := factory(t)
	addr := address(t, "a")
	send(t, q, addr, "old")

	if err := q.Purge(context.Background(), addr); err != nil {
		t.Fatalf("purge: %v", err)
	}
	// Purging an empty address is not an error.
	if err := q.Purge(context.Background(), addr); err != nil {
		t.Fatalf("second purge: %v", err)
	}

	send(t, q, addr, "new")
	got := collect(t, q, addr, "", 1)
	if string(got[0].Data) != "new" {
		t.Fatalf("expected only post-purge delivery, got %q", got[0].Data)
	}
}
