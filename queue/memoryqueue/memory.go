// Package memoryqueue provides an in-memory implementation of
// queue.Transport. Deliveries survive subscriber churn but not process
// restarts, so it is suitable for tests and single-process deployments.
package memoryqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/eap-bridge-go/queue"
)

// Queue implements queue.Transport with per-address ordered logs.
type Queue struct {
	mu        sync.Mutex
	addresses map[string]*log
	counter   atomic.Int64
}

// log is the ordered content of one address. changed is closed and
// replaced on every append so blocked receivers wake up.
type log struct {
	deliveries []queue.Delivery
	changed    chan struct{}
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{addresses: make(map[string]*log)}
}

func (q *Queue) Send(ctx context.Context, address string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := strconv.FormatInt(q.counter.Add(1), 10)

	q.mu.Lock()
	l := q.ensure(address)
	l.deliveries = append(l.deliveries, queue.Delivery{ID: id, Data: append([]byte(nil), data...)})
	close(l.changed)
	l.changed = make(chan struct{})
	q.mu.Unlock()

	return id, nil
}

func (q *Queue) Receive(ctx context.Context, address string, lastID string, handler queue.Handler) error {
	q.mu.Lock()
	l := q.ensure(address)
	next := 0
	if lastID != "" {
		found := false
		for i, d := range l.deliveries {
			if d.ID == lastID {
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", queue.ErrUnknownID, lastID)
		}
	}
	q.mu.Unlock()

	cur := l
	for {
		q.mu.Lock()
		// A purge replaces the log; start over on the fresh one.
		l = q.ensure(address)
		if l != cur {
			cur, next = l, 0
		}
		pending := append([]queue.Delivery(nil), l.deliveries[next:]...)
		changed := l.changed
		q.mu.Unlock()

		for _, d := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, d); err != nil {
				return err
			}
			next++
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (q *Queue) Purge(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.addresses[address]; ok {
		delete(q.addresses, address)
		close(l.changed)
	}
	return nil
}

// Len returns the number of deliveries currently stored at address.
func (q *Queue) Len(address string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.addresses[address]; ok {
		return len(l.deliveries)
	}
	return 0
}

func (q *Queue) ensure(address string) *log {
	l, ok := q.addresses[address]
	if !ok {
		l = &log{changed: make(chan struct{})}
		q.addresses[address] = l
	}
	return l
}

var _ queue.Transport = (*Queue)(nil)
