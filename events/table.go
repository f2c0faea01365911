package events

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ggoodman/eap-bridge-go/secs"
)

// Registration is one handler instance in a Table. Two registrations built
// from the same handler are still distinct instances.
type Registration struct {
	subID   string
	key     secs.Key
	filter  Filter
	handler Handler
	onError func(context.Context, error)
}

// NewRegistration builds a registration that evaluates filter and, on a
// match, calls h with the message renamed to the filter's event name.
// Failures are passed to onError, which may be nil.
func NewRegistration(subID string, key secs.Key, filter Filter, h Handler, onError func(context.Context, error)) *Registration {
	return &Registration{subID: subID, key: key, filter: filter, handler: h, onError: onError}
}

// Key returns the type key the registration was built for.
func (r *Registration) Key() secs.Key { return r.key }

// SubscriptionID returns the owning subscription's id.
func (r *Registration) SubscriptionID() string { return r.subID }

func (r *Registration) deliver(ctx context.Context, msg *secs.Message) {
	matched, err := r.filter.evaluate(msg.Body)
	if err != nil {
		r.fail(ctx, &FilterEvaluationError{SubscriptionID: r.subID, Key: r.key, Filter: r.filter.String(), Err: err})
		return
	}
	if !matched {
		return
	}
	named := msg.WithName(r.filter.Name)
	if err := r.invoke(ctx, named); err != nil {
		var dpe *DurablePersistError
		if errors.As(err, &dpe) {
			r.fail(ctx, err)
			return
		}
		r.fail(ctx, &HandlerInvocationError{SubscriptionID: r.subID, Key: r.key, Event: named.Name, Err: err})
	}
}

func (r *Registration) invoke(ctx context.Context, msg *secs.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	return r.handler.Handle(ctx, msg)
}

func (r *Registration) fail(ctx context.Context, err error) {
	if r.onError == nil {
		return
	}
	defer func() { _ = recover() }()
	r.onError(ctx, err)
}

// Table maps type keys to sets of registrations. Each set is copy-on-write,
// so Dispatch works from a snapshot and never holds the lock while handlers
// run. A key whose set becomes empty is removed.
type Table struct {
	mu      sync.RWMutex
	entries map[secs.Key][]*Registration

	inflight sync.WaitGroup
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[secs.Key][]*Registration)}
}

// Add registers r under key. Adding an instance that is already present is a
// no-op.
func (t *Table) Add(key secs.Key, r *Registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(key, r)
}

// Remove unregisters exactly r from key. Other registrations under the key
// are untouched. Removing an absent registration is a no-op.
func (t *Table) Remove(key secs.Key, r *Registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key, r)
}

// Swap replaces old with next under key in one step, so no Dispatch snapshot
// observes both or neither. It reports whether old was registered.
func (t *Table) Swap(key secs.Key, old, next *Registration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := t.removeLocked(key, old)
	t.addLocked(key, next)
	return found
}

func (t *Table) addLocked(key secs.Key, r *Registration) {
	if r == nil {
		return
	}
	cur := t.entries[key]
	if slices.Contains(cur, r) {
		return
	}
	next := make([]*Registration, len(cur), len(cur)+1)
	copy(next, cur)
	t.entries[key] = append(next, r)
}

func (t *Table) removeLocked(key secs.Key, r *Registration) bool {
	cur := t.entries[key]
	i := slices.Index(cur, r)
	if i < 0 {
		return false
	}
	if len(cur) == 1 {
		delete(t.entries, key)
		return true
	}
	next := make([]*Registration, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	t.entries[key] = append(next, cur[i+1:]...)
	return true
}

// Contains reports whether r is registered under key.
func (t *Table) Contains(key secs.Key, r *Registration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.entries[key], r)
}

// Len returns the number of registrations under key.
func (t *Table) Len(key secs.Key) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries[key])
}

// Keys returns every key with at least one registration, in ascending order.
func (t *Table) Keys() []secs.Key {
	t.mu.RLock()
	keys := make([]secs.Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Dispatch starts one goroutine per registration under msg's key and
// returns how many were started. It does not wait for them. The goroutines
// keep ctx's values but not its cancellation.
func (t *Table) Dispatch(ctx context.Context, msg *secs.Message) int {
	if msg == nil {
		return 0
	}
	t.mu.RLock()
	snapshot := t.entries[msg.Key()]
	t.inflight.Add(len(snapshot))
	t.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, r := range snapshot {
		r := r
		go func() {
			defer t.inflight.Done()
			r.deliver(ctx, msg)
		}()
	}
	return len(snapshot)
}

// Wait blocks until every invocation started by Dispatch has returned.
func (t *Table) Wait() {
	t.inflight.Wait()
}
