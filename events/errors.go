package events

import (
	"errors"
	"fmt"

	"github.com/ggoodman/eap-bridge-go/secs"
)

var (
	// ErrInvalidSubscription is returned by Subscribe when the subscription
	// cannot be registered. Nothing is registered in that case.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrUnknownSubscription is returned when no live subscription has the id.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrManagerClosed is returned by Subscribe after Close.
	ErrManagerClosed = errors.New("subscription manager closed")
)

// FilterEvaluationError reports a filter predicate that panicked.
type FilterEvaluationError struct {
	SubscriptionID string
	Key            secs.Key
	Filter         string
	Err            error
}

func (e *FilterEvaluationError) Error() string {
	return fmt.Sprintf("events: filter %q of subscription %s (%s) failed: %v", e.Filter, e.SubscriptionID, e.Key, e.Err)
}

func (e *FilterEvaluationError) Unwrap() error { return e.Err }

// HandlerInvocationError reports a handler that returned an error or panicked.
type HandlerInvocationError struct {
	SubscriptionID string
	Key            secs.Key
	Event          string
	Err            error
}

func (e *HandlerInvocationError) Error() string {
	return fmt.Sprintf("events: handler of subscription %s failed for event[%s] (%s): %v", e.SubscriptionID, e.Event, e.Key, e.Err)
}

func (e *HandlerInvocationError) Unwrap() error { return e.Err }

// DurablePersistError reports an event that could not be written to a
// recovery queue. The event is lost for that consumer.
type DurablePersistError struct {
	SubscriptionID string
	Address        string
	Event          string
	Err            error
}

func (e *DurablePersistError) Error() string {
	return fmt.Sprintf("events: persisting event[%s] to %s failed: %v", e.Event, e.Address, e.Err)
}

func (e *DurablePersistError) Unwrap() error { return e.Err }

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", p)
}
