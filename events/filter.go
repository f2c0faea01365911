package events

import (
	"github.com/ggoodman/eap-bridge-go/secs"
)

// Predicate decides whether a message body is of interest. It must be pure
// and safe for concurrent use.
type Predicate func(body secs.Item) bool

// Filter selects messages for a subscription and names the event a match
// represents. The zero Filter is invalid.
type Filter struct {
	// Description is the human readable form used in logs.
	Description string
	// Name is attached to every matched message handed to the handler.
	Name string
	Eval Predicate
}

// Match builds a Filter from a predicate.
func Match(description, name string, pred Predicate) Filter {
	return Filter{Description: description, Name: name, Eval: pred}
}

// Always builds a Filter that matches every body.
func Always(description, name string) Filter {
	return Filter{Description: description, Name: name, Eval: func(secs.Item) bool { return true }}
}

// String returns the description, falling back to the name.
func (f Filter) String() string {
	if f.Description != "" {
		return f.Description
	}
	return f.Name
}

// evaluate runs the predicate, turning a panic into an error.
func (f Filter) evaluate(body secs.Item) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, panicError(p)
		}
	}()
	return f.Eval(body), nil
}
