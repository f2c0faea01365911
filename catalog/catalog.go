// Package catalog loads the host's message catalog: named message templates
// used for automatic replies and link tests, and declarative event
// definitions that compile to subscription filters.
//
// A catalog file is YAML:
//
//	toolId: ETCH-01
//	messages:
//	  - name: TestCommunicationsAcknowledge
//	    stream: 1
//	    function: 14
//	    body: {format: L, items: [{format: B, binary: [0]}]}
//	events:
//	  - name: LotStarted
//	    description: CEID 1000 lot started
//	    stream: 6
//	    function: 11
//	    match:
//	      - path: [1]
//	        equals: "1000"
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/ggoodman/eap-bridge-go/events"
	"github.com/ggoodman/eap-bridge-go/secs"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog wraps every parse and validation failure.
var ErrInvalidCatalog = errors.New("invalid catalog")

// File is the on-disk catalog document.
type File struct {
	ToolID   string         `json:"toolId,omitempty" yaml:"toolId,omitempty" jsonschema:"description=Equipment identifier the catalog was written for"`
	Messages []secs.Message `json:"messages,omitempty" yaml:"messages,omitempty" jsonschema:"description=Message templates keyed by stream and function"`
	Events   []EventDef     `json:"events,omitempty" yaml:"events,omitempty" jsonschema:"description=Declarative event filters"`
}

// EventDef declares one event: a message type and the conditions its body
// must meet.
type EventDef struct {
	Name        string      `json:"name" yaml:"name" jsonschema:"required"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Stream      uint8       `json:"stream" yaml:"stream" jsonschema:"required"`
	Function    uint8       `json:"function" yaml:"function" jsonschema:"required"`
	Match       []Condition `json:"match,omitempty" yaml:"match,omitempty"`
}

// Condition tests the item found at Path. With neither Equals nor OneOf set
// it only requires the item to exist.
type Condition struct {
	Path   []int       `json:"path" yaml:"path" jsonschema:"description=List indexes from the body root"`
	Format secs.Format `json:"format,omitempty" yaml:"format,omitempty"`
	Equals string      `json:"equals,omitempty" yaml:"equals,omitempty"`
	OneOf  []string    `json:"oneOf,omitempty" yaml:"oneOf,omitempty"`
}

func (c Condition) eval(body secs.Item) bool {
	it, ok := body.At(c.Path...)
	if !ok {
		return false
	}
	if c.Format != "" && it.Format != c.Format {
		return false
	}
	if c.Equals == "" && len(c.OneOf) == 0 {
		return true
	}
	v, ok := it.Scalar()
	if !ok {
		return false
	}
	if c.Equals != "" && v == c.Equals {
		return true
	}
	return slices.Contains(c.OneOf, v)
}

// Event is a compiled event definition.
type Event struct {
	Key    secs.Key
	Filter events.Filter
}

// Catalog is an immutable, compiled catalog.
type Catalog struct {
	toolID   string
	messages []secs.Message
	byKey    map[secs.Key][]int
	byName   map[string]int
	events   []Event
	eventIdx map[string]int
}

// Load reads and compiles the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse compiles a catalog document. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return Compile(f)
}

// Compile validates f and builds its lookup tables.
func Compile(f File) (*Catalog, error) {
	c := &Catalog{
		toolID:   f.ToolID,
		messages: make([]secs.Message, len(f.Messages)),
		byKey:    make(map[secs.Key][]int),
		byName:   make(map[string]int),
		eventIdx: make(map[string]int),
	}
	copy(c.messages, f.Messages)
	for i, m := range c.messages {
		c.byKey[m.Key()] = append(c.byKey[m.Key()], i)
		if m.Name == "" {
			continue
		}
		if _, dup := c.byName[m.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate message name %q", ErrInvalidCatalog, m.Name)
		}
		c.byName[m.Name] = i
	}

	for _, def := range f.Events {
		ev, err := compileEvent(def)
		if err != nil {
			return nil, err
		}
		if _, dup := c.eventIdx[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate event %q", ErrInvalidCatalog, def.Name)
		}
		c.eventIdx[def.Name] = len(c.events)
		c.events = append(c.events, ev)
	}
	return c, nil
}

func compileEvent(def EventDef) (Event, error) {
	if def.Name == "" {
		return Event{}, fmt.Errorf("%w: event for S%dF%d has no name", ErrInvalidCatalog, def.Stream, def.Function)
	}
	for _, cond := range def.Match {
		if len(cond.Path) == 0 {
			return Event{}, fmt.Errorf("%w: event %q has a condition without a path", ErrInvalidCatalog, def.Name)
		}
		for _, i := range cond.Path {
			if i < 0 {
				return Event{}, fmt.Errorf("%w: event %q has a negative path index", ErrInvalidCatalog, def.Name)
			}
		}
	}
	conds := slices.Clone(def.Match)
	desc := def.Description
	if desc == "" {
		desc = def.Name
	}
	return Event{
		Key: secs.NewKey(def.Stream, def.Function),
		Filter: events.Match(desc, def.Name, func(body secs.Item) bool {
			for _, c := range conds {
				if !c.eval(body) {
					return false
				}
			}
			return true
		}),
	}, nil
}

// ToolID returns the equipment identifier recorded in the file.
func (c *Catalog) ToolID() string { return c.toolID }

// Lookup returns a copy of the first message template for stream and
// function. The copy may be modified freely.
func (c *Catalog) Lookup(stream, function uint8) (*secs.Message, bool) {
	idx := c.byKey[secs.NewKey(stream, function)]
	if len(idx) == 0 {
		return nil, false
	}
	return c.messages[idx[0]].Clone(), true
}

// Reply returns the secondary template answering primary, SxF(y+1).
func (c *Catalog) Reply(primary *secs.Message) (*secs.Message, bool) {
	if primary == nil || !primary.IsPrimary() || primary.Function == 255 {
		return nil, false
	}
	return c.Lookup(primary.Stream, primary.Function+1)
}

// Message returns the template with the given name.
func (c *Catalog) Message(name string) (*secs.Message, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return c.messages[i].Clone(), true
}

// Messages returns copies of every template in file order.
func (c *Catalog) Messages() []*secs.Message {
	out := make([]*secs.Message, len(c.messages))
	for i := range c.messages {
		out[i] = c.messages[i].Clone()
	}
	return out
}

// Events returns the compiled events in file order.
func (c *Catalog) Events() []Event {
	return slices.Clone(c.events)
}

// Event returns the compiled event with the given name.
func (c *Catalog) Event(name string) (Event, bool) {
	i, ok := c.eventIdx[name]
	if !ok {
		return Event{}, false
	}
	return c.events[i], true
}

// Subscription builds a subscription for the named event delivering to h.
func (c *Catalog) Subscription(name string, h events.Handler) (events.Subscription, error) {
	ev, ok := c.Event(name)
	if !ok {
		return events.Subscription{}, fmt.Errorf("catalog: unknown event %q", name)
	}
	return events.Subscription{Key: ev.Key, Filter: ev.Filter, Handler: h}, nil
}
