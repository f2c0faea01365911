// Package secs holds the message model exchanged with production equipment.
//
// The protocol engine that frames and parses messages lives outside this
// module; this package only describes what a parsed message looks like once
// it reaches the host: a stream/function pair, an optional logical name and a
// SECS-II style item tree body.
package secs

// Message is a parsed equipment message.
type Message struct {
	Stream        uint8  `json:"stream" yaml:"stream" cbor:"1,keyasint"`
	Function      uint8  `json:"function" yaml:"function" cbor:"2,keyasint"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty" cbor:"3,keyasint,omitempty"`
	ReplyExpected bool   `json:"replyExpected,omitempty" yaml:"replyExpected,omitempty" cbor:"4,keyasint,omitempty"`
	Body          Item   `json:"body" yaml:"body" cbor:"5,keyasint"`
}

// New builds a message with the given stream, function, name and body.
func New(stream, function uint8, name string, body Item) *Message {
	return &Message{Stream: stream, Function: function, Name: name, Body: body}
}

// Key returns the dispatch key for the message type.
func (m *Message) Key() Key {
	return NewKey(m.Stream, m.Function)
}

// IsPrimary reports whether the message is a primary (odd function) message.
func (m *Message) IsPrimary() bool {
	return m.Function%2 == 1
}

// WithName returns a shallow copy of m carrying the given event name. The
// body is shared; items are treated as immutable once a message is built.
func (m *Message) WithName(name string) *Message {
	cp := *m
	cp.Name = name
	return &cp
}

// Clone returns a deep copy of m, body included.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Body = m.Body.Clone()
	return &cp
}

func (m *Message) String() string {
	if m.Name == "" {
		return m.Key().String()
	}
	return m.Key().String() + " " + m.Name
}
