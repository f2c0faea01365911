// Package queue defines the durable queue transport that recoverable
// subscriptions write to while their consumer is disconnected.
//
// A queue is addressed by a path string of the form
// transport://<client_address>/<subscription_id>. Writes are durable and
// ordered per address. The bridge only ever writes; the reconnected consumer
// drains the queue through Receive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Scheme prefixes every queue address.
const Scheme = "transport://"

var (
	// ErrUnknownID is returned by Receive when lastID does not identify a
	// delivery previously sent to the address.
	ErrUnknownID = errors.New("queue: unknown delivery id")
	// ErrInvalidAddress is returned for addresses not produced by Address.
	ErrInvalidAddress = errors.New("queue: invalid address")
)

// Transport is an ordered, persistent, at-least-once delivery channel
// addressed by a path string.
type Transport interface {
	// Send durably appends data to the queue at address and returns the id
	// assigned to the delivery. Ids are monotonically increasing per address.
	Send(ctx context.Context, address string, data []byte) (id string, err error)

	// Receive calls handler for every delivery at address after lastID, in
	// order, then blocks for new deliveries until ctx ends or handler returns
	// an error. An empty lastID drains the queue from its first delivery.
	Receive(ctx context.Context, address string, lastID string, handler Handler) error

	// Purge removes every delivery stored at address.
	Purge(ctx context.Context, address string) error
}

// Handler processes one delivery. Returning an error stops Receive.
type Handler func(ctx context.Context, d Delivery) error

// Delivery is one stored queue entry.
type Delivery struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// Address derives the per-subscription queue path.
func Address(clientAddress, subscriptionID string) string {
	return Scheme + clientAddress + "/" + subscriptionID
}

// ParseAddress splits an address produced by Address.
func ParseAddress(address string) (clientAddress, subscriptionID string, err error) {
	rest, ok := strings.CutPrefix(address, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: missing %q prefix in %q", ErrInvalidAddress, Scheme, address)
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return rest[:i], rest[i+1:], nil
}
