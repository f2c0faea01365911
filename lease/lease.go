// Package lease keeps handles held by remote consumers alive while the
// consumer is reachable and expires them when it is not.
//
// Every lease has an expiry time. It is pushed forward by activity (Renew)
// and by its sponsor, which the Supervisor pings on each sweep. A sponsor
// that cannot be reached for longer than the sponsorship timeout is dropped,
// after which the lease runs out and its expiry callback fires.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLeaseExpired is logged when a lease runs out before it was released.
var ErrLeaseExpired = errors.New("lease expired")

// Sponsor is asked to vouch for a lease on every sweep. A nil error extends
// the lease.
type Sponsor interface {
	Renew(ctx context.Context) error
}

// SponsorFunc adapts a function to the Sponsor interface.
type SponsorFunc func(ctx context.Context) error

func (f SponsorFunc) Renew(ctx context.Context) error { return f(ctx) }

// State is the lifecycle position of a lease.
type State int

const (
	// StateActive leases are swept and expire when not renewed.
	StateActive State = iota
	// StateSuspended leases are neither pinged nor expired.
	StateSuspended
	// StateReleased leases were dropped by their owner.
	StateReleased
	// StateExpired leases ran out and had their expiry callback invoked.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateReleased:
		return "released"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Lease tracks the lifetime of one remote handle.
type Lease struct {
	id  string
	sup *Supervisor

	mu          sync.Mutex
	state       State
	expiresAt   time.Time
	lastContact time.Time
	onExpire    func()

	// registered is the sponsor passed to Register; sponsor is the one
	// currently attached, nil once dropped. gen changes whenever sponsor
	// does, so a renewal started against an older attachment is discarded.
	registered Sponsor
	sponsor    Sponsor
	gen        uint64
}

// setSponsor attaches sp, or detaches with nil. l.mu must be held.
func (l *Lease) setSponsor(sp Sponsor) {
	l.sponsor = sp
	l.gen++
}

// ID returns the identifier the lease was registered with.
func (l *Lease) ID() string { return l.id }

// State returns the current lease state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ExpiresAt returns the time the lease runs out unless renewed.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// HasSponsor reports whether a sponsor is still registered.
func (l *Lease) HasSponsor() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sponsor != nil
}

// Renew records activity on the lease, extending it to at least
// RenewOnCall from now. It reports whether the lease is still live.
func (l *Lease) Renew() bool {
	now := l.sup.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateActive:
		if next := now.Add(l.sup.cfg.RenewOnCall); next.After(l.expiresAt) {
			l.expiresAt = next
		}
		return true
	case StateSuspended:
		return true
	default:
		return false
	}
}

// Suspend stops sweeping the lease until Resume is called.
func (l *Lease) Suspend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateActive {
		l.state = StateSuspended
	}
}

// Resume reactivates a suspended lease with a fresh InitialTTL. A sponsor
// dropped earlier for being unreachable is attached again.
func (l *Lease) Resume() {
	now := l.sup.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateSuspended {
		return
	}
	l.state = StateActive
	l.expiresAt = now.Add(l.sup.cfg.InitialTTL)
	l.lastContact = now
	if l.sponsor == nil && l.registered != nil {
		l.setSponsor(l.registered)
	}
}

// Release unregisters the sponsor and removes the lease from its
// supervisor. The expiry callback will not run afterwards. Calling Release
// more than once, or after expiry, is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.state == StateReleased || l.state == StateExpired {
		l.mu.Unlock()
		return
	}
	l.setSponsor(nil)
	l.registered = nil
	l.state = StateReleased
	l.onExpire = nil
	l.mu.Unlock()

	l.sup.forget(l)
}
