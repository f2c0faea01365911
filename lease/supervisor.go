package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/eap-bridge-go/internal/clock"
	"golang.org/x/sync/errgroup"
)

// Config controls lease timing. Zero fields take the defaults noted on each.
type Config struct {
	// InitialTTL is the lifetime of a new lease and the extension granted by a
	// successful sponsor renewal. Default 5m. ENV: EAP_LEASE_INITIAL_TTL
	InitialTTL time.Duration `env:"EAP_LEASE_INITIAL_TTL,default=5m"`
	// RenewOnCall is the minimum remaining lifetime after activity.
	// Default 2m. ENV: EAP_LEASE_RENEW_ON_CALL
	RenewOnCall time.Duration `env:"EAP_LEASE_RENEW_ON_CALL,default=2m"`
	// RenewInterval is how often Run sweeps. Default 30s.
	// ENV: EAP_LEASE_RENEW_INTERVAL
	RenewInterval time.Duration `env:"EAP_LEASE_RENEW_INTERVAL,default=30s"`
	// SponsorshipTimeout bounds one sponsor call and how long a sponsor may
	// stay unreachable before it is dropped. Default 1m.
	// ENV: EAP_LEASE_SPONSORSHIP_TIMEOUT
	SponsorshipTimeout time.Duration `env:"EAP_LEASE_SPONSORSHIP_TIMEOUT,default=1m"`
}

func (c Config) withDefaults() Config {
	if c.InitialTTL <= 0 {
		c.InitialTTL = 5 * time.Minute
	}
	if c.RenewOnCall <= 0 {
		c.RenewOnCall = 2 * time.Minute
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = 30 * time.Second
	}
	if c.SponsorshipTimeout <= 0 {
		c.SponsorshipTimeout = time.Minute
	}
	return c
}

// maxConcurrentRenewals caps sponsor calls in flight during one sweep.
const maxConcurrentRenewals = 16

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock used for expiry bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// Supervisor owns a set of leases. Sweep (or Run) renews them through their
// sponsors and expires the ones that ran out.
type Supervisor struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	leases map[*Lease]struct{}
}

// NewSupervisor creates a supervisor with the given timing.
func NewSupervisor(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		clock:  clock.Real(),
		log:    slog.Default(),
		leases: make(map[*Lease]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration with defaults applied.
func (s *Supervisor) Config() Config { return s.cfg }

// Register starts a lease with InitialTTL. sponsor may be nil, in which case
// only Renew keeps the lease alive. onExpire runs at most once, from Sweep.
func (s *Supervisor) Register(id string, sponsor Sponsor, onExpire func()) *Lease {
	now := s.clock.Now()
	l := &Lease{
		id:          id,
		sup:         s,
		state:       StateActive,
		expiresAt:   now.Add(s.cfg.InitialTTL),
		lastContact: now,
		registered:  sponsor,
		sponsor:     sponsor,
		onExpire:    onExpire,
	}
	s.mu.Lock()
	s.leases[l] = struct{}{}
	s.mu.Unlock()
	return l
}

// Len returns the number of leases that are neither released nor expired.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

func (s *Supervisor) forget(l *Lease) {
	s.mu.Lock()
	delete(s.leases, l)
	s.mu.Unlock()
}

func (s *Supervisor) snapshot() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Lease, 0, len(s.leases))
	for l := range s.leases {
		out = append(out, l)
	}
	return out
}

// Sweep performs one renewal and expiry pass.
func (s *Supervisor) Sweep(ctx context.Context) {
	leases := s.snapshot()

	var g errgroup.Group
	g.SetLimit(maxConcurrentRenewals)
	for _, l := range leases {
		l := l
		l.mu.Lock()
		sponsor, gen := l.sponsor, l.gen
		active := l.state == StateActive
		l.mu.Unlock()
		if !active || sponsor == nil {
			continue
		}
		g.Go(func() error {
			s.sponsorRenew(ctx, l, sponsor, gen)
			return nil
		})
	}
	_ = g.Wait()

	now := s.clock.Now()
	for _, l := range leases {
		if fn, ok := l.expire(now); ok {
			s.forget(l)
			s.runExpiry(ctx, l, fn)
		}
	}
}

func (s *Supervisor) sponsorRenew(ctx context.Context, l *Lease, sponsor Sponsor, gen uint64) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.SponsorshipTimeout)
	defer cancel()
	err := callSponsor(rctx, sponsor)
	now := s.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive || l.gen != gen {
		return
	}
	if err == nil {
		l.lastContact = now
		if next := now.Add(s.cfg.InitialTTL); next.After(l.expiresAt) {
			l.expiresAt = next
		}
		return
	}
	if now.Sub(l.lastContact) > s.cfg.SponsorshipTimeout {
		l.setSponsor(nil)
		s.log.WarnContext(ctx, "lease sponsor unreachable, dropping", "lease", l.id, "error", err, "last_contact", l.lastContact)
		return
	}
	s.log.DebugContext(ctx, "lease sponsor renewal failed", "lease", l.id, "error", err)
}

func callSponsor(ctx context.Context, sponsor Sponsor) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sponsor panic: %v", p)
		}
	}()
	return sponsor.Renew(ctx)
}

// expire moves an active lease past its expiry to StateExpired and hands
// back its callback.
func (l *Lease) expire(now time.Time) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive || now.Before(l.expiresAt) {
		return nil, false
	}
	l.state = StateExpired
	l.setSponsor(nil)
	l.registered = nil
	fn := l.onExpire
	l.onExpire = nil
	return fn, true
}

func (s *Supervisor) runExpiry(ctx context.Context, l *Lease, fn func()) {
	s.log.ErrorContext(ctx, "lease expired before release", "lease", l.id, "error", ErrLeaseExpired)
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(ctx, "lease expiry callback panicked", "lease", l.id, "panic", p)
		}
	}()
	fn()
}

// Run sweeps every RenewInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.cfg.RenewInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}
