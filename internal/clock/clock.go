// Package clock abstracts the time operations used by lease bookkeeping so
// that expiry can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the lease supervisor relies on.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// Fake is a manually advanced Clock. Tickers fire during Advance, at most
// once per call, matching the drop-if-behind behavior of time.Ticker.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTicker{ch: make(chan time.Time, 1), interval: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, ft)
	return &Ticker{C: ft.ch, stop: func() {
		f.mu.Lock()
		ft.stopped = true
		f.mu.Unlock()
	}}
}

// Advance moves the clock forward by d and fires any tickers that came due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	live := f.tickers[:0]
	for _, ft := range f.tickers {
		if ft.stopped {
			continue
		}
		if !f.now.Before(ft.next) {
			select {
			case ft.ch <- f.now:
			default:
			}
			for !f.now.Before(ft.next) {
				ft.next = ft.next.Add(ft.interval)
			}
		}
		live = append(live, ft)
	}
	f.tickers = live
}
