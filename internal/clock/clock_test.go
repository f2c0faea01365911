package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(time.Minute)
	if got := f.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("Now = %v", got)
	}
}

func TestFakeTicker(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(10 * time.Second)
	defer tk.Stop()

	f.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("ticker fired early")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected tick after interval")
	}

	// A long jump coalesces into a single pending tick.
	f.Advance(time.Minute)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("expected ticks to coalesce")
	default:
	}

	tk.Stop()
	f.Advance(time.Minute)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
