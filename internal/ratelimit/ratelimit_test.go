package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time           { return c.t }
func (c *fakeClock) Advance(d time.Duration)  { c.t = c.t.Add(d) }

func newTestLimiter(window time.Duration, max int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(window, max)
	l.now = clock.Now
	return l, clock
}

func TestAllowUpToMax(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		d := l.Allow("client-a")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 3-(i+1), d.Remaining)
		}
	}

	d := l.Allow("client-a")
	if d.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %s", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", d.Remaining)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1)

	if !l.Allow("a").Allowed {
		t.Fatal("first for a")
	}
	if !l.Allow("b").Allowed {
		t.Fatal("first for b should be independent")
	}
	if l.Allow("a").Allowed {
		t.Fatal("second for a should be rejected")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 2)

	l.Allow("c")
	clock.Advance(30 * time.Second)
	l.Allow("c")

	if l.Allow("c").Allowed {
		t.Fatal("third within window should be rejected")
	}

	// First stamp ages out; one slot frees up.
	clock.Advance(31 * time.Second)
	if !l.Allow("c").Allowed {
		t.Fatal("request after oldest aged out should pass")
	}
}

func TestRetryAfterMatchesOldest(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1)

	l.Allow("d")
	clock.Advance(20 * time.Second)

	d := l.Allow("d")
	if d.Allowed {
		t.Fatal("should be rejected")
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("expected retry-after 40s (oldest + window - now), got %s", d.RetryAfter)
	}
}

// At most max requests are accepted in any contiguous window.
func TestWindowInvariant(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 5)

	var accepted []time.Time
	for i := 0; i < 200; i++ {
		if l.Allow("e").Allowed {
			accepted = append(accepted, clock.Now())
		}
		clock.Advance(700 * time.Millisecond)
	}

	for i := range accepted {
		count := 1
		for j := i + 1; j < len(accepted); j++ {
			if accepted[j].Sub(accepted[i]) < time.Minute {
				count++
			}
		}
		if count > 5 {
			t.Fatalf("window starting at %s accepted %d > 5", accepted[i], count)
		}
	}
}

func TestSweepEvictsStaleBuckets(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 10)

	l.Allow("stale")
	l.Allow("fresh")
	clock.Advance(2 * time.Minute)
	l.Allow("fresh")

	l.Sweep()
	if l.Len() != 1 {
		t.Errorf("expected 1 live bucket after sweep, got %d", l.Len())
	}
}
