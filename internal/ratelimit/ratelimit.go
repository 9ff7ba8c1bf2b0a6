// Package ratelimit implements the fixed-window request limiter keyed by
// client principal. It backs both the HTTP middleware and the socket
// gateway, so window state (remaining, reset, retry-after) is exposed
// directly rather than through an http.Handler.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration // zero when Allowed
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, the
// granularity of the Retry-After header and the wire retryAfter field.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Limiter is a fixed-window counter per client key. Entries older than the
// window are collected lazily on access; a periodic sweep evicts buckets
// that have gone entirely stale.
type Limiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	buckets map[string][]time.Time

	now func() time.Time // test hook

	stop chan struct{}
	once sync.Once
}

// New creates a Limiter allowing max requests per window.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Allow records one request for key and reports whether it passes.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.buckets[key]
	// Drop timestamps that have aged out of the window.
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) >= l.max {
		oldest := stamps[0]
		l.buckets[key] = stamps
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			Reset:      oldest.Add(l.window),
			RetryAfter: oldest.Add(l.window).Sub(now),
		}
	}

	stamps = append(stamps, now)
	l.buckets[key] = stamps
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - len(stamps),
		Reset:     stamps[0].Add(l.window),
	}
}

// Sweep removes buckets whose every entry has aged out.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, stamps := range l.buckets {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// StartSweeper runs Sweep on the given interval until Stop is called.
func (l *Limiter) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Len returns the number of live buckets. Used by stats and tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
