package coordinator

import (
	"sync"

	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// Sink receives the ordered event sequence for one subscriber. Deliver may
// block on slow transports; the per-subscriber queue absorbs the lag.
type Sink interface {
	Deliver(ev *event.Event)
}

// subscriber owns the outbound queue for one sink. A pump goroutine drains
// the queue in order and exits after delivering a terminal event.
type subscriber struct {
	id   string
	sink Sink

	mu      sync.Mutex
	queue   []*event.Event
	notify  chan struct{}
	dropped int
	closed  bool
}

func newSubscriber(id string, sink Sink) *subscriber {
	s := &subscriber{
		id:     id,
		sink:   sink,
		notify: make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// enqueue appends ev, applying back-pressure policy for non-terminal
// events: past the soft cap the oldest queued event is dropped and the
// new one carries a drop counter; once the total dropped count passes the
// hard cap the subscriber is reported as overflowed. Terminal events are
// always queued.
func (s *subscriber) enqueue(ev *event.Event, softCap, hardCap int) (overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if !ev.Terminal() && len(s.queue) >= softCap {
		s.queue = s.queue[1:]
		s.dropped++
		metrics.EventsDropped.Inc()

		marked := *ev
		marked.Dropped = s.dropped
		ev = &marked

		if s.dropped > hardCap {
			overflowed = true
		}
	}

	s.queue = append(s.queue, ev)
	s.wake()
	return overflowed
}

// close marks the subscriber finished without delivering anything further.
// Used when a subscriber detaches voluntarily.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.notify
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.sink.Deliver(ev)

		if ev.Terminal() {
			s.mu.Lock()
			s.closed = true
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}

// Collector is a Sink that records everything it receives and signals
// when the stream terminates. It backs the non-streaming HTTP mode and
// the long-poll fallback.
type Collector struct {
	mu       sync.Mutex
	events   []*event.Event
	terminal *event.Event
	done     chan struct{}
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{done: make(chan struct{})}
}

// Deliver records one event.
func (c *Collector) Deliver(ev *event.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	terminal := ev.Terminal() && c.terminal == nil
	if terminal {
		c.terminal = ev
	}
	c.mu.Unlock()
	if terminal {
		close(c.done)
	}
}

// Done is closed once a terminal event has been recorded.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Events returns a copy of everything received so far.
func (c *Collector) Events() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.Event(nil), c.events...)
}

// Drain returns and clears the buffered events. Long-poll handlers call
// this on each poll cycle.
func (c *Collector) Drain() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// Terminal returns the recorded terminal event, if any. It survives
// Drain so late polls can still observe closure.
func (c *Collector) Terminal() *event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}
