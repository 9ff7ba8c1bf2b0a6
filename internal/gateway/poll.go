package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/coordinator"
	"github.com/promptforge-ai/codegen-platform/internal/event"
)

const (
	pollWait      = 25 * time.Second
	pollRetention = 2 * time.Minute
)

// poll is one long-poll subscription: a collector attached to a stream,
// addressed by an opaque poll id handed to the client.
type poll struct {
	id        string
	streamID  string
	collector *coordinator.Collector

	mu       sync.Mutex
	lastSeen time.Time
}

func (p *poll) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *poll) stale(cutoff time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen.Before(cutoff)
}

type pollSubscribeResponse struct {
	PollID   string `json:"pollId"`
	StreamID string `json:"streamId"`
}

type pollEventsResponse struct {
	Events []*event.Event `json:"events"`
	Done   bool           `json:"done"`
}

// HandlePollSubscribe attaches a long-poll subscription to a stream.
// POST /api/poll/streams/{streamID}.
func (g *Gateway) HandlePollSubscribe(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	col := coordinator.NewCollector()
	if err := g.coordinator.Subscribe(streamID, "poll-"+streamID+"-"+uuid.NewString(), col); err != nil {
		writeJSONError(w, err, g.expose)
		return
	}

	p := &poll{
		id:        uuid.Must(uuid.NewV7()).String(),
		streamID:  streamID,
		collector: col,
		lastSeen:  time.Now(),
	}

	g.mu.Lock()
	g.polls[p.id] = p
	g.mu.Unlock()

	writeJSON(w, http.StatusOK, pollSubscribeResponse{PollID: p.id, StreamID: streamID})
}

// HandlePollEvents drains buffered events for a poll subscription,
// waiting up to pollWait when the buffer is empty.
// GET /api/poll/{pollID}/events.
func (g *Gateway) HandlePollEvents(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, "pollID")

	g.mu.Lock()
	p, ok := g.polls[pollID]
	g.mu.Unlock()
	if !ok {
		writeJSONError(w, apperr.New(apperr.KindNotFound, "poll subscription not found"), g.expose)
		return
	}
	p.touch()

	events := p.collector.Drain()
	if len(events) == 0 {
		wait := time.NewTimer(pollWait)
		defer wait.Stop()
		select {
		case <-p.collector.Done():
		case <-wait.C:
		case <-r.Context().Done():
			return
		}
		events = p.collector.Drain()
	}

	done := p.collector.Terminal() != nil && len(events) == 0 ||
		lastIsTerminal(events)
	if done {
		g.mu.Lock()
		delete(g.polls, pollID)
		g.mu.Unlock()
	}

	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, pollEventsResponse{Events: events, Done: done})
}

func lastIsTerminal(events []*event.Event) bool {
	return len(events) > 0 && events[len(events)-1].Terminal()
}

// SweepPolls drops poll subscriptions that have not been read recently.
func (g *Gateway) SweepPolls() {
	cutoff := time.Now().Add(-pollRetention)
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, p := range g.polls {
		if p.stale(cutoff) {
			delete(g.polls, id)
		}
	}
}

// StartPollSweeper evicts stale poll subscriptions until stop is closed.
func (g *Gateway) StartPollSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.SweepPolls()
			case <-stop:
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error, expose bool) {
	body := apperr.ToBody(err, expose)
	writeJSON(w, apperr.HTTPStatus(apperr.Kind(body.Error)), body)
}
