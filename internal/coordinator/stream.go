package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/internal/llm"
	"github.com/promptforge-ai/codegen-platform/internal/parser"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// Cancellation reasons carried on stream_cancelled events.
const (
	ReasonUser       = "user"
	ReasonTimeout    = "timeout"
	ReasonShutdown   = "shutdown"
	ReasonDisconnect = "connection_closed"
)

// Stream drives one generation run: provider chunks in, parsed events
// applied to the project's tracker, outbound events fanned out to every
// subscriber in a single total order.
type Stream struct {
	ID        string
	ProjectID string
	SessionID string
	Kind      Kind

	coord       *Coordinator
	providerTag string
	previewOnly bool
	cancel      context.CancelFunc
	logger      *logger.Logger

	mu           sync.Mutex
	subs         map[string]*subscriber
	terminal     *event.Event
	cancelReason string
	usage        *event.Usage
	committed    []string
	bytes        int
}

// Cancel requests termination. The first call wins; the terminal event is
// emitted by the run loop. If the stream already terminated the recorded
// terminal event is returned and nothing happens.
func (st *Stream) Cancel(reason string) *event.Event {
	st.mu.Lock()
	if st.terminal != nil {
		term := st.terminal
		st.mu.Unlock()
		return term
	}
	if st.cancelReason == "" {
		st.cancelReason = reason
	}
	st.mu.Unlock()

	st.cancel()
	return nil
}

// Terminal returns the stream's terminal event once emitted.
func (st *Stream) Terminal() *event.Event {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.terminal
}

func (st *Stream) subscribe(id string, sink Sink) {
	if sink == nil {
		return
	}
	st.mu.Lock()
	if st.terminal != nil {
		term := st.terminal
		st.mu.Unlock()
		// Late subscriber: the stream is over, hand it the closure event.
		sub := newSubscriber(id, sink)
		sub.enqueue(term, st.coord.cfg.SoftCap, st.coord.cfg.HardCap)
		return
	}
	st.subs[id] = newSubscriber(id, sink)
	st.mu.Unlock()
}

func (st *Stream) unsubscribe(id string) (remaining int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sub, ok := st.subs[id]; ok {
		sub.close()
		delete(st.subs, id)
	}
	return len(st.subs)
}

// emit fans one event out to every subscriber in order. Nothing is
// emitted after the terminal event. Subscribers that blow the hard cap
// receive an overflow terminal of their own and are unsubscribed; the
// stream continues for the rest.
func (st *Stream) emit(ev *event.Event) {
	ev.StreamID = st.ID
	ev.ProjectID = st.ProjectID
	ev.SessionID = st.SessionID

	st.mu.Lock()
	if st.terminal != nil {
		st.mu.Unlock()
		return
	}
	if ev.Terminal() {
		st.terminal = ev
	}

	var overflowed []*subscriber
	for id, sub := range st.subs {
		if sub.enqueue(ev, st.coord.cfg.SoftCap, st.coord.cfg.HardCap) {
			overflowed = append(overflowed, sub)
			delete(st.subs, id)
		}
	}
	st.mu.Unlock()

	for _, sub := range overflowed {
		ovf := event.New(event.TypeError)
		ovf.StreamID = st.ID
		ovf.ProjectID = st.ProjectID
		ovf.Code = string(apperr.KindOverflow)
		ovf.Message = "subscriber queue overflow"
		sub.enqueue(ovf, st.coord.cfg.SoftCap, st.coord.cfg.HardCap)
		st.logger.Warn("subscriber dropped on overflow", zap.String("subscriber_id", sub.id))
	}

	st.coord.bus.Publish(ev)
}

// run is the stream's event loop. It owns the parser and the provider
// channel; all tracker writes happen here.
func (st *Stream) run(ctx context.Context, provider llm.Provider, req *llm.Request, proj *registry.Project, quality registry.Quality) {
	start := time.Now()
	defer st.coord.release(st)

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	p := parser.New(string(quality))

	ch, err := provider.Stream(ctx, req)
	if err != nil {
		st.fail(err)
		st.record(start, "error")
		return
	}
	// The provider goroutine must be able to finish writing after this
	// loop stops reading, whatever the exit path.
	defer func() {
		go func() {
			for range ch {
			}
		}()
	}()

	timer := time.NewTimer(st.coord.cfg.FirstChunkTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			st.cancelledTerminal()
			st.record(start, "cancelled")
			return

		case <-timer.C:
			st.mu.Lock()
			if st.cancelReason == "" {
				st.cancelReason = ReasonTimeout
			}
			st.mu.Unlock()
			st.cancel()
			st.cancelledTerminal()
			st.record(start, "timeout")
			return

		case chunk, ok := <-ch:
			if !ok {
				// Channel closed without an end marker; treat as end so
				// the parser can flush and artifacts stay consistent.
				if st.finish(proj, p) {
					st.record(start, "complete")
				} else {
					st.record(start, "error")
				}
				return
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(st.coord.cfg.IdleTimeout)

			switch chunk.Kind {
			case llm.ChunkText:
				st.mu.Lock()
				st.bytes += len(chunk.Text)
				st.mu.Unlock()
				if !st.apply(proj, p.Feed(chunk.Text)) {
					st.record(start, "error")
					return
				}

			case llm.ChunkReasoning:
				thinking := event.New(event.TypeAgentThinking)
				thinking.Text = chunk.Text
				st.emit(thinking)

			case llm.ChunkUsage:
				if chunk.Usage != nil {
					st.mu.Lock()
					st.usage = &event.Usage{
						InputTokens:  chunk.Usage.InputTokens,
						OutputTokens: chunk.Usage.OutputTokens,
					}
					st.mu.Unlock()
				}

			case llm.ChunkError:
				if apperr.IsTerminalForStream(chunk.Err) {
					st.fail(chunk.Err)
					st.record(start, "error")
				} else {
					st.cancelledTerminal()
					st.record(start, "cancelled")
				}
				return

			case llm.ChunkEnd:
				if st.finish(proj, p) {
					st.record(start, "complete")
				} else {
					st.record(start, "error")
				}
				return
			}
		}
	}
}

// apply turns parsed events into outbound events and tracker writes. It
// returns false when a parse error terminated the stream.
func (st *Stream) apply(proj *registry.Project, events []parser.Event) bool {
	for _, pe := range events {
		switch pe.Kind {
		case parser.EventText:
			ev := event.New(event.TypeContentChunk)
			ev.Text = pe.Text
			st.emit(ev)

		case parser.EventFileOpen:
			ev := event.New(event.TypeFileChange)
			ev.Action = event.FileOpened
			ev.Path = pe.Path
			st.emit(ev)

		case parser.EventFileChunk:
			ev := event.New(event.TypeFileChange)
			ev.Action = event.FileChunk
			ev.Path = pe.Path
			ev.Slice = pe.Text
			st.emit(ev)

		case parser.EventFileClose:
			revision := 0
			if !st.previewOnly {
				art, err := proj.Tracker().Put(pe.Path, pe.Content, true)
				if err != nil {
					st.fail(err)
					return false
				}
				revision = art.Revision
				metrics.ArtifactsCommitted.WithLabelValues(string(art.Kind)).Inc()
			}

			st.mu.Lock()
			st.committed = append(st.committed, pe.Path)
			closed := len(st.committed)
			st.mu.Unlock()

			ev := event.New(event.TypeFileChange)
			ev.Action = event.FileClosed
			ev.Path = pe.Path
			ev.Revision = revision
			st.emit(ev)

			// Heuristic until the last file closes: each commit moves the
			// bar, never to 1 before the terminal event.
			progress := float64(closed) / float64(closed+1)
			st.coord.projects.SetProgress(st.ProjectID, progress)
			prog := event.New(event.TypeStreamProgress)
			prog.Progress = progress
			prog.Files = st.committedPaths()
			st.emit(prog)

		case parser.EventError:
			st.fail(apperr.Wrap(apperr.KindParseError, "parse error", pe.Err))
			return false
		}
	}
	return true
}

// finish handles provider end: flush the parser, then either complete the
// stream or fail it on an incomplete fence. Returns true on completion.
func (st *Stream) finish(proj *registry.Project, p *parser.Parser) bool {
	if !st.apply(proj, p.Close()) {
		return false
	}

	st.coord.projects.SetProgress(st.ProjectID, 1)
	st.coord.projects.SetStatus(st.ProjectID, registry.StatusCompleted)

	st.mu.Lock()
	usage := st.usage
	st.mu.Unlock()

	done := event.New(event.TypeStreamComplete)
	done.Progress = 1
	done.Files = st.committedPaths()
	done.Usage = usage
	st.emit(done)
	return true
}

// cancelledTerminal emits the stream_cancelled terminal. Committed
// artifacts stay in the tracker; tentative tails are discarded with the
// stream.
func (st *Stream) cancelledTerminal() {
	st.mu.Lock()
	reason := st.cancelReason
	usage := st.usage
	st.mu.Unlock()
	if reason == "" {
		reason = ReasonTimeout
	}

	st.coord.projects.SetStatus(st.ProjectID, registry.StatusCancelled)

	ev := event.New(event.TypeStreamCancelled)
	ev.Reason = reason
	ev.Usage = usage
	st.emit(ev)
}

// fail emits the error terminal and marks the project failed.
func (st *Stream) fail(err error) {
	ae := apperr.As(err)

	st.coord.projects.SetStatus(st.ProjectID, registry.StatusFailed)

	ev := event.New(event.TypeError)
	ev.Code = string(ae.Kind)
	ev.Message = ae.Message
	ev.RetryAfter = ae.RetryAfter
	st.mu.Lock()
	ev.Usage = st.usage
	st.mu.Unlock()
	st.emit(ev)

	st.logger.Error("stream failed", zap.String("kind", string(ae.Kind)), zap.Error(err))
}

func (st *Stream) committedPaths() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.committed...)
}

func (st *Stream) record(start time.Time, outcome string) {
	st.mu.Lock()
	usage := st.usage
	st.mu.Unlock()

	in, out := 0, 0
	if usage != nil {
		in, out = usage.InputTokens, usage.OutputTokens
	}
	metrics.RecordStream(st.providerTag, outcome, time.Since(start).Seconds(), in, out)
	st.logger.Info("stream finished",
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)),
	)
}
