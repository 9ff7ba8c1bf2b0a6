// Package coordinator binds a generation request to a provider stream, a
// parser, a project and its subscribers, and enforces cancellation,
// timeouts and back-pressure.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/internal/eventbus"
	"github.com/promptforge-ai/codegen-platform/internal/llm"
	"github.com/promptforge-ai/codegen-platform/internal/prompt"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// Kind is the request kind driving a stream.
type Kind string

const (
	KindCreate   Kind = "create"
	KindContinue Kind = "continue"
	KindGenerate Kind = "generate"
	KindEdit     Kind = "edit"
	KindDiff     Kind = "diff"
	KindBulk     Kind = "bulk"
)

// Config carries the coordinator's timing and capacity limits.
type Config struct {
	FirstChunkTimeout time.Duration
	IdleTimeout       time.Duration
	StreamTimeout     time.Duration
	MaxConcurrent     int64
	SoftCap           int
	HardCap           int

	// DefaultQuality is assigned to sessions created implicitly by a
	// generation request.
	DefaultQuality registry.Quality
}

// Request is a validated generation request. Validation happens at the
// gateway; by the time a request reaches Start it is well formed.
type Request struct {
	Kind        Kind
	SessionID   string
	ProjectID   string
	Owner       string
	Text        string
	Provider    string
	Model       string
	Framework   string
	Features    []string
	PreviewOnly bool
}

// Handle identifies a started stream. Existing is set when an identical
// request was already in flight and the caller was attached to it.
type Handle struct {
	StreamID  string
	ProjectID string
	SessionID string
	Existing  bool
}

// Coordinator orchestrates all active streams.
type Coordinator struct {
	cfg       Config
	providers *llm.Registry
	sessions  *registry.Sessions
	projects  *registry.Projects
	prompts   *prompt.Builder
	bus       *eventbus.Bus
	logger    *logger.Logger
	sem       *semaphore.Weighted

	mu       sync.Mutex
	streams  map[string]*Stream
	inflight map[string]string
	wg       sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config, providers *llm.Registry, sessions *registry.Sessions, projects *registry.Projects, prompts *prompt.Builder, bus *eventbus.Bus, log *logger.Logger) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = 256
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 1024
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = registry.QualityStandard
	}
	if prompts == nil {
		prompts = prompt.NewEstimator(0, 0)
	}
	return &Coordinator{
		cfg:       cfg,
		providers: providers,
		sessions:  sessions,
		projects:  projects,
		prompts:   prompts,
		bus:       bus,
		logger:    log,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		streams:   make(map[string]*Stream),
		inflight:  make(map[string]string),
	}
}

// Start begins a stream for the request and attaches sink as its first
// subscriber. An identical in-flight request (same session, project and
// user turn) is not restarted; the sink joins the existing stream and the
// existing stream id is returned.
func (c *Coordinator) Start(req *Request, subID string, sink Sink) (*Handle, error) {
	sess, proj, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	key := dedupeKey(sess.ID, proj.ID, req.Text)

	c.mu.Lock()
	if existingID, ok := c.inflight[key]; ok {
		st := c.streams[existingID]
		c.mu.Unlock()
		if st != nil {
			st.subscribe(subID, sink)
			return &Handle{StreamID: existingID, ProjectID: proj.ID, SessionID: sess.ID, Existing: true}, nil
		}
		// Raced with termination; fall through and start fresh.
		c.mu.Lock()
	}
	c.mu.Unlock()

	if !c.sem.TryAcquire(1) {
		return nil, apperr.New(apperr.KindRateLimited, "too many concurrent streams")
	}

	streamID := uuid.Must(uuid.NewV7()).String()
	if err := c.projects.ClaimStream(proj.ID, streamID); err != nil {
		c.sem.Release(1)
		return nil, err
	}

	// Snapshot history before recording the new turn so the prompt does
	// not carry the current text twice.
	provReq := c.prompts.Build(sess, proj, req.Text)
	provReq.Model = req.Model
	c.sessions.Append(sess.ID, registry.RoleUser, req.Text)

	provider, err := c.providers.Get(req.Provider)
	if err != nil {
		c.projects.ReleaseStream(proj.ID, streamID)
		c.sem.Release(1)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StreamTimeout)
	st := &Stream{
		ID:          streamID,
		ProjectID:   proj.ID,
		SessionID:   sess.ID,
		Kind:        req.Kind,
		coord:       c,
		providerTag: provider.Name(),
		previewOnly: req.PreviewOnly,
		cancel:      cancel,
		logger:      c.logger.WithStream(streamID, proj.ID, sess.ID),
		subs:        make(map[string]*subscriber),
	}
	st.subscribe(subID, sink)

	c.mu.Lock()
	c.streams[streamID] = st
	c.inflight[key] = streamID
	c.mu.Unlock()

	metrics.ProjectsTotal.WithLabelValues(string(req.Kind)).Inc()
	st.logger.Info("stream started",
		zap.String("kind", string(req.Kind)),
		zap.String("provider", provider.Name()),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		st.run(ctx, provider, provReq, proj, sess.Quality)
	}()

	return &Handle{StreamID: streamID, ProjectID: proj.ID, SessionID: sess.ID}, nil
}

// resolve finds or creates the session and project for a request.
func (c *Coordinator) resolve(req *Request) (*registry.Session, *registry.Project, error) {
	var sess *registry.Session
	if req.SessionID != "" {
		s, err := c.sessions.Get(req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		sess = s
	} else {
		sess = c.sessions.Create(req.Owner, registry.ModeAct, c.cfg.DefaultQuality)
	}

	var proj *registry.Project
	if req.ProjectID != "" {
		p, err := c.projects.Get(req.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		if p.Status.Terminal() {
			return nil, nil, apperr.New(apperr.KindValidation, "project is "+string(p.Status))
		}
		proj = p
	} else {
		proj = c.projects.Create(sess.ID, req.Owner, req.Text, req.Framework, req.Features)
	}

	return sess, proj, nil
}

// Subscribe attaches an additional sink to a running stream.
func (c *Coordinator) Subscribe(streamID, subID string, sink Sink) error {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindNotFound, "stream not found")
	}
	st.subscribe(subID, sink)
	return nil
}

// Unsubscribe detaches a sink and reports how many subscribers remain.
// Detaching the last subscriber does not cancel the stream; callers that
// tie stream lifetime to a connection cancel explicitly.
func (c *Coordinator) Unsubscribe(streamID, subID string) (remaining int) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return st.unsubscribe(subID)
}

// Cancel requests cancellation of a stream. Cancelling a stream that has
// already terminated returns its recorded terminal event.
func (c *Coordinator) Cancel(streamID, reason string) (*event.Event, error) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "stream not found")
	}
	return st.Cancel(reason), nil
}

// CancelProject cancels the project's active stream, or marks an idle
// active project cancelled directly.
func (c *Coordinator) CancelProject(projectID, reason string) error {
	streamID, err := c.projects.ActiveStream(projectID)
	if err != nil {
		return err
	}
	if streamID == "" {
		return c.projects.SetStatus(projectID, registry.StatusCancelled)
	}
	_, err = c.Cancel(streamID, reason)
	return err
}

// ActiveStreamOf returns the id of a project's in-flight stream, empty
// when the project is idle.
func (c *Coordinator) ActiveStreamOf(projectID string) (string, error) {
	return c.projects.ActiveStream(projectID)
}

// Stream returns the live stream with the given id.
func (c *Coordinator) Stream(streamID string) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	return st, ok
}

// Shutdown cancels every active stream and waits for their terminal
// events, or until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	for _, st := range streams {
		st.Cancel(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release is called by a stream's run loop on exit.
func (c *Coordinator) release(st *Stream) {
	c.projects.ReleaseStream(st.ProjectID, st.ID)
	c.sem.Release(1)

	c.mu.Lock()
	for key, id := range c.inflight {
		if id == st.ID {
			delete(c.inflight, key)
		}
	}
	// The stream stays registered for a while so late cancels can read
	// its terminal event; inflight dedupe no longer points at it.
	c.mu.Unlock()

	time.AfterFunc(terminalRetention, func() {
		c.mu.Lock()
		delete(c.streams, st.ID)
		c.mu.Unlock()
	})
}

// terminalRetention is how long a finished stream remains addressable.
const terminalRetention = 5 * time.Minute

func dedupeKey(sessionID, projectID, text string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + projectID + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
