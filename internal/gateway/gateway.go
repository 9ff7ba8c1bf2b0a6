package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/coordinator"
	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/internal/ratelimit"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/internal/validate"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// Config carries the gateway's auth and CORS settings.
type Config struct {
	APIKey     string
	CORSOrigin string
	Production bool
}

// Gateway terminates websocket connections and the long-poll fallback.
type Gateway struct {
	cfg         Config
	coordinator *coordinator.Coordinator
	sessions    *registry.Sessions
	limiter     *ratelimit.Limiter
	logger      *logger.Logger
	upgrader    websocket.Upgrader
	expose      bool

	mu    sync.Mutex
	conns map[string]*Conn
	polls map[string]*poll
}

// New creates a gateway.
func New(cfg Config, coord *coordinator.Coordinator, sessions *registry.Sessions, limiter *ratelimit.Limiter, log *logger.Logger) *Gateway {
	gw := &Gateway{
		cfg:         cfg,
		coordinator: coord,
		sessions:    sessions,
		limiter:     limiter,
		logger:      log,
		expose:      !cfg.Production,
		conns:       make(map[string]*Conn),
		polls:       make(map[string]*poll),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == cfg.CORSOrigin
		},
	}
	return gw
}

// HandleWS upgrades the request and runs the connection. Auth is taken
// from the upgrade request when present; otherwise the first frame must
// be an auth message.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	authenticated := false
	principal := ""
	if token := bearerToken(r); token != "" && g.tokenValid(token) {
		authenticated = true
		principal = clientAddr(r)
	}
	if !g.authRequired() {
		authenticated = true
		if principal == "" {
			principal = clientAddr(r)
		}
	}

	conn := newConn(g, ws, authenticated, principal)
	g.mu.Lock()
	g.conns[conn.ID] = conn
	g.mu.Unlock()
	metrics.WSConnectionsActive.Inc()

	welcome := event.New(event.TypeWelcome)
	welcome.ConnectionID = conn.ID
	conn.reply(welcome)

	go conn.writePump()
	conn.readPump()
}

// dispatch routes one inbound message. Unknown types produce an error
// reply but never close the connection.
func (g *Gateway) dispatch(c *Conn, msg *event.Message) {
	if !msg.Known() {
		c.replyError(badMessage("unknown message type: "+string(msg.Type)), "")
		return
	}

	if msg.Type == event.MsgAuth {
		g.handleAuth(c, msg)
		return
	}
	if !c.isAuthenticated() {
		c.replyError(apperr.New(apperr.KindUnauthenticated, "authenticate first"), "")
		return
	}

	switch msg.Type {
	case event.MsgJoinSession:
		g.handleJoinSession(c, msg)
	case event.MsgSwitchMode:
		g.handleSwitchMode(c, msg)
	case event.MsgChatMessage:
		g.startStream(c, coordinator.KindGenerate, msg, msg.Content, validate.Content(msg.Content))
	case event.MsgCreateProject:
		g.startStream(c, coordinator.KindCreate, msg, msg.Description, validate.Description(msg.Description))
	case event.MsgContinueProject:
		g.startStream(c, coordinator.KindContinue, msg, msg.Instruction, validate.Instruction(msg.Instruction))
	case event.MsgStartGeneration:
		g.startStream(c, coordinator.KindGenerate, msg, msg.Content, validate.Content(msg.Content))
	case event.MsgSubscribeProject:
		g.handleSubscribeProject(c, msg)
	case event.MsgUnsubscribeProject:
		g.handleUnsubscribeProject(c, msg)
	case event.MsgCancelProject:
		if err := g.coordinator.CancelProject(msg.ProjectID, coordinator.ReasonUser); err != nil {
			c.replyError(err, "")
		}
	case event.MsgCancelStream:
		g.handleCancelStream(c, msg)
	}
}

func (g *Gateway) handleAuth(c *Conn, msg *event.Message) {
	if c.isAuthenticated() {
		return
	}
	if !g.tokenValid(msg.Token) {
		c.replyError(apperr.New(apperr.KindUnauthenticated, "invalid token"), "")
		return
	}
	c.authenticate(c.ID)

	welcome := event.New(event.TypeWelcome)
	welcome.ConnectionID = c.ID
	c.reply(welcome)
}

func (g *Gateway) handleJoinSession(c *Conn, msg *event.Message) {
	sess, err := g.sessions.Get(msg.SessionID)
	if err != nil {
		c.replyError(err, "")
		return
	}

	c.mu.Lock()
	c.sessionID = sess.ID
	c.mu.Unlock()

	joined := event.New(event.TypeSessionJoined)
	joined.SessionID = sess.ID
	joined.ConnectionID = c.ID
	joined.Mode = string(sess.Mode)
	c.reply(joined)
}

func (g *Gateway) handleSwitchMode(c *Conn, msg *event.Message) {
	mode, err := registry.ParseMode(msg.Mode)
	if err != nil {
		c.replyError(err, "")
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		c.mu.Lock()
		sessionID = c.sessionID
		c.mu.Unlock()
	}

	sw, err := g.sessions.SwitchMode(sessionID, mode)
	if err != nil {
		c.replyError(err, "")
		return
	}

	ev := event.New(event.TypeModeSwitched)
	ev.SessionID = sw.SessionID
	ev.Mode = string(sw.CurrentMode)
	ev.PreviousMode = string(sw.PreviousMode)
	c.reply(ev)
}

// startStream runs the shared validation and rate-limit gauntlet, then
// asks the coordinator for a stream with this connection subscribed.
func (g *Gateway) startStream(c *Conn, kind coordinator.Kind, msg *event.Message, text string, verr *apperr.Error) {
	if verr != nil {
		c.replyError(verr, "")
		return
	}
	if err := validate.Provider(msg.Provider); err != nil {
		c.replyError(err, "")
		return
	}

	decision := g.limiter.Allow(c.client())
	if !decision.Allowed {
		metrics.RateLimitRejections.WithLabelValues("socket").Inc()
		c.replyError(apperr.RateLimited(decision.RetryAfterSeconds()), "")
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		c.mu.Lock()
		sessionID = c.sessionID
		c.mu.Unlock()
	}

	req := &coordinator.Request{
		Kind:        kind,
		SessionID:   sessionID,
		ProjectID:   msg.ProjectID,
		Owner:       c.client(),
		Text:        text,
		Provider:    msg.Provider,
		PreviewOnly: msg.PreviewOnly,
	}

	handle, err := g.coordinator.Start(req, c.ID, c)
	if err != nil {
		c.replyError(err, "")
		return
	}
	c.track(handle.StreamID, true)
}

func (g *Gateway) handleSubscribeProject(c *Conn, msg *event.Message) {
	streamID, err := g.coordinator.ActiveStreamOf(msg.ProjectID)
	if err != nil {
		c.replyError(err, "")
		return
	}
	if streamID == "" {
		c.replyError(apperr.New(apperr.KindNotFound, "project has no active stream"), "")
		return
	}
	if err := g.coordinator.Subscribe(streamID, c.ID, c); err != nil {
		c.replyError(err, "")
		return
	}
	c.track(streamID, false)
}

func (g *Gateway) handleUnsubscribeProject(c *Conn, msg *event.Message) {
	streamID, err := g.coordinator.ActiveStreamOf(msg.ProjectID)
	if err != nil || streamID == "" {
		return
	}
	g.coordinator.Unsubscribe(streamID, c.ID)
	c.untrack(streamID)
}

func (g *Gateway) handleCancelStream(c *Conn, msg *event.Message) {
	term, err := g.coordinator.Cancel(msg.StreamID, coordinator.ReasonUser)
	if err != nil {
		c.replyError(err, msg.StreamID)
		return
	}
	// Cancelling an already-terminated stream replays its terminal so
	// the client converges regardless of timing.
	if term != nil {
		c.reply(term)
	}
}

func (g *Gateway) forget(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c.ID)
	g.mu.Unlock()
}

// CloseAll tears down every connection. Called on shutdown after the
// coordinator has cancelled its streams.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (g *Gateway) authRequired() bool {
	return g.cfg.APIKey != ""
}

func (g *Gateway) tokenValid(token string) bool {
	if !g.authRequired() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.APIKey)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Browsers cannot set headers on websocket upgrades; accept a query
	// parameter on this endpoint only.
	return r.URL.Query().Get("token")
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

func badMessage(msg string) *apperr.Error {
	return apperr.New(apperr.KindValidation, msg)
}

// errorEvent renders an error as an outbound error event. Internal detail
// is hidden unless expose is set.
func errorEvent(err error, expose bool) *event.Event {
	body := apperr.ToBody(err, expose)
	ev := event.New(event.TypeError)
	ev.Code = body.Error
	ev.Message = body.Message
	ev.RetryAfter = body.RetryAfter
	return ev
}
