// Package gateway owns the client-facing transports: the websocket
// endpoint and the HTTP long-poll fallback. It authenticates clients,
// dispatches inbound messages and relays coordinator events.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/coordinator"
	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Conn is one websocket connection. It implements coordinator.Sink so it
// can subscribe to streams directly.
type Conn struct {
	ID string

	gw   *Gateway
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *logger.Logger

	mu            sync.Mutex
	authenticated bool
	principal     string
	sessionID     string
	subscriptions map[string]bool
	owned         map[string]bool
	closed        bool
}

func newConn(gw *Gateway, ws *websocket.Conn, authenticated bool, principal string) *Conn {
	id := uuid.Must(uuid.NewV7()).String()
	return &Conn{
		ID:            id,
		gw:            gw,
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		log:           gw.logger.With(zap.String("connection_id", id)),
		authenticated: authenticated,
		principal:     principal,
		subscriptions: make(map[string]bool),
		owned:         make(map[string]bool),
	}
}

// Deliver queues one event for the client. It blocks when the send buffer
// is full; the coordinator's per-subscriber queue absorbs the lag and
// drops this connection on overflow.
func (c *Conn) Deliver(ev *event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Warn("event marshal failed", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	case <-c.done:
	}
}

// reply sends an event originated by the gateway itself, bypassing any
// stream. Non-blocking: a client too slow for its own replies just
// misses them.
func (c *Conn) reply(ev *event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		metrics.EventsDropped.Inc()
	}
}

func (c *Conn) replyError(err error, streamID string) {
	ev := errorEvent(err, c.gw.expose)
	ev.StreamID = streamID
	c.reply(ev)
}

// readPump consumes inbound frames until the connection dies.
func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg event.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(badMessage("malformed JSON frame"), "")
			continue
		}
		c.gw.dispatch(c, &msg)
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs subscription cleanup exactly once. Owner-tied streams
// with no remaining subscribers are cancelled.
func (c *Conn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		subs = append(subs, id)
	}
	owned := make(map[string]bool, len(c.owned))
	for id := range c.owned {
		owned[id] = true
	}
	c.mu.Unlock()

	for _, streamID := range subs {
		remaining := c.gw.coordinator.Unsubscribe(streamID, c.ID)
		if owned[streamID] && remaining == 0 {
			c.gw.coordinator.Cancel(streamID, coordinator.ReasonDisconnect)
		}
	}

	c.gw.forget(c)
	close(c.done)
	metrics.WSConnectionsActive.Dec()
	c.log.Debug("connection closed")
}

func (c *Conn) track(streamID string, owner bool) {
	c.mu.Lock()
	c.subscriptions[streamID] = true
	if owner {
		c.owned[streamID] = true
	}
	c.mu.Unlock()
}

func (c *Conn) untrack(streamID string) {
	c.mu.Lock()
	delete(c.subscriptions, streamID)
	delete(c.owned, streamID)
	c.mu.Unlock()
}

func (c *Conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Conn) authenticate(principal string) {
	c.mu.Lock()
	c.authenticated = true
	c.principal = principal
	c.mu.Unlock()
}

func (c *Conn) client() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal != "" {
		return c.principal
	}
	return c.ID
}
