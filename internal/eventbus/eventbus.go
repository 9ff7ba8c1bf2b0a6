// Package eventbus publishes stream events to NATS for external
// consumers (dashboards, audit tooling). Publishing is fire-and-forget:
// delivery to connected clients never depends on the bus.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
)

// Config holds NATS connection settings. An empty URL disables the bus.
type Config struct {
	URL   string
	Token string
}

// Bus is a thin publisher over a core NATS connection. A nil *Bus is
// valid and publishes nothing, so call sites need no guards.
type Bus struct {
	conn    *nats.Conn
	logger  *logger.Logger
	subject string
}

// Connect establishes the NATS connection, or returns (nil, nil) when no
// URL is configured.
func Connect(cfg Config, log *logger.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("nats connected", zap.String("url", cfg.URL))
	return &Bus{conn: nc, logger: log, subject: "codegen.events"}, nil
}

// Publish sends one event on the bus. Failures are logged and dropped.
func (b *Bus) Publish(ev *event.Event) {
	if b == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event marshal failed", zap.Error(err))
		return
	}

	subject := b.subject + "." + string(ev.Type)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Connected reports whether the bus has a live connection.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Close drains the connection. Safe on a nil bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
