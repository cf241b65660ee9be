package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
)

// DefaultSubject is the subject prefix alerts are published under.
const DefaultSubject = "proctor.alerts"

// NATSPublisher publishes events to <prefix>.<username>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher. The connection reconnects
// forever.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("exam-proctor-monitor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS", "Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS", "Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("NATS", "Connected to %s (subject: %s.<user>)", nc.ConnectedUrl(), prefixOrDefault(prefix))
	return NewNATSPublisher(nc, prefix), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefixOrDefault(prefix)}
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultSubject
	}
	return strings.TrimSuffix(prefix, ".")
}

// Subject returns the subject for user's events.
func (p *NATSPublisher) Subject(user string) string {
	return p.prefix + "." + subjectToken(user)
}

// subjectToken makes user safe as a single NATS subject token.
func subjectToken(user string) string {
	if user == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, user)
}

// Name implements Notifier.
func (p *NATSPublisher) Name() string { return "nats" }

// Notify implements Notifier.
func (p *NATSPublisher) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.User), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
