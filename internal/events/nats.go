// Package events broadcasts progress snapshots to NATS subscribers.
package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/pipeline"
)

// DefaultSubject is the subject progress snapshots are published on.
const DefaultSubject = "finscan.progress"

// Config configures the NATS connection.
type Config struct {
	URL           string
	Subject       string
	Name          string
	MaxReconnects int
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes every snapshot as JSON. Delivery is best effort;
// pollers of the progress endpoint remain authoritative.
type NATSPublisher struct {
	conn    Conn
	subject string
}

var _ pipeline.Publisher = (*NATSPublisher)(nil)

// Connect dials NATS and returns a publisher. An empty URL returns nil,
// nil: progress events are disabled.
func Connect(cfg Config) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if cfg.Name == "" {
		cfg.Name = "finscan"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				zap.L().Warn("events: nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.L().Info("events: nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "events: connect %s", cfg.URL)
	}
	return NewNATSPublisher(nc, cfg.Subject), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// Publish sends snap on the configured subject.
func (p *NATSPublisher) Publish(ctx context.Context, snap pipeline.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "events: marshal snapshot")
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return eris.Wrapf(err, "events: publish %s", p.subject)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return eris.Wrap(err, "events: drain")
	}
	return nil
}
