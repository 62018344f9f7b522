package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes each record as JSON on
// "<prefix>.<threat_type>".
type NATSPublisher struct {
	nc     conn
	prefix string
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	log := logger.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("threatmesh-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject a threat type is published on.
func (p *NATSPublisher) Subject(t model.ThreatType) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, rec store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %d: %w", rec.Sequence, err)
	}
	if err := p.nc.Publish(p.Subject(rec.Event.ThreatType), data); err != nil {
		return fmt.Errorf("failed to publish record %d: %w", rec.Sequence, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
