package relay

import (
	"context"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// EventSender forwards a single event, for example *ingestion.HECSender.
type EventSender interface {
	Send(ctx context.Context, ev model.ThreatEvent) error
}

// EventPublisher adapts an EventSender to Publisher. Only the event state
// is forwarded.
type EventPublisher struct {
	Sender EventSender
}

// Publish implements Publisher.
func (p *EventPublisher) Publish(ctx context.Context, rec store.Record) error {
	return p.Sender.Send(ctx, rec.Event)
}

// Close implements Publisher.
func (p *EventPublisher) Close() error { return nil }
