package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/veilbet/internal/domain"
)

// EventChannel is the Pub/Sub channel core events are published on.
const EventChannel = "ch:events"

// EventStream is the durable Redis stream core events are appended to.
const EventStream = "stream:events"

// EventPublisher is a domain.EventSink that fans core events out over the
// signal bus: Pub/Sub for live subscribers (websocket hub, projector) and
// a stream for replayable delivery.
type EventPublisher struct {
	bus *SignalBus
}

// NewEventPublisher creates an EventPublisher on the given bus.
func NewEventPublisher(bus *SignalBus) *EventPublisher {
	return &EventPublisher{bus: bus}
}

// Append publishes the event as JSON on both transports.
func (p *EventPublisher) Append(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", ev.ID, err)
	}
	if err := p.bus.Publish(ctx, EventChannel, payload); err != nil {
		return err
	}
	return p.bus.StreamAppend(ctx, EventStream, payload)
}

// Compile-time interface check.
var _ domain.EventSink = (*EventPublisher)(nil)
