package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

const (
	// EventsChannel is the pub/sub channel carrying committed events.
	EventsChannel = "vault_events"
	// EventsStream is the durable stream mirroring EventsChannel.
	EventsStream = "vault_events:log"
)

// EventSink receives committed events, e.g. the websocket hub or a notifier.
type EventSink interface {
	HandleEvent(ctx context.Context, e domain.Event) error
}

type namedSink struct {
	name string
	sink EventSink
}

// Publisher fans committed events out to the signal bus, the audit log and
// any registered sinks. Delivery is best-effort: failures are logged and
// never reach the caller, because the ledger has already committed.
type Publisher struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	sinks  []namedSink
	logger *slog.Logger
}

// NewPublisher creates a Publisher with no destinations.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// WithBus publishes every event on EventsChannel and appends it to EventsStream.
func (p *Publisher) WithBus(bus domain.SignalBus) *Publisher {
	p.bus = bus
	return p
}

// WithAudit writes every event to the audit log.
func (p *Publisher) WithAudit(audit domain.AuditStore) *Publisher {
	p.audit = audit
	return p
}

// WithSink registers an additional destination.
func (p *Publisher) WithSink(name string, sink EventSink) *Publisher {
	p.sinks = append(p.sinks, namedSink{name: name, sink: sink})
	return p
}

// Publish delivers events in order.
func (p *Publisher) Publish(ctx context.Context, events ...domain.Event) {
	for _, e := range events {
		p.publishOne(ctx, e)
	}
}

func (p *Publisher) publishOne(ctx context.Context, e domain.Event) {
	if p.bus != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			p.warn(ctx, "encode", e, err)
		} else {
			if err := p.bus.Publish(ctx, EventsChannel, payload); err != nil {
				p.warn(ctx, "bus_publish", e, err)
			}
			if err := p.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
				p.warn(ctx, "stream_append", e, err)
			}
		}
	}

	if p.audit != nil {
		if err := p.audit.Log(ctx, string(e.Kind), e.Detail()); err != nil {
			p.warn(ctx, "audit", e, err)
		}
	}

	for _, s := range p.sinks {
		if err := s.sink.HandleEvent(ctx, e); err != nil {
			p.warn(ctx, s.name, e, err)
		}
	}
}

func (p *Publisher) warn(ctx context.Context, dest string, e domain.Event, err error) {
	p.logger.WarnContext(ctx, "publisher: delivery failed",
		slog.String("destination", dest),
		slog.String("kind", string(e.Kind)),
		slog.Uint64("seq", e.Seq),
		slog.String("error", err.Error()),
	)
}
