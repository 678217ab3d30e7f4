// Package relay carries broadcast envelopes between hub processes over
// a single shared subject. Every instance (including the publisher) receives
// every envelope; publishers pre-deliver locally and skip their own relayed
// copy by origin, so delivery is at-most-once per connection with no broker
// round-trip on the fast path. Nothing is queued while the broker is down:
// that gap is a stated property of the design, not a defect.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marinoas/legal-crm-sub002/internal/otelhelper"
	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

// DefaultSubject is the shared broadcast subject.
const DefaultSubject = "hub.events"

// Handler consumes one inbound envelope. Handlers must be idempotent:
// duplicate and out-of-order delivery are tolerated by design.
type Handler func(wire.Envelope)

// Relay publishes envelopes to every hub process.
type Relay interface {
	Publish(ctx context.Context, env wire.Envelope) error
	Close()
}

// NATS is the production relay. No queue group: every instance needs every
// envelope. Reconnection and backoff are the NATS client's (configured in
// main with MaxReconnects(-1)); while disconnected the hub keeps serving
// local traffic and Publish returns an error the caller logs and drops.
type NATS struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription

	published metric.Int64Counter
	received  metric.Int64Counter
	malformed metric.Int64Counter
}

// NewNATS subscribes to the shared subject and routes every valid envelope
// to h.
func NewNATS(nc *nats.Conn, subject string, h Handler) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	meter := otel.Meter("relay")
	published, _ := meter.Int64Counter("relay_published_total",
		metric.WithDescription("Envelopes published to the shared subject"))
	received, _ := meter.Int64Counter("relay_received_total",
		metric.WithDescription("Envelopes received from the shared subject"))
	malformed, _ := meter.Int64Counter("relay_malformed_total",
		metric.WithDescription("Inbound relay messages dropped as malformed"))

	r := &NATS{
		nc:        nc,
		subject:   subject,
		published: published,
		received:  received,
		malformed: malformed,
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "relay envelope")
		defer span.End()

		var env wire.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			r.malformed.Add(ctx, 1)
			slog.Warn("Dropping malformed relay envelope", "error", err)
			return
		}
		r.received.Add(ctx, 1, metric.WithAttributes(attribute.String("type", env.Type)))
		h(env)
	})
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *NATS) Publish(ctx context.Context, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := otelhelper.TracedPublish(ctx, r.nc, r.subject, data); err != nil {
		return err
	}
	r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", env.Type)))
	return nil
}

func (r *NATS) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}
