package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/marinoas/legal-crm-sub002/internal/otelhelper"
	"github.com/marinoas/legal-crm-sub002/internal/rooms"
)

// DefaultEventSubject is where the office-management backend publishes
// domain events.
const DefaultEventSubject = "crm.events"

// Event is one business occurrence published by the backend: a case update,
// a document upload, a deadline reminder. Routing is positional: a user ID
// beats a role, a role beats an entity room, and an event naming none of
// them goes to everyone.
type Event struct {
	Entity   string          `json:"entity,omitempty"` // "case", "client" or "document"
	EntityID string          `json:"entityId,omitempty"`
	Action   string          `json:"action,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Role     string          `json:"role,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

var entityPrefixes = map[string]string{
	"case":     rooms.CasePrefix,
	"client":   rooms.ClientPrefix,
	"document": rooms.DocumentPrefix,
}

// route picks the dispatch target for one event.
func route(ctx context.Context, d *Dispatcher, ev Event) error {
	switch {
	case ev.UserID != "":
		return d.NotifyUser(ctx, ev.UserID, ev.Payload)
	case ev.Role != "":
		return d.NotifyRole(ctx, ev.Role, ev.Payload)
	case ev.Entity != "" && ev.EntityID != "":
		prefix, ok := entityPrefixes[ev.Entity]
		if !ok {
			return fmt.Errorf("unknown entity kind %q", ev.Entity)
		}
		return d.NotifyRoom(ctx, prefix+ev.EntityID, ev.Payload)
	default:
		return d.AnnounceAll(ctx, ev.Payload)
	}
}

// Ingestor consumes domain events off the broker and routes them through
// the dispatcher. Subscribed with a queue group so a multi-instance
// deployment dispatches each event once; the hub relay then spreads it to
// every instance's connections.
type Ingestor struct {
	sub *nats.Subscription
}

func NewIngestor(nc *nats.Conn, subject string, d *Dispatcher) (*Ingestor, error) {
	if subject == "" {
		subject = DefaultEventSubject
	}
	sub, err := nc.QueueSubscribe(subject, "notify", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "notify.ingest")
		defer span.End()

		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("Dropping malformed domain event", "error", err, "subject", msg.Subject)
			return
		}

		if err := route(ctx, d, ev); err != nil {
			slog.Error("Failed to dispatch domain event", "error", err, "action", ev.Action)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to domain events: %w", err)
	}
	return &Ingestor{sub: sub}, nil
}

// Close stops consuming domain events.
func (i *Ingestor) Close() {
	if i.sub != nil {
		i.sub.Unsubscribe()
	}
}
