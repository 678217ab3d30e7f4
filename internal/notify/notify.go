// Package notify turns business events into notification frames for
// connected users. It sits on top of the hub's broadcast primitive: the
// application layer (or the message broker) says what happened and to whom,
// and the dispatcher picks the right target selector.
package notify

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/marinoas/legal-crm-sub002/internal/rooms"
	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

// Broadcaster publishes one targeted message cluster-wide.
type Broadcaster interface {
	Broadcast(ctx context.Context, target string, msg wire.Outbound) error
}

// Dispatcher fans notifications out to users, roles, entity rooms or
// everyone.
type Dispatcher struct {
	b    Broadcaster
	sent metric.Int64Counter
}

func NewDispatcher(b Broadcaster) *Dispatcher {
	d := &Dispatcher{b: b}
	meter := otel.Meter("notify")
	d.sent, _ = meter.Int64Counter("notify_dispatched_total",
		metric.WithDescription("Notifications dispatched to the hub"))
	return d
}

// NotifyUser pushes a notification to every connection of one user.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, payload json.RawMessage) error {
	return d.send(ctx, wire.UserTarget(userID), payload)
}

// NotifyRole pushes a notification to everyone holding an office role.
func (d *Dispatcher) NotifyRole(ctx context.Context, role string, payload json.RawMessage) error {
	return d.send(ctx, wire.RoomTarget(rooms.RoleRoom(role)), payload)
}

// NotifyRoom pushes a notification to a room's current members.
func (d *Dispatcher) NotifyRoom(ctx context.Context, room string, payload json.RawMessage) error {
	return d.send(ctx, wire.RoomTarget(room), payload)
}

// AnnounceAll pushes a notification to every connected user.
func (d *Dispatcher) AnnounceAll(ctx context.Context, payload json.RawMessage) error {
	return d.send(ctx, wire.TargetAll, payload)
}

func (d *Dispatcher) send(ctx context.Context, target string, payload json.RawMessage) error {
	err := d.b.Broadcast(ctx, target, wire.Outbound{
		Type:    wire.TypeNotification,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	d.sent.Add(ctx, 1)
	return nil
}
