// Package hub is the event router at the center of a collaboration hub
// process. A single goroutine owns the connection table, room registry,
// membership mirror and lock table; gateway pumps, relay callbacks and the
// sweep ticker post tagged events into it, so no two tasks ever mutate the
// registries concurrently within one process.
package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/marinoas/legal-crm-sub002/internal/locks"
	"github.com/marinoas/legal-crm-sub002/internal/relay"
	"github.com/marinoas/legal-crm-sub002/internal/rooms"
	"github.com/marinoas/legal-crm-sub002/internal/state"
	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

// ErrTooManyConns rejects a registration that would exceed the per-user
// connection ceiling.
var ErrTooManyConns = errors.New("hub: too many connections for user")

// Sender delivers outbound frames to one connection. Implementations must
// not block: the gateway queues onto a buffered channel and force-closes
// slow consumers.
type Sender interface {
	Send(msg wire.Outbound) error
	Close()
}

// Conn is one live, authenticated connection.
type Conn struct {
	ID        string
	UserID    string
	Role      string
	Name      string
	CreatedAt time.Time

	sender Sender
}

// NewConn builds a connection record around a sender.
func NewConn(id, userID, role, name string, s Sender) *Conn {
	return &Conn{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
		sender:    s,
	}
}

// ContactResolver answers which users should be told about a user's presence
// transitions. How contacts are computed belongs to the business layer; the
// hub only consumes the answer.
type ContactResolver interface {
	Contacts(ctx context.Context, userID string) ([]string, error)
}

// StaticContacts is a fixed in-memory resolver.
type StaticContacts map[string][]string

func (s StaticContacts) Contacts(_ context.Context, userID string) ([]string, error) {
	return s[userID], nil
}

// Config tunes one hub instance.
type Config struct {
	// InstanceID distinguishes this process on the relay. Leave empty to
	// have New assign one.
	InstanceID string

	// LockTTL bounds lock staleness: a lock not renewed within it is
	// reclaimed by the sweep.
	LockTTL time.Duration

	// SweepEvery is the interval of the TTL sweep and registry touch tick.
	SweepEvery time.Duration

	// MaxConnsPerUser caps simultaneous connections per user. Zero means
	// unlimited.
	MaxConnsPerUser int

	// EventBuffer sizes the event queue.
	EventBuffer int
}

func (c *Config) norm() {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Hub routes every inbound client message, relay envelope and timer tick to
// the stores it owns and fans resulting messages out to local connections
// and the relay.
type Hub struct {
	cfg      Config
	st       state.Store
	rel      relay.Relay
	contacts ContactResolver

	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
	reg    *rooms.Registry
	mirror *rooms.Membership
	table  *locks.Table

	events chan event

	connGauge atomic.Int64
	roomGauge atomic.Int64
	lockGauge atomic.Int64
	m         instruments
}

type instruments struct {
	registered  metric.Int64Counter
	closed      metric.Int64Counter
	fanout      metric.Int64Counter
	lockGrants  metric.Int64Counter
	lockDenies  metric.Int64Counter
	lockExpired metric.Int64Counter
	malformed   metric.Int64Counter
}

// New constructs a hub. Call SetRelay before Run; until then broadcasts stay
// local (degraded single-instance mode).
func New(cfg Config, st state.Store, contacts ContactResolver) *Hub {
	cfg.norm()
	if cfg.InstanceID == "" {
		cfg.InstanceID = newInstanceID()
	}
	h := &Hub{
		cfg:      cfg,
		st:       st,
		contacts: contacts,
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		reg:      rooms.NewRegistry(),
		mirror:   rooms.NewMembership(),
		table:    locks.NewTable(),
		events:   make(chan event, cfg.EventBuffer),
	}

	meter := otel.Meter("hub")
	h.m.registered, _ = meter.Int64Counter("hub_connections_registered_total",
		metric.WithDescription("Connections accepted after authentication"))
	h.m.closed, _ = meter.Int64Counter("hub_connections_closed_total",
		metric.WithDescription("Connections fully cleaned up"))
	h.m.fanout, _ = meter.Int64Counter("hub_fanout_messages_total",
		metric.WithDescription("Outbound frames delivered to local connections"))
	h.m.lockGrants, _ = meter.Int64Counter("hub_lock_grants_total",
		metric.WithDescription("Lock acquisitions granted"))
	h.m.lockDenies, _ = meter.Int64Counter("hub_lock_denies_total",
		metric.WithDescription("Lock acquisitions denied"))
	h.m.lockExpired, _ = meter.Int64Counter("hub_lock_expired_total",
		metric.WithDescription("Locks reclaimed by TTL sweep"))
	h.m.malformed, _ = meter.Int64Counter("hub_malformed_inbound_total",
		metric.WithDescription("Inbound client frames dropped as malformed"))

	connGauge, _ := meter.Int64ObservableGauge("hub_open_connections",
		metric.WithDescription("Currently open connections"))
	roomGauge, _ := meter.Int64ObservableGauge("hub_active_rooms",
		metric.WithDescription("Rooms with at least one local member"))
	lockGauge, _ := meter.Int64ObservableGauge("hub_held_locks",
		metric.WithDescription("Locks held by local connections"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, h.connGauge.Load())
		o.ObserveInt64(roomGauge, h.roomGauge.Load())
		o.ObserveInt64(lockGauge, h.lockGauge.Load())
		return nil
	}, connGauge, roomGauge, lockGauge)

	return h
}

// SetRelay wires the cross-instance relay. Must be called before Run.
func (h *Hub) SetRelay(r relay.Relay) { h.rel = r }

// InstanceID returns this hub's relay origin ID.
func (h *Hub) InstanceID() string { return h.cfg.InstanceID }

// Run processes events until ctx is cancelled. Exactly one Run per hub.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ctx, ev)
		case now := <-ticker.C:
			h.dispatch(ctx, evSweep{now: now})
		}
	}
}

// Tagged events. Every mutation of hub state flows through exactly one of
// these variants.
type event interface{ isEvent() }

type evRegister struct {
	conn  *Conn
	reply chan error
}

type evDisconnect struct{ connID string }

type evInbound struct {
	connID string
	data   []byte
}

type evEnvelope struct{ env wire.Envelope }

type evConnExpired struct{ userID, connID string }

type evSweep struct{ now time.Time }

type evShutdown struct{ done chan struct{} }

func (evRegister) isEvent()    {}
func (evDisconnect) isEvent()  {}
func (evInbound) isEvent()     {}
func (evEnvelope) isEvent()    {}
func (evConnExpired) isEvent() {}
func (evSweep) isEvent()       {}
func (evShutdown) isEvent()    {}

// Register admits an authenticated connection: presence goes online if this
// is the user's first connection anywhere, and the personal and role rooms
// are auto-joined. Blocks until the event loop has processed the
// registration.
func (h *Hub) Register(ctx context.Context, conn *Conn) error {
	reply := make(chan error, 1)
	select {
	case h.events <- evRegister{conn: conn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect runs the full cleanup path for a closed connection: room
// departures with announcements, lock releases with broadcasts, presence
// removal with an offline transition if it was the user's last connection.
func (h *Hub) Disconnect(connID string) {
	h.post(evDisconnect{connID: connID})
}

// HandleMessage routes one raw client frame into the event loop.
func (h *Hub) HandleMessage(connID string, data []byte) {
	h.post(evInbound{connID: connID, data: data})
}

// Deliver is the relay inbound handler. Envelopes this instance published
// are skipped: their local delivery already happened at publish time.
func (h *Hub) Deliver(env wire.Envelope) {
	if env.Origin == h.cfg.InstanceID {
		return
	}
	h.post(evEnvelope{env: env})
}

// ConnExpired reacts to the shared registry reporting a connection entry
// aged out; wire it to the state store's expiry callback.
func (h *Hub) ConnExpired(userID, connID string) {
	h.post(evConnExpired{userID: userID, connID: connID})
}

// Shutdown disconnects every local connection with the full cleanup path,
// so departures and offline transitions reach the rest of the cluster. Call
// after the listener stops accepting and before cancelling Run's context.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case h.events <- evShutdown{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast publishes a targeted message cluster-wide, delivering to local
// connections through the event loop. This is the entry point for the
// notification dispatcher and domain-event ingestion.
func (h *Hub) Broadcast(ctx context.Context, target string, msg wire.Outbound) error {
	env, err := wire.NewEnvelope(target, h.cfg.InstanceID, "", msg)
	if err != nil {
		return err
	}
	h.post(evEnvelope{env: env})
	if h.rel == nil {
		return nil
	}
	return h.rel.Publish(ctx, env)
}

func (h *Hub) post(ev event) {
	h.events <- ev
}

func newInstanceID() string {
	return "hub-" + uuid.NewString()
}

func nowMillis(t time.Time) int64 { return t.UnixMilli() }
