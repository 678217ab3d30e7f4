package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marinoas/legal-crm-sub002/internal/locks"
	"github.com/marinoas/legal-crm-sub002/internal/presence"
	"github.com/marinoas/legal-crm-sub002/internal/rooms"
	"github.com/marinoas/legal-crm-sub002/internal/state"
	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

func (h *Hub) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case evRegister:
		e.reply <- h.handleRegister(ctx, e.conn)
	case evDisconnect:
		h.handleDisconnect(ctx, e.connID)
	case evInbound:
		h.handleInbound(ctx, e.connID, e.data)
	case evEnvelope:
		h.applyEnvelope(ctx, e.env)
	case evConnExpired:
		h.handleConnExpired(ctx, e.userID, e.connID)
	case evSweep:
		h.handleSweep(ctx, e.now)
	case evShutdown:
		h.handleShutdown(ctx)
		close(e.done)
	}
}

func (h *Hub) handleShutdown(ctx context.Context) {
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.handleDisconnect(ctx, id)
	}
}

func (h *Hub) handleRegister(ctx context.Context, conn *Conn) error {
	if h.cfg.MaxConnsPerUser > 0 && len(h.byUser[conn.UserID]) >= h.cfg.MaxConnsPerUser {
		return ErrTooManyConns
	}
	first, err := h.st.AddConn(ctx, conn.UserID, conn.ID)
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}

	h.conns[conn.ID] = conn
	if h.byUser[conn.UserID] == nil {
		h.byUser[conn.UserID] = make(map[string]*Conn)
	}
	h.byUser[conn.UserID][conn.ID] = conn

	// Personal and role rooms are joined silently: no announcements, no
	// snapshots, they exist only as broadcast targets.
	h.reg.Join(conn.ID, rooms.UserRoom(conn.UserID))
	if conn.Role != "" {
		h.reg.Join(conn.ID, rooms.RoleRoom(conn.Role))
	}

	if first {
		rec := presence.Record{Status: presence.StatusOnline, LastSeen: nowMillis(time.Now())}
		if err := h.st.SetStatus(ctx, conn.UserID, rec); err != nil {
			slog.Error("Failed to store presence status", "error", err, "user", conn.UserID)
		}
		h.announcePresence(ctx, conn.UserID, rec, conn.ID)
	}

	h.sendTo(ctx, conn, wire.Outbound{Type: wire.TypeAuthOK, ConnID: conn.ID, UserID: conn.UserID})
	h.m.registered.Add(ctx, 1)
	h.syncGauges()
	slog.Info("Connection registered", "conn", conn.ID, "user", conn.UserID, "first", first)
	return nil
}

// handleDisconnect runs full cleanup in a fixed order: room departures
// first so remaining members stop seeing the user, then lock releases so
// documents unlock, then presence so the offline transition is announced
// last.
func (h *Hub) handleDisconnect(ctx context.Context, connID string) {
	conn, ok := h.conns[connID]
	if !ok {
		return
	}

	for _, room := range h.reg.Rooms(connID) {
		h.reg.Leave(connID, room)
		if rooms.IsEntityRoom(room) {
			h.broadcastMsg(ctx, wire.RoomTarget(room), connID, wire.Outbound{
				Type:   wire.TypeRoomMemberLeft,
				Room:   room,
				UserID: conn.UserID,
				ConnID: connID,
			})
		}
	}

	h.releaseConnLocks(ctx, conn)

	last, err := h.st.RemoveConn(ctx, conn.UserID, connID)
	if err != nil {
		slog.Error("Failed to remove connection from registry", "error", err, "conn", connID)
	}
	delete(h.conns, connID)
	if set := h.byUser[conn.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.byUser, conn.UserID)
		}
	}
	conn.sender.Close()

	if last {
		h.markOffline(ctx, conn.UserID)
	}

	h.m.closed.Add(ctx, 1)
	h.syncGauges()
	slog.Info("Connection closed", "conn", connID, "user", conn.UserID, "last", last)
}

// markOffline runs the cluster-wide offline compare-and-swap; only the
// winner announces, so concurrent last-connection closes on different
// instances produce exactly one offline event.
func (h *Hub) markOffline(ctx context.Context, userID string) {
	now := nowMillis(time.Now())
	won, err := h.st.MarkOffline(ctx, userID, now)
	if err != nil {
		slog.Error("Failed to mark user offline", "error", err, "user", userID)
		return
	}
	if !won {
		return
	}
	h.announcePresence(ctx, userID, presence.Record{Status: presence.StatusOffline, LastSeen: now}, "")
}

func (h *Hub) handleInbound(ctx context.Context, connID string, data []byte) {
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	var msg wire.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.m.malformed.Add(ctx, 1)
		h.sendError(ctx, conn, "malformed message")
		return
	}

	switch msg.Type {
	case wire.TypeJoinRoom:
		h.handleJoin(ctx, conn, msg.Room)
	case wire.TypeLeaveRoom:
		h.handleLeave(ctx, conn, msg.Room)
	case wire.TypeLockAcquire:
		h.handleLockAcquire(ctx, conn, msg)
	case wire.TypeLockRelease:
		h.handleLockRelease(ctx, conn, msg)
	case wire.TypePresenceUpdate:
		h.handlePresenceUpdate(ctx, conn, msg.Status)
	case wire.TypeTypingStart:
		h.handleTyping(ctx, conn, msg, true)
	case wire.TypeTypingStop:
		h.handleTyping(ctx, conn, msg, false)
	case wire.TypeAuth:
		h.sendError(ctx, conn, "already authenticated")
	default:
		h.m.malformed.Add(ctx, 1)
		h.sendError(ctx, conn, "unknown message type")
	}
}

func (h *Hub) handleJoin(ctx context.Context, conn *Conn, room string) {
	if room == "" {
		h.sendError(ctx, conn, "missing room")
		return
	}
	if strings.HasPrefix(room, rooms.UserPrefix) || strings.HasPrefix(room, rooms.RolePrefix) {
		h.sendError(ctx, conn, "reserved room")
		return
	}
	if !h.reg.Join(conn.ID, room) {
		return
	}

	if rooms.IsEntityRoom(room) {
		// The announcement flows through applyEnvelope, which records the
		// joiner in the cluster mirror before the snapshot is built, so the
		// snapshot includes the joiner.
		h.broadcastMsg(ctx, wire.RoomTarget(room), conn.ID, wire.Outbound{
			Type:   wire.TypeRoomMemberJoined,
			Room:   room,
			UserID: conn.UserID,
			ConnID: conn.ID,
		})
		h.sendTo(ctx, conn, wire.Outbound{
			Type:    wire.TypeRoomSnapshot,
			Room:    room,
			Members: h.snapshot(ctx, room),
		})
	}
	h.syncGauges()
}

func (h *Hub) handleLeave(ctx context.Context, conn *Conn, room string) {
	if room == "" {
		h.sendError(ctx, conn, "missing room")
		return
	}
	if !h.reg.Leave(conn.ID, room) {
		return
	}
	if rooms.IsEntityRoom(room) {
		h.broadcastMsg(ctx, wire.RoomTarget(room), conn.ID, wire.Outbound{
			Type:   wire.TypeRoomMemberLeft,
			Room:   room,
			UserID: conn.UserID,
			ConnID: conn.ID,
		})
	}
	h.syncGauges()
}

func (h *Hub) handleLockAcquire(ctx context.Context, conn *Conn, msg wire.Inbound) {
	if !validLockID(msg.DocumentID) || (msg.SectionID != "" && !validLockID(msg.SectionID)) {
		h.sendError(ctx, conn, "invalid document id")
		return
	}
	key := locks.Key{DocumentID: msg.DocumentID, SectionID: msg.SectionID}
	l := locks.Lock{
		HolderUserID: conn.UserID,
		HolderConnID: conn.ID,
		HolderName:   conn.Name,
		AcquiredAt:   nowMillis(time.Now()),
	}

	if held, rev, ok := h.table.Get(key); ok {
		if held.HolderConnID == conn.ID {
			h.renewLock(ctx, conn, key, l, rev)
			return
		}
		h.denyLock(ctx, conn, key, held)
		return
	}

	rev, ok, current, err := h.st.ClaimLock(ctx, key.String(), l)
	if err != nil {
		// Shared store unreachable. Grant against local state only so a
		// single-instance deployment keeps editing; revision zero marks the
		// entry as having no shared claim behind it.
		slog.Warn("Lock claim degraded to local grant", "error", err, "key", key.String())
		h.table.Put(key, l, 0)
		h.grantLock(ctx, conn, key, l)
		return
	}
	if !ok {
		h.denyLock(ctx, conn, key, current)
		return
	}
	h.table.Put(key, l, rev)
	h.grantLock(ctx, conn, key, l)
}

// renewLock refreshes a lock the connection already holds. A revision
// mismatch means the shared entry moved underneath us (TTL reclaim on
// another instance); drop the stale entry and contend again.
func (h *Hub) renewLock(ctx context.Context, conn *Conn, key locks.Key, l locks.Lock, rev uint64) {
	if rev == 0 {
		h.table.Put(key, l, 0)
		h.grantLock(ctx, conn, key, l)
		return
	}
	newRev, err := h.st.RenewLock(ctx, key.String(), l, rev)
	switch {
	case err == nil:
		h.table.Put(key, l, newRev)
		h.grantLock(ctx, conn, key, l)
	case errors.Is(err, state.ErrRevisionMismatch):
		h.table.Remove(key)
		newRev, ok, current, err := h.st.ClaimLock(ctx, key.String(), l)
		if err != nil || !ok {
			h.denyLock(ctx, conn, key, current)
			return
		}
		h.table.Put(key, l, newRev)
		h.grantLock(ctx, conn, key, l)
	default:
		slog.Warn("Lock renewal degraded to local grant", "error", err, "key", key.String())
		h.table.Put(key, l, rev)
		h.grantLock(ctx, conn, key, l)
	}
}

func (h *Hub) grantLock(ctx context.Context, conn *Conn, key locks.Key, l locks.Lock) {
	msg := wire.Outbound{
		Type:       wire.TypeLockGranted,
		DocumentID: key.DocumentID,
		SectionID:  key.SectionID,
		Holder:     &wire.Holder{UserID: l.HolderUserID, ConnID: l.HolderConnID, Name: l.HolderName},
	}
	h.sendTo(ctx, conn, msg)
	h.broadcastMsg(ctx, wire.RoomTarget(rooms.DocumentRoom(key.DocumentID)), conn.ID, msg)
	h.m.lockGrants.Add(ctx, 1)
	h.syncGauges()
}

func (h *Hub) denyLock(ctx context.Context, conn *Conn, key locks.Key, held locks.Lock) {
	msg := wire.Outbound{
		Type:       wire.TypeLockDenied,
		DocumentID: key.DocumentID,
		SectionID:  key.SectionID,
		Holder:     &wire.Holder{UserID: held.HolderUserID, ConnID: held.HolderConnID, Name: held.HolderName},
	}
	h.sendTo(ctx, conn, msg)
	h.broadcastMsg(ctx, wire.RoomTarget(rooms.DocumentRoom(key.DocumentID)), conn.ID, msg)
	h.m.lockDenies.Add(ctx, 1)
}

func (h *Hub) handleLockRelease(ctx context.Context, conn *Conn, msg wire.Inbound) {
	key := locks.Key{DocumentID: msg.DocumentID, SectionID: msg.SectionID}
	held, rev, ok := h.table.Get(key)
	if !ok || held.HolderConnID != conn.ID {
		h.sendError(ctx, conn, "not lock holder")
		return
	}
	h.releaseLock(ctx, key, held, rev, conn.ID)
}

// releaseLock clears one lock entry and broadcasts the unlock. actorConn is
// excluded from the room broadcast and, when non-empty, receives the frame
// directly (it may not be in the document room).
func (h *Hub) releaseLock(ctx context.Context, key locks.Key, held locks.Lock, rev uint64, actorConn string) {
	if rev != 0 {
		if err := h.st.ReleaseLock(ctx, key.String(), rev); err != nil && !errors.Is(err, state.ErrRevisionMismatch) {
			slog.Warn("Failed to release shared lock entry", "error", err, "key", key.String())
		}
	}
	h.table.Remove(key)
	msg := wire.Outbound{
		Type:       wire.TypeLockReleased,
		DocumentID: key.DocumentID,
		SectionID:  key.SectionID,
		Holder:     &wire.Holder{UserID: held.HolderUserID, ConnID: held.HolderConnID, Name: held.HolderName},
	}
	if actor, ok := h.conns[actorConn]; ok {
		h.sendTo(ctx, actor, msg)
	}
	h.broadcastMsg(ctx, wire.RoomTarget(rooms.DocumentRoom(key.DocumentID)), actorConn, msg)
	h.syncGauges()
}

func (h *Hub) releaseConnLocks(ctx context.Context, conn *Conn) {
	for _, key := range h.table.ByConn(conn.ID) {
		held, rev, ok := h.table.Get(key)
		if !ok {
			continue
		}
		h.releaseLock(ctx, key, held, rev, conn.ID)
	}
}

func (h *Hub) handlePresenceUpdate(ctx context.Context, conn *Conn, status string) {
	s := presence.Status(status)
	if !presence.ValidClientStatus(s) {
		h.sendError(ctx, conn, "invalid status")
		return
	}
	rec := presence.Record{Status: s, LastSeen: nowMillis(time.Now())}
	if err := h.st.SetStatus(ctx, conn.UserID, rec); err != nil {
		slog.Error("Failed to store presence status", "error", err, "user", conn.UserID)
	}
	h.announcePresence(ctx, conn.UserID, rec, conn.ID)
}

func (h *Hub) handleTyping(ctx context.Context, conn *Conn, msg wire.Inbound, typing bool) {
	if msg.Room == "" {
		h.sendError(ctx, conn, "missing room")
		return
	}
	if !h.reg.Member(conn.ID, msg.Room) {
		h.sendError(ctx, conn, "not a room member")
		return
	}
	h.broadcastMsg(ctx, wire.RoomTarget(msg.Room), conn.ID, wire.Outbound{
		Type:   wire.TypeUserTyping,
		Room:   msg.Room,
		UserID: conn.UserID,
		Field:  msg.Field,
		Typing: typing,
	})
}

func (h *Hub) handleConnExpired(ctx context.Context, userID, connID string) {
	if _, ok := h.conns[connID]; ok {
		// Our own connection's registry entry aged out, meaning the touch
		// loop fell behind or the broker was partitioned. The socket state
		// is untrustworthy; tear the connection down fully.
		slog.Warn("Local connection registry entry expired", "conn", connID, "user", userID)
		h.handleDisconnect(ctx, connID)
		if len(h.byUser[userID]) == 0 {
			h.markOffline(ctx, userID)
		}
		return
	}

	// A remote instance died without cleanup. Purge its mirror entries and
	// announce the departures, then settle presence.
	for _, room := range h.mirror.RoomsOf(connID) {
		h.mirror.Remove(room, connID)
		if rooms.IsEntityRoom(room) {
			h.deliverLocal(ctx, wire.RoomTarget(room), "", wire.Outbound{
				Type:   wire.TypeRoomMemberLeft,
				Room:   room,
				UserID: userID,
				ConnID: connID,
			})
		}
	}
	h.markOffline(ctx, userID)
}

// handleSweep refreshes registry entries for live local connections and
// reclaims locks past their TTL. The shared-store release is a
// compare-and-clear: a renewal that raced the sweep bumped the revision,
// the release fails, and the holder keeps the lock.
func (h *Hub) handleSweep(ctx context.Context, now time.Time) {
	for connID, conn := range h.conns {
		if err := h.st.TouchConn(ctx, conn.UserID, connID); err != nil {
			slog.Warn("Failed to refresh connection registry entry", "error", err, "conn", connID)
		}
	}

	cutoff := nowMillis(now.Add(-h.cfg.LockTTL))
	for _, key := range h.table.Expired(cutoff) {
		held, rev, ok := h.table.Get(key)
		if !ok {
			continue
		}
		if rev != 0 {
			if err := h.st.ReleaseLock(ctx, key.String(), rev); err != nil {
				if errors.Is(err, state.ErrRevisionMismatch) {
					h.table.Remove(key)
					continue
				}
				slog.Warn("Failed to reclaim expired lock", "error", err, "key", key.String())
				continue
			}
		}
		h.table.Remove(key)
		h.m.lockExpired.Add(ctx, 1)
		slog.Info("Lock expired", "key", key.String(), "holder", held.HolderUserID)
		h.broadcastMsg(ctx, wire.RoomTarget(rooms.DocumentRoom(key.DocumentID)), "", wire.Outbound{
			Type:       wire.TypeLockReleased,
			DocumentID: key.DocumentID,
			SectionID:  key.SectionID,
			Holder:     &wire.Holder{UserID: held.HolderUserID, ConnID: held.HolderConnID, Name: held.HolderName},
		})
	}
	h.syncGauges()
}

// applyEnvelope is the single delivery path for both locally published and
// relayed envelopes: mirror maintenance first, then local fan-out. Running
// local events through the same code as remote ones keeps replayed
// join/leave events idempotent.
func (h *Hub) applyEnvelope(ctx context.Context, env wire.Envelope) {
	msg, err := env.Message()
	if err != nil {
		slog.Warn("Dropping envelope with undecodable payload", "error", err, "type", env.Type)
		return
	}

	switch env.Type {
	case wire.TypeRoomMemberJoined:
		h.mirror.Add(msg.Room, msg.ConnID, msg.UserID)
	case wire.TypeRoomMemberLeft:
		h.mirror.Remove(msg.Room, msg.ConnID)
	}

	h.deliverLocal(ctx, env.Target, env.Exclude, msg)
}

func (h *Hub) deliverLocal(ctx context.Context, target, exclude string, msg wire.Outbound) {
	kind, name := wire.SplitTarget(target)
	switch kind {
	case "room":
		for _, connID := range h.reg.Members(name) {
			if connID == exclude {
				continue
			}
			h.sendTo(ctx, h.conns[connID], msg)
		}
	case "user":
		for connID, conn := range h.byUser[name] {
			if connID == exclude {
				continue
			}
			h.sendTo(ctx, conn, msg)
		}
	case "all":
		for connID, conn := range h.conns {
			if connID == exclude {
				continue
			}
			h.sendTo(ctx, conn, msg)
		}
	default:
		slog.Warn("Dropping envelope with unknown target", "target", target)
	}
}

// broadcastMsg wraps the message into an envelope, applies it locally and
// publishes it on the relay. Publish failures are logged and dropped; the
// local cluster view self-heals through snapshots and the TTL sweeps.
func (h *Hub) broadcastMsg(ctx context.Context, target, exclude string, msg wire.Outbound) {
	env, err := wire.NewEnvelope(target, h.cfg.InstanceID, exclude, msg)
	if err != nil {
		slog.Error("Failed to build envelope", "error", err, "type", msg.Type)
		return
	}
	h.applyEnvelope(ctx, env)
	if h.rel == nil {
		return
	}
	if err := h.rel.Publish(ctx, env); err != nil {
		slog.Warn("Relay publish failed", "error", err, "type", env.Type, "target", env.Target)
	}
}

// announcePresence tells the user's other devices and declared contacts
// about a status change. excludeConn skips the device that caused it.
func (h *Hub) announcePresence(ctx context.Context, userID string, rec presence.Record, excludeConn string) {
	msg := wire.Outbound{
		Type:   wire.TypePresenceChanged,
		UserID: userID,
		Status: string(rec.Status),
	}
	h.broadcastMsg(ctx, wire.UserTarget(userID), excludeConn, msg)

	if h.contacts == nil {
		return
	}
	list, err := h.contacts.Contacts(ctx, userID)
	if err != nil {
		slog.Warn("Contact lookup failed", "error", err, "user", userID)
		return
	}
	for _, contact := range list {
		if contact == userID {
			continue
		}
		h.broadcastMsg(ctx, wire.UserTarget(contact), "", msg)
	}
}

// snapshot lists the room's cluster-wide occupants with their stored
// presence status.
func (h *Hub) snapshot(ctx context.Context, room string) []wire.Member {
	users := h.mirror.Users(room)
	members := make([]wire.Member, 0, len(users))
	for _, uid := range users {
		rec, err := h.st.Status(ctx, uid)
		if err != nil {
			rec = presence.Record{Status: presence.StatusOffline}
		}
		members = append(members, wire.Member{UserID: uid, Status: string(rec.Status)})
	}
	return members
}

func (h *Hub) sendTo(ctx context.Context, conn *Conn, msg wire.Outbound) {
	if conn == nil {
		return
	}
	if err := conn.sender.Send(msg); err != nil {
		slog.Warn("Failed to queue outbound frame", "error", err, "conn", conn.ID, "type", msg.Type)
		return
	}
	h.m.fanout.Add(ctx, 1)
}

func (h *Hub) sendError(ctx context.Context, conn *Conn, text string) {
	h.sendTo(ctx, conn, wire.Outbound{Type: wire.TypeError, Error: text})
}

func (h *Hub) syncGauges() {
	h.connGauge.Store(int64(len(h.conns)))
	h.roomGauge.Store(int64(h.reg.RoomCount()))
	h.lockGauge.Store(int64(h.table.Len()))
}

func validLockID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, "/ \t\n")
}
