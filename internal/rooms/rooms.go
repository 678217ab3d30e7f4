// Package rooms implements the two membership structures the hub needs: a
// Registry of which local connections joined which rooms (the delivery index)
// and a Membership mirror of which connections cluster-wide occupy which
// rooms (the snapshot/announcement index, rebuilt from relayed join/leave
// events).
package rooms

import "strings"

// Room name conventions. Per-entity rooms get join/leave announcements and
// snapshots; personal and role rooms are silent broadcast groups.
const (
	CasePrefix     = "case:"
	ClientPrefix   = "client:"
	DocumentPrefix = "document:"
	RolePrefix     = "role:"
	UserPrefix     = "user:"
)

// IsEntityRoom reports whether the room is scoped to a business entity.
func IsEntityRoom(name string) bool {
	return strings.HasPrefix(name, CasePrefix) ||
		strings.HasPrefix(name, ClientPrefix) ||
		strings.HasPrefix(name, DocumentPrefix)
}

// DocumentRoom names the room for a document ID.
func DocumentRoom(documentID string) string { return DocumentPrefix + documentID }

// UserRoom names a user's personal room.
func UserRoom(userID string) string { return UserPrefix + userID }

// RoleRoom names a role's broadcast room.
func RoleRoom(role string) string { return RolePrefix + role }

// Registry maps room name → set of local connection IDs, with a reverse index
// for O(1) cleanup on disconnect. A room exists exactly while non-empty.
//
// Not safe for concurrent use: it is owned by the hub event loop.
type Registry struct {
	rooms map[string]map[string]bool // room → connIDs
	conns map[string]map[string]bool // connID → rooms
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]bool),
		conns: make(map[string]map[string]bool),
	}
}

// Join adds the connection to the room. Reports whether the connection was
// not already a member (joining is idempotent).
func (r *Registry) Join(connID, room string) bool {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	if r.rooms[room][connID] {
		return false
	}
	r.rooms[room][connID] = true
	if r.conns[connID] == nil {
		r.conns[connID] = make(map[string]bool)
	}
	r.conns[connID][room] = true
	return true
}

// Leave removes the connection from the room. Reports whether it was a member.
func (r *Registry) Leave(connID, room string) bool {
	members, ok := r.rooms[room]
	if !ok || !members[connID] {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined, ok := r.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}

// Members returns the local connection IDs currently in the room.
func (r *Registry) Members(room string) []string {
	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Rooms returns the rooms the connection has joined.
func (r *Registry) Rooms(connID string) []string {
	joined := r.conns[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

// Member reports whether the connection is in the room.
func (r *Registry) Member(connID, room string) bool {
	return r.rooms[room][connID]
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int { return len(r.rooms) }

// Membership mirrors room occupancy across the whole hub cluster at
// connection granularity: room → connID → userID. Keying by connection keeps
// replayed join/leave events idempotent; the user view is derived. Entries
// for remote connections are maintained purely from relayed events.
//
// Not safe for concurrent use: it is owned by the hub event loop.
type Membership struct {
	rooms map[string]map[string]string // room → connID → userID
	conns map[string]map[string]bool   // connID → rooms
}

func NewMembership() *Membership {
	return &Membership{
		rooms: make(map[string]map[string]string),
		conns: make(map[string]map[string]bool),
	}
}

// Add records a connection occupying a room. Idempotent.
func (m *Membership) Add(room, connID, userID string) {
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]string)
	}
	m.rooms[room][connID] = userID
	if m.conns[connID] == nil {
		m.conns[connID] = make(map[string]bool)
	}
	m.conns[connID][room] = true
}

// Remove drops a connection from a room. Idempotent.
func (m *Membership) Remove(room, connID string) {
	if occupants, ok := m.rooms[room]; ok {
		delete(occupants, connID)
		if len(occupants) == 0 {
			delete(m.rooms, room)
		}
	}
	if joined, ok := m.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.conns, connID)
		}
	}
}

// RoomsOf returns the rooms a connection occupies anywhere in the cluster.
// Used to purge mirror entries when a remote connection's registry entry
// expires without a leave event.
func (m *Membership) RoomsOf(connID string) []string {
	joined := m.conns[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

// Users returns the distinct user IDs occupying the room.
func (m *Membership) Users(room string) []string {
	occupants := m.rooms[room]
	if len(occupants) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(occupants))
	out := make([]string, 0, len(occupants))
	for _, uid := range occupants {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}
