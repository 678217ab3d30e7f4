// Package presence holds the per-user presence model: the status values a
// user can be in, the stored record shape, and the connection tracker that
// decides first/last connection transitions.
package presence

import "sync"

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

var clientStatuses = map[Status]bool{
	StatusOnline: true,
	StatusAway:   true,
}

// ValidClientStatus reports whether clients may request this status directly.
// Offline is never client-requested: it is derived from the connection count.
func ValidClientStatus(s Status) bool { return clientStatuses[s] }

// Record is the stored presence value for a user.
type Record struct {
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// Tracker is a thread-safe map of userID → set of connection IDs. It is the
// in-memory mirror of the shared connection registry: Add reports whether the
// connection was the user's first, Remove whether it was the last. Those two
// answers drive the online/offline transitions, which must fire exactly on
// the first connection opening and the last connection closing.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]map[string]bool)}
}

// Add registers a connection for the user. Reports whether the user had no
// connections before this one. Idempotent per (user, conn) pair.
func (t *Tracker) Add(userID, connID string) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[userID] == nil {
		t.conns[userID] = make(map[string]bool)
	}
	first = len(t.conns[userID]) == 0
	t.conns[userID][connID] = true
	return first
}

// Remove drops a connection. Reports whether it was the user's last one.
// Removing an unknown connection is a no-op and never reports last.
func (t *Tracker) Remove(userID, connID string) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns, ok := t.conns[userID]
	if !ok || !conns[connID] {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.conns, userID)
		return true
	}
	return false
}

// HasConns reports whether the user has at least one live connection.
func (t *Tracker) HasConns(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns[userID]) > 0
}

// Conns returns the user's connection IDs.
func (t *Tracker) Conns(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Reset clears the tracker. Used when the shared registry must be re-mirrored
// after a broker reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns = make(map[string]map[string]bool)
}
