// Package locks defines the document lock model and the per-process table of
// locks held by local connections. The table is a cache for cleanup and TTL
// sweeping; the authoritative claim lives in the shared state store, where an
// atomic create decides contested acquisitions and the entry revision acts as
// the compare-and-clear token for expiry.
package locks

// Key identifies a lockable unit: a whole document, or one of its sections.
type Key struct {
	DocumentID string
	SectionID  string
}

// String renders the shared-store key: "doc/<id>" or "doc/<id>/<section>".
func (k Key) String() string {
	if k.SectionID == "" {
		return "doc/" + k.DocumentID
	}
	return "doc/" + k.DocumentID + "/" + k.SectionID
}

// Lock is the value stored per key.
type Lock struct {
	HolderUserID string `json:"userId"`
	HolderConnID string `json:"connId"`
	HolderName   string `json:"name,omitempty"`
	AcquiredAt   int64  `json:"acquiredAt"`
}

type entry struct {
	key  Key
	lock Lock
	rev  uint64
}

// Table tracks the locks held by this process's connections, indexed by key
// and by holder connection.
//
// Not safe for concurrent use: it is owned by the hub event loop.
type Table struct {
	byKey  map[Key]*entry
	byConn map[string]map[Key]bool
}

func NewTable() *Table {
	return &Table{
		byKey:  make(map[Key]*entry),
		byConn: make(map[string]map[Key]bool),
	}
}

// Put stores or replaces the entry for key. rev is the shared-store revision
// returned by the claim or renewal.
func (t *Table) Put(key Key, l Lock, rev uint64) {
	if old, ok := t.byKey[key]; ok && old.lock.HolderConnID != l.HolderConnID {
		t.unindex(old.lock.HolderConnID, key)
	}
	t.byKey[key] = &entry{key: key, lock: l, rev: rev}
	if t.byConn[l.HolderConnID] == nil {
		t.byConn[l.HolderConnID] = make(map[Key]bool)
	}
	t.byConn[l.HolderConnID][key] = true
}

// Get returns the local entry for key, if any.
func (t *Table) Get(key Key) (Lock, uint64, bool) {
	e, ok := t.byKey[key]
	if !ok {
		return Lock{}, 0, false
	}
	return e.lock, e.rev, true
}

// Remove drops the entry for key.
func (t *Table) Remove(key Key) {
	e, ok := t.byKey[key]
	if !ok {
		return
	}
	delete(t.byKey, key)
	t.unindex(e.lock.HolderConnID, key)
}

// ByConn returns the keys held by a connection.
func (t *Table) ByConn(connID string) []Key {
	held := t.byConn[connID]
	if len(held) == 0 {
		return nil
	}
	out := make([]Key, 0, len(held))
	for k := range held {
		out = append(out, k)
	}
	return out
}

// Expired returns entries whose AcquiredAt is older than the cutoff
// (unix millis). The sweep re-checks each against the shared store by
// revision before reclaiming, so a renewal that raced the sweep wins.
func (t *Table) Expired(cutoff int64) []Key {
	var out []Key
	for k, e := range t.byKey {
		if e.lock.AcquiredAt < cutoff {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of locally held locks.
func (t *Table) Len() int { return len(t.byKey) }

func (t *Table) unindex(connID string, key Key) {
	if held, ok := t.byConn[connID]; ok {
		delete(held, key)
		if len(held) == 0 {
			delete(t.byConn, connID)
		}
	}
}
