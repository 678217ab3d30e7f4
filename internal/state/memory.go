package state

import (
	"context"
	"sync"

	"github.com/marinoas/legal-crm-sub002/internal/locks"
	"github.com/marinoas/legal-crm-sub002/internal/presence"
)

type lockEntry struct {
	lock locks.Lock
	rev  uint64
}

// Memory is an in-process Store. Hubs under test share one Memory to simulate
// a cluster; a single-process deployment without a broker can run on it too.
type Memory struct {
	mu      sync.Mutex
	conns   *presence.Tracker
	status  map[string]presence.Record
	locks   map[string]*lockEntry
	nextRev uint64

	onConnExpired func(userID, connID string)
}

func NewMemory() *Memory {
	return &Memory{
		conns:  presence.NewTracker(),
		status: make(map[string]presence.Record),
		locks:  make(map[string]*lockEntry),
	}
}

// SetOnConnExpired registers the callback invoked by ExpireConn.
func (m *Memory) SetOnConnExpired(fn func(userID, connID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnExpired = fn
}

func (m *Memory) AddConn(_ context.Context, userID, connID string) (bool, error) {
	return m.conns.Add(userID, connID), nil
}

func (m *Memory) RemoveConn(_ context.Context, userID, connID string) (bool, error) {
	return m.conns.Remove(userID, connID), nil
}

func (m *Memory) TouchConn(context.Context, string, string) error { return nil }

// ExpireConn simulates a registry TTL expiry: the connection vanishes without
// a graceful remove and, if it was the user's last, the expiry callback fires,
// exactly as the KV watcher reports it in the NATS implementation.
func (m *Memory) ExpireConn(userID, connID string) {
	last := m.conns.Remove(userID, connID)
	m.mu.Lock()
	fn := m.onConnExpired
	m.mu.Unlock()
	if last && fn != nil {
		fn(userID, connID)
	}
}

func (m *Memory) SetStatus(_ context.Context, userID string, rec presence.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[userID] = rec
	return nil
}

func (m *Memory) Status(_ context.Context, userID string) (presence.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.status[userID]
	if !ok {
		return presence.Record{Status: presence.StatusOffline}, nil
	}
	return rec, nil
}

func (m *Memory) MarkOffline(_ context.Context, userID string, lastSeen int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.status[userID]; ok && rec.Status == presence.StatusOffline {
		return false, nil
	}
	m.status[userID] = presence.Record{Status: presence.StatusOffline, LastSeen: lastSeen}
	return true, nil
}

func (m *Memory) ClaimLock(_ context.Context, key string, l locks.Lock) (uint64, bool, locks.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok {
		return 0, false, e.lock, nil
	}
	m.nextRev++
	m.locks[key] = &lockEntry{lock: l, rev: m.nextRev}
	return m.nextRev, true, locks.Lock{}, nil
}

func (m *Memory) RenewLock(_ context.Context, key string, l locks.Lock, rev uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || e.rev != rev {
		return 0, ErrRevisionMismatch
	}
	m.nextRev++
	e.lock = l
	e.rev = m.nextRev
	return e.rev, nil
}

func (m *Memory) ReleaseLock(_ context.Context, key string, rev uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || e.rev != rev {
		return ErrRevisionMismatch
	}
	delete(m.locks, key)
	return nil
}

func (m *Memory) LockHolder(_ context.Context, key string) (locks.Lock, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return locks.Lock{}, 0, false, nil
	}
	return e.lock, e.rev, true, nil
}
