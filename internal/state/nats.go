package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marinoas/legal-crm-sub002/internal/locks"
	"github.com/marinoas/legal-crm-sub002/internal/presence"
)

// Bucket layout. PRESENCE holds one status record per user. PRESENCE_CONN
// holds one entry per live connection ("{user}.{conn}") with a TTL, so a
// crashed hub's connections age out and the watcher turns their expiry into
// offline transitions. DOCLOCKS holds one entry per held lock; its TTL is a
// backstop well above the protocol-level lock TTL the hub sweeps on.
const (
	statusBucket = "PRESENCE"
	connBucket   = "PRESENCE_CONN"
	lockBucket   = "DOCLOCKS"
)

// NATSConfig sizes the KV buckets.
type NATSConfig struct {
	ConnTTL         time.Duration // registry entry lifetime between touches
	LockBackstopTTL time.Duration // bucket-level lock expiry for crashed holders
}

// NATS is the production Store on JetStream KV. Every instance mirrors the
// PRESENCE_CONN bucket into a local tracker through a watcher, so first/last
// answers reflect connections on all hub processes, and TTL expirations of a
// crashed process's entries surface as offline transitions.
type NATS struct {
	js       nats.JetStreamContext
	statusKV nats.KeyValue
	connKV   nats.KeyValue
	lockKV   nats.KeyValue
	cfg      NATSConfig

	tracker       *presence.Tracker
	onConnExpired func(userID, connID string)

	watchCancel context.CancelFunc
}

// NewNATS creates (or binds to) the KV buckets and hydrates the connection
// mirror. Call Start to begin watching for expirations.
func NewNATS(js nats.JetStreamContext, cfg NATSConfig) (*NATS, error) {
	if cfg.ConnTTL <= 0 {
		cfg.ConnTTL = 45 * time.Second
	}
	if cfg.LockBackstopTTL <= 0 {
		cfg.LockBackstopTTL = 10 * time.Minute
	}
	s := &NATS{js: js, cfg: cfg, tracker: presence.NewTracker()}
	if err := s.createBuckets(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *NATS) createBuckets() error {
	var err error
	if s.statusKV, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  statusBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return fmt.Errorf("create %s bucket: %w", statusBucket, err)
	}
	if s.connKV, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  connBucket,
		History: 1,
		TTL:     s.cfg.ConnTTL,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return fmt.Errorf("create %s bucket: %w", connBucket, err)
	}
	if s.lockKV, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  lockBucket,
		History: 1,
		TTL:     s.cfg.LockBackstopTTL,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return fmt.Errorf("create %s bucket: %w", lockBucket, err)
	}
	return nil
}

// SetOnConnExpired registers the callback invoked when a connection entry
// expires from the registry and it was the user's last. Must be set before
// Start.
func (s *NATS) SetOnConnExpired(fn func(userID, connID string)) { s.onConnExpired = fn }

// Start launches the registry watcher.
func (s *NATS) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	go s.watchConns(wctx)
}

// Stop cancels the watcher.
func (s *NATS) Stop() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
}

// Reconnected rebuilds buckets, clears the mirror, and restarts the watcher.
// Wire it into the NATS client's reconnect handler.
func (s *NATS) Reconnected(ctx context.Context) {
	if err := s.createBuckets(); err != nil {
		slog.Error("Failed to recreate KV buckets after reconnect", "error", err)
		return
	}
	s.tracker.Reset()
	s.Stop()
	s.Start(ctx)
	slog.Info("Shared state re-bound after reconnect, mirror resynced")
}

// watchConns mirrors the PRESENCE_CONN bucket: first a hydration pass over
// current keys, then a live watch that turns TTL deletions of a user's last
// entry into expiry callbacks.
func (s *NATS) watchConns(ctx context.Context) {
	watcher, err := s.connKV.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Failed to start connection registry watcher", "error", err)
		return
	}
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		if userID, connID, ok := splitConnKey(entry.Key()); ok {
			s.tracker.Add(userID, connID)
		}
	}
	watcher.Stop()
	slog.Info("Connection registry mirror hydrated")

	watcher, err = s.connKV.WatchAll()
	if err != nil {
		slog.Error("Failed to restart connection registry watcher", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			userID, connID, keyOK := splitConnKey(entry.Key())
			if !keyOK {
				continue
			}
			switch entry.Operation() {
			case nats.KeyValuePut:
				s.tracker.Add(userID, connID)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				if last := s.tracker.Remove(userID, connID); last {
					slog.Info("Connection expired from registry, last for user", "user", userID, "connId", connID)
					if s.onConnExpired != nil {
						s.onConnExpired(userID, connID)
					}
				}
			}
		}
	}
}

func connKey(userID, connID string) string { return userID + "." + connID }

func splitConnKey(key string) (userID, connID string, ok bool) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func (s *NATS) AddConn(_ context.Context, userID, connID string) (bool, error) {
	// Registry key format is "{user}.{conn}"; a dot in the user ID would
	// corrupt parsing on every instance.
	if strings.Contains(userID, ".") {
		return false, fmt.Errorf("user id %q contains a dot", userID)
	}
	if _, err := s.connKV.Put(connKey(userID, connID), []byte(`{}`)); err != nil {
		return false, fmt.Errorf("registry put: %w", err)
	}
	return s.tracker.Add(userID, connID), nil
}

func (s *NATS) RemoveConn(_ context.Context, userID, connID string) (bool, error) {
	if err := s.connKV.Delete(connKey(userID, connID)); err != nil &&
		!errors.Is(err, nats.ErrKeyNotFound) {
		return false, fmt.Errorf("registry delete: %w", err)
	}
	return s.tracker.Remove(userID, connID), nil
}

func (s *NATS) TouchConn(_ context.Context, userID, connID string) error {
	_, err := s.connKV.Put(connKey(userID, connID), []byte(`{}`))
	return err
}

func (s *NATS) SetStatus(_ context.Context, userID string, rec presence.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.statusKV.Put(userID, data); err != nil {
		return fmt.Errorf("status put: %w", err)
	}
	return nil
}

func (s *NATS) Status(_ context.Context, userID string) (presence.Record, error) {
	entry, err := s.statusKV.Get(userID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return presence.Record{Status: presence.StatusOffline}, nil
		}
		return presence.Record{}, fmt.Errorf("status get: %w", err)
	}
	var rec presence.Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return presence.Record{Status: presence.StatusOffline}, nil
	}
	return rec, nil
}

// MarkOffline CAS-updates the status so that of all instances observing the
// same last-connection close, exactly one wins and performs the announce.
func (s *NATS) MarkOffline(_ context.Context, userID string, lastSeen int64) (bool, error) {
	data, _ := json.Marshal(presence.Record{Status: presence.StatusOffline, LastSeen: lastSeen})

	entry, err := s.statusKV.Get(userID)
	if err != nil {
		if !errors.Is(err, nats.ErrKeyNotFound) {
			return false, fmt.Errorf("status get: %w", err)
		}
		// No record yet: creation is the CAS.
		if _, err := s.statusKV.Create(userID, data); err != nil {
			return false, nil
		}
		return true, nil
	}

	var rec presence.Record
	if json.Unmarshal(entry.Value(), &rec) == nil && rec.Status == presence.StatusOffline {
		return false, nil
	}
	if _, err := s.statusKV.Update(userID, data, entry.Revision()); err != nil {
		// Revision moved: another instance won the race.
		return false, nil
	}
	return true, nil
}

func (s *NATS) ClaimLock(_ context.Context, key string, l locks.Lock) (uint64, bool, locks.Lock, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return 0, false, locks.Lock{}, err
	}
	rev, err := s.lockKV.Create(key, data)
	if err == nil {
		return rev, true, locks.Lock{}, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) && !strings.Contains(err.Error(), "key exists") {
		return 0, false, locks.Lock{}, fmt.Errorf("lock create %s: %w", key, err)
	}
	entry, getErr := s.lockKV.Get(key)
	if getErr != nil {
		// Holder released between our create and get: treat as contended
		// with an unknown holder; the client can simply retry.
		return 0, false, locks.Lock{}, nil
	}
	var current locks.Lock
	_ = json.Unmarshal(entry.Value(), &current)
	return 0, false, current, nil
}

func (s *NATS) RenewLock(_ context.Context, key string, l locks.Lock, rev uint64) (uint64, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return 0, err
	}
	newRev, err := s.lockKV.Update(key, data, rev)
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("lock update %s: %w", key, err)
	}
	return newRev, nil
}

func (s *NATS) ReleaseLock(_ context.Context, key string, rev uint64) error {
	err := s.lockKV.Delete(key, nats.LastRevision(rev))
	if err != nil {
		if isRevisionConflict(err) {
			return ErrRevisionMismatch
		}
		return fmt.Errorf("lock delete %s: %w", key, err)
	}
	return nil
}

func (s *NATS) LockHolder(_ context.Context, key string) (locks.Lock, uint64, bool, error) {
	entry, err := s.lockKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return locks.Lock{}, 0, false, nil
		}
		return locks.Lock{}, 0, false, fmt.Errorf("lock get %s: %w", key, err)
	}
	var l locks.Lock
	_ = json.Unmarshal(entry.Value(), &l)
	return l, entry.Revision(), true, nil
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) ||
		strings.Contains(err.Error(), "wrong last sequence") ||
		strings.Contains(err.Error(), "key not found")
}
