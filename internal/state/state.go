// Package state abstracts the shared per-cluster registry the hub processes
// coordinate through: the connection registry that decides global
// online/offline transitions, the stored presence status, and the document
// lock claims. The production implementation sits on NATS JetStream KV; an
// in-memory implementation backs tests and single-process deployments.
package state

import (
	"context"
	"errors"

	"github.com/marinoas/legal-crm-sub002/internal/locks"
	"github.com/marinoas/legal-crm-sub002/internal/presence"
)

var (
	// ErrRevisionMismatch reports a failed compare-and-swap: the entry was
	// modified (renewed, re-claimed) since the revision was read.
	ErrRevisionMismatch = errors.New("state: revision mismatch")
)

// Store is the shared cluster state. All operations are safe for concurrent
// use; lock claims are atomic across processes (exactly one contender wins a
// contested key).
type Store interface {
	// AddConn registers a live connection. Reports whether it is the user's
	// first connection anywhere in the cluster.
	AddConn(ctx context.Context, userID, connID string) (first bool, err error)

	// RemoveConn drops a connection. Reports whether it was the user's last
	// connection anywhere in the cluster.
	RemoveConn(ctx context.Context, userID, connID string) (last bool, err error)

	// TouchConn refreshes the connection's registry entry so it outlives the
	// registry TTL. Implementations without entry expiry may no-op.
	TouchConn(ctx context.Context, userID, connID string) error

	// SetStatus stores the user's presence record.
	SetStatus(ctx context.Context, userID string, rec presence.Record) error

	// Status returns the stored record; users with no record are offline.
	Status(ctx context.Context, userID string) (presence.Record, error)

	// MarkOffline transitions the user to offline with compare-and-swap
	// semantics: when several processes observe the same last-connection
	// close, exactly one wins and announces. Reports whether this caller won.
	MarkOffline(ctx context.Context, userID string, lastSeen int64) (won bool, err error)

	// ClaimLock atomically creates the lock entry. On contention ok is false
	// and current describes the present holder.
	ClaimLock(ctx context.Context, key string, l locks.Lock) (rev uint64, ok bool, current locks.Lock, err error)

	// RenewLock replaces the entry if rev still matches, returning the new
	// revision. ErrRevisionMismatch otherwise.
	RenewLock(ctx context.Context, key string, l locks.Lock, rev uint64) (uint64, error)

	// ReleaseLock deletes the entry if rev still matches. This is the
	// compare-and-clear used by TTL sweeps: a renewal that raced the sweep
	// bumps the revision and the release fails with ErrRevisionMismatch.
	ReleaseLock(ctx context.Context, key string, rev uint64) error

	// LockHolder reads the current entry for a key.
	LockHolder(ctx context.Context, key string) (locks.Lock, uint64, bool, error)
}
