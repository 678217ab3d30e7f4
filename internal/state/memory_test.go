package state

import (
	"context"
	"errors"
	"testing"

	"github.com/marinoas/legal-crm-sub002/internal/locks"
	"github.com/marinoas/legal-crm-sub002/internal/presence"
)

func TestMemory_ConnTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.AddConn(ctx, "alice", "c1")
	if err != nil || !first {
		t.Errorf("Expected first connection, got first=%v err=%v", first, err)
	}
	first, _ = m.AddConn(ctx, "alice", "c2")
	if first {
		t.Error("Expected second connection to not be first")
	}

	last, _ := m.RemoveConn(ctx, "alice", "c1")
	if last {
		t.Error("Expected remove of one of two connections to not be last")
	}
	last, _ = m.RemoveConn(ctx, "alice", "c2")
	if !last {
		t.Error("Expected remove of final connection to be last")
	}
}

func TestMemory_MarkOfflineOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetStatus(ctx, "alice", presence.Record{Status: presence.StatusOnline, LastSeen: 1})

	// Two instances observe the same last-connection close; only one may win.
	won1, err1 := m.MarkOffline(ctx, "alice", 2)
	won2, err2 := m.MarkOffline(ctx, "alice", 3)
	if err1 != nil || err2 != nil {
		t.Fatalf("Unexpected errors: %v %v", err1, err2)
	}
	if !won1 || won2 {
		t.Errorf("Expected exactly the first caller to win, got %v %v", won1, won2)
	}

	rec, _ := m.Status(ctx, "alice")
	if rec.Status != presence.StatusOffline || rec.LastSeen != 2 {
		t.Errorf("Expected offline at lastSeen 2, got %+v", rec)
	}
}

func TestMemory_StatusDefaultsOffline(t *testing.T) {
	m := NewMemory()
	rec, err := m.Status(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.Status != presence.StatusOffline {
		t.Errorf("Expected unknown user to read offline, got %v", rec.Status)
	}
}

func TestMemory_ContestedClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, ok, _, err := m.ClaimLock(ctx, "doc/7", locks.Lock{HolderUserID: "alice", HolderConnID: "c1"})
	if err != nil || !ok || rev == 0 {
		t.Fatalf("Expected first claim to win, got rev=%d ok=%v err=%v", rev, ok, err)
	}

	_, ok, current, err := m.ClaimLock(ctx, "doc/7", locks.Lock{HolderUserID: "bob", HolderConnID: "c2"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Error("Expected contested claim to lose")
	}
	if current.HolderUserID != "alice" {
		t.Errorf("Expected current holder alice, got %+v", current)
	}
}

func TestMemory_RenewRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, _, _, _ := m.ClaimLock(ctx, "doc/7", locks.Lock{HolderConnID: "c1"})

	newRev, err := m.RenewLock(ctx, "doc/7", locks.Lock{HolderConnID: "c1", AcquiredAt: 5}, rev)
	if err != nil || newRev == rev {
		t.Fatalf("Expected renewal with a new revision, got rev=%d err=%v", newRev, err)
	}

	// The stale revision must no longer release: a sweep that raced the
	// renewal loses.
	if err := m.ReleaseLock(ctx, "doc/7", rev); !errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("Expected ErrRevisionMismatch for stale release, got %v", err)
	}
	if err := m.ReleaseLock(ctx, "doc/7", newRev); err != nil {
		t.Errorf("Expected release at current revision to succeed, got %v", err)
	}
	if _, _, ok, _ := m.LockHolder(ctx, "doc/7"); ok {
		t.Error("Expected lock gone after release")
	}

	if _, err := m.RenewLock(ctx, "doc/7", locks.Lock{}, newRev); !errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("Expected renewal of a released lock to fail, got %v", err)
	}
}

func TestMemory_ExpireConnFiresOnLastOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var fired []string
	m.SetOnConnExpired(func(userID, connID string) {
		fired = append(fired, userID+"/"+connID)
	})

	m.AddConn(ctx, "alice", "c1")
	m.AddConn(ctx, "alice", "c2")

	m.ExpireConn("alice", "c1")
	if len(fired) != 0 {
		t.Errorf("Expected no callback while a connection remains, got %v", fired)
	}
	m.ExpireConn("alice", "c2")
	if len(fired) != 1 || fired[0] != "alice/c2" {
		t.Errorf("Expected callback for the last connection, got %v", fired)
	}
}
