package presence

import "testing"

func TestTracker_FirstLast(t *testing.T) {
	tr := NewTracker()

	if !tr.Add("alice", "c1") {
		t.Error("Expected first connection to report first")
	}
	if tr.Add("alice", "c2") {
		t.Error("Expected second connection to not report first")
	}

	if tr.Remove("alice", "c1") {
		t.Error("Expected removing one of two connections to not report last")
	}
	if !tr.Remove("alice", "c2") {
		t.Error("Expected removing the final connection to report last")
	}
	if tr.HasConns("alice") {
		t.Error("Expected no connections after removing all")
	}
}

func TestTracker_RemoveUnknown(t *testing.T) {
	tr := NewTracker()
	tr.Add("alice", "c1")

	if tr.Remove("alice", "c9") {
		t.Error("Expected removing an unknown connection to not report last")
	}
	if tr.Remove("bob", "c1") {
		t.Error("Expected removing for an unknown user to not report last")
	}
	if !tr.HasConns("alice") {
		t.Error("Expected alice to still have a connection")
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker()
	tr.Add("alice", "c1")
	tr.Reset()

	if tr.HasConns("alice") {
		t.Error("Expected no connections after reset")
	}
	if !tr.Add("alice", "c1") {
		t.Error("Expected re-add after reset to report first")
	}
}

func TestValidClientStatus(t *testing.T) {
	if !ValidClientStatus(StatusOnline) || !ValidClientStatus(StatusAway) {
		t.Error("Expected online and away to be client-settable")
	}
	if ValidClientStatus(StatusOffline) {
		t.Error("Expected offline to never be client-settable")
	}
	if ValidClientStatus(Status("busy")) {
		t.Error("Expected unknown status to be rejected")
	}
}
