package rooms

import (
	"sort"
	"testing"
)

func TestRegistry_JoinLeave(t *testing.T) {
	r := NewRegistry()

	if !r.Join("c1", "case:1") {
		t.Error("Expected first join to report newly joined")
	}
	if r.Join("c1", "case:1") {
		t.Error("Expected repeated join to report already joined")
	}
	if !r.Member("c1", "case:1") {
		t.Error("Expected c1 to be a member of case:1")
	}

	if !r.Leave("c1", "case:1") {
		t.Error("Expected leave to report membership")
	}
	if r.Leave("c1", "case:1") {
		t.Error("Expected repeated leave to report no membership")
	}
	if r.RoomCount() != 0 {
		t.Errorf("Expected empty room to be dropped, got %d rooms", r.RoomCount())
	}
}

func TestRegistry_ReverseIndex(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "case:1")
	r.Join("c1", "client:2")
	r.Join("c2", "case:1")

	got := r.Rooms("c1")
	sort.Strings(got)
	want := []string{"case:1", "client:2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected rooms %v for c1, got %v", want, got)
	}

	members := r.Members("case:1")
	if len(members) != 2 {
		t.Errorf("Expected 2 members in case:1, got %d", len(members))
	}

	r.Leave("c1", "case:1")
	r.Leave("c1", "client:2")
	if r.Rooms("c1") != nil {
		t.Errorf("Expected no rooms for c1 after leaving all, got %v", r.Rooms("c1"))
	}
}

func TestMembership_Idempotent(t *testing.T) {
	m := NewMembership()

	// Replayed join events must not change the outcome.
	m.Add("case:1", "c1", "alice")
	m.Add("case:1", "c1", "alice")
	m.Add("case:1", "c2", "alice")
	m.Add("case:1", "c3", "bob")

	users := m.Users("case:1")
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("Expected users [alice bob], got %v", users)
	}

	// Alice still occupies the room through her second connection.
	m.Remove("case:1", "c1")
	m.Remove("case:1", "c1")
	users = m.Users("case:1")
	if len(users) != 2 {
		t.Errorf("Expected alice to remain via c2, got users %v", users)
	}

	m.Remove("case:1", "c2")
	users = m.Users("case:1")
	if len(users) != 1 || users[0] != "bob" {
		t.Errorf("Expected only bob left, got %v", users)
	}
}

func TestMembership_RoomsOf(t *testing.T) {
	m := NewMembership()
	m.Add("case:1", "c1", "alice")
	m.Add("document:7", "c1", "alice")

	got := m.RoomsOf("c1")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "case:1" || got[1] != "document:7" {
		t.Errorf("Expected [case:1 document:7], got %v", got)
	}

	m.Remove("case:1", "c1")
	m.Remove("document:7", "c1")
	if m.RoomsOf("c1") != nil {
		t.Errorf("Expected no rooms after removal, got %v", m.RoomsOf("c1"))
	}
}

func TestIsEntityRoom(t *testing.T) {
	cases := []struct {
		room string
		want bool
	}{
		{"case:42", true},
		{"client:7", true},
		{"document:7", true},
		{"role:lawyer", false},
		{"user:alice", false},
		{"lobby", false},
	}
	for _, tc := range cases {
		if got := IsEntityRoom(tc.room); got != tc.want {
			t.Errorf("IsEntityRoom(%q) = %v, want %v", tc.room, got, tc.want)
		}
	}
}
