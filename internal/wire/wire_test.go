package wire

import "testing"

func TestSplitTarget(t *testing.T) {
	cases := []struct {
		target   string
		wantKind string
		wantName string
	}{
		{"room:case:42", "room", "case:42"},
		{"user:alice", "user", "alice"},
		{"all", "all", ""},
		{"bogus", "", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		kind, name := SplitTarget(tc.target)
		if kind != tc.wantKind || name != tc.wantName {
			t.Errorf("SplitTarget(%q) = (%q, %q), want (%q, %q)",
				tc.target, kind, name, tc.wantKind, tc.wantName)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := Outbound{
		Type:   TypeRoomMemberJoined,
		Room:   "case:42",
		UserID: "alice",
		ConnID: "c1",
	}
	env, err := NewEnvelope(RoomTarget("case:42"), "hub-a", "c1", msg)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.Type != TypeRoomMemberJoined || env.Origin != "hub-a" || env.Exclude != "c1" {
		t.Errorf("Unexpected envelope header: %+v", env)
	}

	got, err := env.Message()
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if got.Room != msg.Room || got.UserID != msg.UserID || got.ConnID != msg.ConnID {
		t.Errorf("Expected payload %+v, got %+v", msg, got)
	}
}
