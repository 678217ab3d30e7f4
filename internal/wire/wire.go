// Package wire defines the message vocabulary exchanged between browser
// clients and the hub, and the envelope format used on the cross-instance
// relay subject.
package wire

import (
	"encoding/json"
	"strings"
)

// Inbound message types (client → hub).
const (
	TypeAuth           = "auth"
	TypeJoinRoom       = "join-room"
	TypeLeaveRoom      = "leave-room"
	TypeLockAcquire    = "lock-acquire"
	TypeLockRelease    = "lock-release"
	TypePresenceUpdate = "presence-update"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
)

// Outbound message types (hub → client).
const (
	TypeAuthOK           = "auth-ok"
	TypeRoomMemberJoined = "room-member-joined"
	TypeRoomMemberLeft   = "room-member-left"
	TypeRoomSnapshot     = "room-snapshot"
	TypeLockGranted      = "lock-granted"
	TypeLockDenied       = "lock-denied"
	TypeLockReleased     = "lock-released"
	TypePresenceChanged  = "presence-changed"
	TypeUserTyping       = "user-typing"
	TypeNotification     = "notification-new"
	TypeError            = "error"
)

// Inbound is a single client frame. Which fields are meaningful depends on
// Type; unknown types are rejected by the hub with an error frame.
type Inbound struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Room       string `json:"room,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	SectionID  string `json:"sectionId,omitempty"`
	Status     string `json:"status,omitempty"`
	Field      string `json:"field,omitempty"`
}

// Member is one occupant in a room snapshot.
type Member struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Holder identifies the current holder of a document lock.
type Holder struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
	Name   string `json:"name,omitempty"`
}

// Outbound is a single hub frame delivered to a client.
type Outbound struct {
	Type       string          `json:"type"`
	ConnID     string          `json:"connId,omitempty"`
	Room       string          `json:"room,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	DocumentID string          `json:"documentId,omitempty"`
	SectionID  string          `json:"sectionId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Field      string          `json:"field,omitempty"`
	Typing     bool            `json:"typing,omitempty"`
	Members    []Member        `json:"members,omitempty"`
	Holder     *Holder         `json:"holder,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Target selector kinds for relay envelopes.
const (
	TargetAll        = "all"
	targetRoomPrefix = "room:"
	targetUserPrefix = "user:"
)

// RoomTarget builds a room-targeted selector.
func RoomTarget(room string) string { return targetRoomPrefix + room }

// UserTarget builds a user-targeted selector.
func UserTarget(userID string) string { return targetUserPrefix + userID }

// SplitTarget breaks a selector into kind ("room", "user" or "all") and name.
// An unrecognized selector returns an empty kind.
func SplitTarget(target string) (kind, name string) {
	switch {
	case target == TargetAll:
		return "all", ""
	case strings.HasPrefix(target, targetRoomPrefix):
		return "room", strings.TrimPrefix(target, targetRoomPrefix)
	case strings.HasPrefix(target, targetUserPrefix):
		return "user", strings.TrimPrefix(target, targetUserPrefix)
	}
	return "", ""
}

// Envelope is the unit published on the shared relay subject. Origin carries
// the publishing hub's instance ID: a publisher that already delivered the
// message to its local connections skips its own relayed copy, so no
// connection sees the same message twice. Exclude names a single connection
// to skip during delivery (the actor of a join/leave/typing event).
type Envelope struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Origin  string          `json:"origin,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals an outbound frame into a targeted envelope.
func NewEnvelope(target, origin, exclude string, msg Outbound) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:    msg.Type,
		Target:  target,
		Origin:  origin,
		Exclude: exclude,
		Payload: data,
	}, nil
}

// Message decodes the envelope payload back into an outbound frame.
func (e Envelope) Message() (Outbound, error) {
	var msg Outbound
	err := json.Unmarshal(e.Payload, &msg)
	return msg, err
}
