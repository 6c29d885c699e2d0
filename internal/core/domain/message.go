package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeWelcome         MessageType = "welcome"
	TypeCreateRoom      MessageType = "create_room"
	TypeRoomCreated     MessageType = "room_created"
	TypeJoinRoom        MessageType = "join_room"
	TypeExistingMembers MessageType = "existing_members"
	TypePresence        MessageType = "presence"
	TypeOffer           MessageType = "offer"
	TypeAnswer          MessageType = "answer"
	TypeICECandidate    MessageType = "ice_candidate"
	TypeChatMessage     MessageType = "chat_message"
	TypeEndRoom         MessageType = "end_room"
	TypeRoomEnded       MessageType = "room_ended"
	TypeAdminAction     MessageType = "admin_action"
	TypeError           MessageType = "error"
)

type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

type RoomEventKind string

const (
	RoomEventCreated RoomEventKind = "created"
	RoomEventEnded   RoomEventKind = "ended"
)

// Envelope is the single frame exchanged over the signaling channel.
// Payload is interpreted according to Type; negotiation payloads are opaque.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    SessionID       `json:"from,omitempty"`
	To      SessionID       `json:"to,omitempty"`
	RoomID  RoomID          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WelcomePayload struct {
	SessionID  SessionID   `json:"session_id"`
	ICEServers []ICEServer `json:"ice_servers,omitempty"`
}

// ICEServer mirrors the browser RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type RoomRequestPayload struct {
	DisplayName string `json:"display_name"`
}

type ExistingMembersPayload struct {
	Members []MemberInfo `json:"members"`
}

type PresencePayload struct {
	Kind        PresenceKind `json:"kind"`
	SessionID   SessionID    `json:"session_id"`
	DisplayName string       `json:"display_name,omitempty"`
}

type ChatPayload struct {
	Text        string    `json:"text"`
	DisplayName string    `json:"display_name,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

type RoomEventPayload struct {
	Kind   RoomEventKind `json:"kind"`
	RoomID RoomID        `json:"room_id"`
}

type AdminActionPayload struct {
	Action          string    `json:"action"`
	TargetSessionID SessionID `json:"target_session_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload into a new envelope. A nil payload is omitted.
func NewEnvelope(t MessageType, roomID RoomID, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: t, RoomID: roomID}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(t MessageType, roomID RoomID, payload interface{}) *Envelope {
	env, err := NewEnvelope(t, roomID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidMessage, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, e.Type, err)
	}
	return nil
}

// IsNegotiation reports whether the envelope is point-to-point negotiation traffic.
func (e *Envelope) IsNegotiation() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}
