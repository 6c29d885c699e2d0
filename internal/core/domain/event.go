package domain

import (
	"encoding/json"
	"fmt"
)

// Event is the decoded, typed form of a server-to-client envelope.
type Event interface {
	eventType() MessageType
}

type Welcome struct {
	SessionID  SessionID
	ICEServers []ICEServer
}

type RoomCreated struct {
	RoomID RoomID
}

type ExistingMembers struct {
	RoomID  RoomID
	Members []MemberInfo
}

type Presence struct {
	RoomID      RoomID
	Kind        PresenceKind
	SessionID   SessionID
	DisplayName string
}

// Offer, Answer and IceCandidate carry opaque negotiation payloads.
type Offer struct {
	From SessionID
	SDP  json.RawMessage
}

type Answer struct {
	From SessionID
	SDP  json.RawMessage
}

type IceCandidate struct {
	From      SessionID
	Candidate json.RawMessage
}

type ChatMessage struct {
	RoomID RoomID
	From   SessionID
	ChatPayload
}

type RoomEvent struct {
	Kind   RoomEventKind
	RoomID RoomID
}

type AdminAction struct {
	RoomID RoomID
	From   SessionID
	AdminActionPayload
}

type ErrorEvent struct {
	Message string
}

func (Welcome) eventType() MessageType         { return TypeWelcome }
func (RoomCreated) eventType() MessageType     { return TypeRoomCreated }
func (ExistingMembers) eventType() MessageType { return TypeExistingMembers }
func (Presence) eventType() MessageType        { return TypePresence }
func (Offer) eventType() MessageType           { return TypeOffer }
func (Answer) eventType() MessageType          { return TypeAnswer }
func (IceCandidate) eventType() MessageType    { return TypeICECandidate }
func (ChatMessage) eventType() MessageType     { return TypeChatMessage }
func (RoomEvent) eventType() MessageType       { return TypeRoomEnded }
func (AdminAction) eventType() MessageType     { return TypeAdminAction }
func (ErrorEvent) eventType() MessageType      { return TypeError }

// DecodeEvent turns a server-to-client envelope into its typed event.
func DecodeEvent(env *Envelope) (Event, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidMessage)
	}

	switch env.Type {
	case TypeWelcome:
		var p WelcomePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return Welcome{SessionID: p.SessionID, ICEServers: p.ICEServers}, nil

	case TypeRoomCreated:
		return RoomCreated{RoomID: env.RoomID}, nil

	case TypeExistingMembers:
		var p ExistingMembersPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return ExistingMembers{RoomID: env.RoomID, Members: p.Members}, nil

	case TypePresence:
		var p PresencePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return Presence{RoomID: env.RoomID, Kind: p.Kind, SessionID: p.SessionID, DisplayName: p.DisplayName}, nil

	case TypeOffer:
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("%w: offer without sdp", ErrInvalidMessage)
		}
		return Offer{From: env.From, SDP: env.Payload}, nil

	case TypeAnswer:
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("%w: answer without sdp", ErrInvalidMessage)
		}
		return Answer{From: env.From, SDP: env.Payload}, nil

	case TypeICECandidate:
		return IceCandidate{From: env.From, Candidate: env.Payload}, nil

	case TypeChatMessage:
		var p ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return ChatMessage{RoomID: env.RoomID, From: env.From, ChatPayload: p}, nil

	case TypeRoomEnded:
		var p RoomEventPayload
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&p); err != nil {
				return nil, err
			}
		}
		if p.RoomID == "" {
			p.RoomID = env.RoomID
		}
		return RoomEvent{Kind: RoomEventEnded, RoomID: p.RoomID}, nil

	case TypeAdminAction:
		var p AdminActionPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return AdminAction{RoomID: env.RoomID, From: env.From, AdminActionPayload: p}, nil

	case TypeError:
		var p ErrorPayload
		_ = env.DecodePayload(&p)
		return ErrorEvent{Message: p.Message}, nil
	}

	return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, env.Type)
}
