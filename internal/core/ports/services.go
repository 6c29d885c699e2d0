package ports

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
)

// SessionSink delivers envelopes to one connected session. Deliver must not block.
type SessionSink interface {
	Deliver(env *domain.Envelope) error
}

// Notifier is the outbound side of the signaling relay used by the registry.
type Notifier interface {
	Send(ctx context.Context, to domain.SessionID, env *domain.Envelope) bool
	Broadcast(ctx context.Context, to []domain.SessionID, env *domain.Envelope) int
}

type RoomRegistry interface {
	CreateRoom(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, displayName string) error
	JoinRoom(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, displayName string) ([]domain.MemberInfo, error)
	RemoveSession(ctx context.Context, sessionID domain.SessionID) error
	EndRoom(ctx context.Context, roomID domain.RoomID, requester domain.SessionID) error
	Chat(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, displayName, text string) error
	AdminAction(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, action string, target domain.SessionID) error
	Members(ctx context.Context, roomID domain.RoomID) ([]domain.MemberInfo, error)
	Rooms(ctx context.Context) (int, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RoomPolicy isolates admission and authority decisions from the protocol.
type RoomPolicy interface {
	Admit(room *domain.Room, sessionID domain.SessionID) bool
	CanEndRoom(room *domain.Room, requester domain.SessionID) bool
	CanAdminister(room *domain.Room, requester domain.SessionID) bool
}

// RetentionStrategy decides whether an idle room may be discarded.
type RetentionStrategy interface {
	Evict(room *domain.Room, now time.Time) bool
}

type MeetingService interface {
	Schedule(ctx context.Context, req ScheduleMeetingRequest) (*domain.Meeting, error)
	List(ctx context.Context) ([]*domain.Meeting, error)
}

type ScheduleMeetingRequest struct {
	MeetingID string
	Title     string
	Date      time.Time
	Creator   string
}

// RoomLifecycleEvent is published for observers outside the relay process.
type RoomLifecycleEvent struct {
	Type      string           `json:"type"`
	RoomID    domain.RoomID    `json:"room_id"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

const (
	LifecycleRoomCreated  = "room.created"
	LifecycleRoomEnded    = "room.ended"
	LifecycleRoomEvicted  = "room.evicted"
	LifecycleMemberJoined = "member.joined"
	LifecycleMemberLeft   = "member.left"
)

type RoomEventPublisher interface {
	Publish(ctx context.Context, event RoomLifecycleEvent) error
}

// SignalingMetrics is implemented by the Prometheus collector.
type SignalingMetrics interface {
	SessionConnected()
	SessionDisconnected(duration time.Duration)
	RoomOpened()
	RoomClosed()
	RoomOperation(op string)
	MessageRelayed(t domain.MessageType)
	MessageDropped(t domain.MessageType, reason string)
}
