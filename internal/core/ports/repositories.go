package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// RoomRepository stores room state. Callers serialize writes per room; the
// repository only has to be safe for concurrent use across rooms.
type RoomRepository interface {
	Get(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Save(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error
	List(ctx context.Context) ([]domain.RoomID, error)
}

type MeetingRepository interface {
	Create(ctx context.Context, meeting *domain.Meeting) error
	ListByDate(ctx context.Context) ([]*domain.Meeting, error)
}
