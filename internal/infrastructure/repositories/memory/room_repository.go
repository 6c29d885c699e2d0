package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// MemoryRoomRepository keeps rooms in process memory. It stores and returns
// copies so callers never share member maps.
type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, id)
	}
	return room.Clone(), nil
}

func (r *MemoryRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	if room == nil || room.ID == "" {
		return fmt.Errorf("room id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[room.ID] = room.Clone()
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomRepository) List(ctx context.Context) ([]domain.RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
