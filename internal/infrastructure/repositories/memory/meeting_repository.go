package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type MemoryMeetingRepository struct {
	meetings []*domain.Meeting
	nextID   uint
	mu       sync.RWMutex
}

func NewMemoryMeetingRepository() ports.MeetingRepository {
	return &MemoryMeetingRepository{nextID: 1}
}

func (r *MemoryMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.meetings {
		if m.MeetingID == meeting.MeetingID {
			return fmt.Errorf("%w: %s", domain.ErrMeetingExists, meeting.MeetingID)
		}
	}

	meeting.ID = r.nextID
	r.nextID++

	stored := *meeting
	r.meetings = append(r.meetings, &stored)
	return nil
}

func (r *MemoryMeetingRepository) ListByDate(ctx context.Context) ([]*domain.Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Meeting, 0, len(r.meetings))
	for _, m := range r.meetings {
		c := *m
		result = append(result, &c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Date.Before(result[j].Date)
	})
	return result, nil
}
