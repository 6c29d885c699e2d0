package services

import (
	"context"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// recordingSink captures delivered envelopes. A non-nil err makes every
// delivery fail.
type recordingSink struct {
	mu   sync.Mutex
	envs []*domain.Envelope
	err  error
}

func (s *recordingSink) Deliver(env *domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSink) all() []*domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func (s *recordingSink) ofType(t domain.MessageType) []*domain.Envelope {
	var out []*domain.Envelope
	for _, env := range s.all() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.envs = nil
	s.mu.Unlock()
}

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) SessionConnected()                       { m.Called() }
func (m *MockMetrics) SessionDisconnected(d time.Duration)     { m.Called(d) }
func (m *MockMetrics) RoomOpened()                             { m.Called() }
func (m *MockMetrics) RoomClosed()                             { m.Called() }
func (m *MockMetrics) RoomOperation(op string)                 { m.Called(op) }
func (m *MockMetrics) MessageRelayed(t domain.MessageType)     { m.Called(t) }
func (m *MockMetrics) MessageDropped(t domain.MessageType, reason string) {
	m.Called(t, reason)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event ports.RoomLifecycleEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRoomRepository) List(ctx context.Context) ([]domain.RoomID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RoomID), args.Error(1)
}

type MockMeetingRepository struct {
	mock.Mock
}

func (m *MockMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	args := m.Called(ctx, meeting)
	return args.Error(0)
}

func (m *MockMeetingRepository) ListByDate(ctx context.Context) ([]*domain.Meeting, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Meeting), args.Error(1)
}
