package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"go.uber.org/zap"
)

// RoomRegistry owns room membership. Every operation on a room runs under
// that room's lock, so membership changes and the notifications they cause
// are observed in one serial order per room.
type RoomRegistry struct {
	repo      ports.RoomRepository
	notifier  ports.Notifier
	policy    ports.RoomPolicy
	retention ports.RetentionStrategy
	publisher ports.RoomEventPublisher
	metrics   ports.SignalingMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	locks *roomLocks

	// sessions indexes the rooms each session belongs to.
	sessions map[domain.SessionID]map[domain.RoomID]struct{}
	indexMu  sync.Mutex
}

type RegistryOption func(*RoomRegistry)

func WithPolicy(p ports.RoomPolicy) RegistryOption {
	return func(r *RoomRegistry) { r.policy = p }
}

func WithRetention(s ports.RetentionStrategy) RegistryOption {
	return func(r *RoomRegistry) { r.retention = s }
}

func WithPublisher(p ports.RoomEventPublisher) RegistryOption {
	return func(r *RoomRegistry) { r.publisher = p }
}

func WithMetrics(m ports.SignalingMetrics) RegistryOption {
	return func(r *RoomRegistry) { r.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) RegistryOption {
	return func(r *RoomRegistry) { r.logger = l }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *RoomRegistry) { r.now = now }
}

func NewRoomRegistry(repo ports.RoomRepository, notifier ports.Notifier, opts ...RegistryOption) *RoomRegistry {
	r := &RoomRegistry{
		repo:      repo,
		notifier:  notifier,
		policy:    OpenPolicy{},
		retention: KeepForever{},
		publisher: NopPublisher{},
		metrics:   NopMetrics{},
		logger:    zap.NewNop().Sugar(),
		now:       time.Now,
		locks:     newRoomLocks(),
		sessions:  make(map[domain.SessionID]map[domain.RoomID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ ports.RoomRegistry = (*RoomRegistry)(nil)

// CreateRoom registers the caller as host. An existing room keeps its members
// and silently gets a new host.
func (r *RoomRegistry) CreateRoom(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, displayName string) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "create", string(roomID))
	defer span.End()

	unlock := r.locks.Lock(roomID)
	defer unlock()

	now := r.now()
	room, existed, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	if !existed {
		room = domain.NewRoom(roomID, now)
	}
	if !r.policy.Admit(room, sessionID) {
		return fmt.Errorf("admit %s to %s: %w", sessionID, roomID, domain.ErrForbidden)
	}

	if existed && room.HostSessionID != "" && room.HostSessionID != sessionID {
		r.logger.Warnw("room re-created, reassigning host",
			"room_id", roomID,
			"previous_host", room.HostSessionID,
			"host", sessionID,
		)
	}
	room.HostSessionID = sessionID
	room.AddMember(sessionID, displayName, now)

	if err := r.repo.Save(ctx, room); err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	r.track(sessionID, roomID)

	r.notifier.Send(ctx, sessionID, domain.MustEnvelope(domain.TypeRoomCreated, roomID, domain.RoomEventPayload{
		Kind:   domain.RoomEventCreated,
		RoomID: roomID,
	}))

	if !existed {
		r.metrics.RoomOpened()
	}
	r.metrics.RoomOperation("create")
	r.publish(ctx, ports.LifecycleRoomCreated, roomID, sessionID)

	r.logger.Infow("room created", "room_id", roomID, "host", sessionID, "members", len(room.Members))
	return nil
}

// JoinRoom adds the caller, sends it the members that were already present and
// announces it to them. Joining an unknown id creates a room without a host.
func (r *RoomRegistry) JoinRoom(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, displayName string) ([]domain.MemberInfo, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(roomID))
	defer span.End()

	unlock := r.locks.Lock(roomID)
	defer unlock()

	now := r.now()
	room, existed, err := r.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !existed {
		room = domain.NewRoom(roomID, now)
	}
	if !r.policy.Admit(room, sessionID) {
		return nil, fmt.Errorf("admit %s to %s: %w", sessionID, roomID, domain.ErrForbidden)
	}

	existing := room.MemberList(sessionID)
	room.AddMember(sessionID, displayName, now)

	if err := r.repo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("save room %s: %w", roomID, err)
	}
	r.track(sessionID, roomID)

	r.notifier.Send(ctx, sessionID, domain.MustEnvelope(domain.TypeExistingMembers, roomID, domain.ExistingMembersPayload{
		Members: existing,
	}))

	others := make([]domain.SessionID, 0, len(existing))
	for _, m := range existing {
		others = append(others, m.SessionID)
	}
	r.notifier.Broadcast(ctx, others, domain.MustEnvelope(domain.TypePresence, roomID, domain.PresencePayload{
		Kind:        domain.PresenceJoined,
		SessionID:   sessionID,
		DisplayName: displayName,
	}))

	if !existed {
		r.metrics.RoomOpened()
	}
	r.metrics.RoomOperation("join")
	r.publish(ctx, ports.LifecycleMemberJoined, roomID, sessionID)

	r.logger.Infow("session joined room",
		"room_id", roomID,
		"session_id", sessionID,
		"display_name", displayName,
		"existing", len(existing),
	)
	return existing, nil
}

// RemoveSession drops the session from every room it belonged to and tells the
// remaining members.
func (r *RoomRegistry) RemoveSession(ctx context.Context, sessionID domain.SessionID) error {
	rooms := r.untrackAll(sessionID)

	var errs []error
	for _, roomID := range rooms {
		if err := r.leave(ctx, roomID, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *RoomRegistry) leave(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "leave", string(roomID))
	defer span.End()

	unlock := r.locks.Lock(roomID)
	defer unlock()

	room, exists, err := r.load(ctx, roomID)
	if err != nil || !exists {
		return err
	}

	member, ok := room.RemoveMember(sessionID, r.now())
	if !ok {
		return nil
	}
	if err := r.repo.Save(ctx, room); err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}

	r.notifier.Broadcast(ctx, room.MemberIDs(""), domain.MustEnvelope(domain.TypePresence, roomID, domain.PresencePayload{
		Kind:        domain.PresenceLeft,
		SessionID:   sessionID,
		DisplayName: member.DisplayName,
	}))

	r.metrics.RoomOperation("leave")
	r.publish(ctx, ports.LifecycleMemberLeft, roomID, sessionID)

	r.logger.Infow("session left room", "room_id", roomID, "session_id", sessionID, "remaining", len(room.Members))
	return nil
}

// EndRoom tells every current member that the room ended, then deletes it.
func (r *RoomRegistry) EndRoom(ctx context.Context, roomID domain.RoomID, requester domain.SessionID) error {
	return r.end(ctx, roomID, requester, true)
}

func (r *RoomRegistry) end(ctx context.Context, roomID domain.RoomID, requester domain.SessionID, enforce bool) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "end", string(roomID))
	defer span.End()

	unlock := r.locks.Lock(roomID)
	defer unlock()

	room, exists, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("end %s: %w", roomID, domain.ErrRoomNotFound)
	}
	if enforce && !r.policy.CanEndRoom(room, requester) {
		return fmt.Errorf("end %s by %s: %w", roomID, requester, domain.ErrForbidden)
	}
	if enforce && !room.IsHost(requester) {
		r.logger.Warnw("room ended by non-host session", "room_id", roomID, "session_id", requester, "host", room.HostSessionID)
	}

	recipients := room.MemberIDs("")
	delivered := r.notifier.Broadcast(ctx, recipients, domain.MustEnvelope(domain.TypeRoomEnded, roomID, domain.RoomEventPayload{
		Kind:   domain.RoomEventEnded,
		RoomID: roomID,
	}))

	if err := r.repo.Delete(ctx, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	for _, id := range recipients {
		r.untrack(id, roomID)
	}

	r.metrics.RoomClosed()
	r.metrics.RoomOperation("end")
	r.publish(ctx, ports.LifecycleRoomEnded, roomID, requester)

	r.logger.Infow("room ended", "room_id", roomID, "by", requester, "members", len(recipients), "delivered", delivered)
	return nil
}

// Chat broadcasts a message to every member, sender included, stamped with the
// server clock.
func (r *RoomRegistry) Chat(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, displayName, text string) error {
	unlock := r.locks.Lock(roomID)
	defer unlock()

	room, exists, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("chat in %s: %w", roomID, domain.ErrRoomNotFound)
	}

	if displayName == "" {
		if m, ok := room.Members[sessionID]; ok {
			displayName = m.DisplayName
		}
	}

	env := domain.MustEnvelope(domain.TypeChatMessage, roomID, domain.ChatPayload{
		Text:        text,
		DisplayName: displayName,
		Timestamp:   r.now().UTC(),
	})
	env.From = sessionID

	r.notifier.Broadcast(ctx, room.MemberIDs(""), env)
	r.metrics.RoomOperation("chat")
	return nil
}

// AdminAction fans a host command out to the room.
func (r *RoomRegistry) AdminAction(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID, action string, target domain.SessionID) error {
	unlock := r.locks.Lock(roomID)
	defer unlock()

	room, exists, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("admin action in %s: %w", roomID, domain.ErrRoomNotFound)
	}
	if !r.policy.CanAdminister(room, sessionID) {
		return fmt.Errorf("admin action in %s by %s: %w", roomID, sessionID, domain.ErrForbidden)
	}

	env := domain.MustEnvelope(domain.TypeAdminAction, roomID, domain.AdminActionPayload{
		Action:          action,
		TargetSessionID: target,
	})
	env.From = sessionID

	r.notifier.Broadcast(ctx, room.MemberIDs(""), env)
	r.metrics.RoomOperation("admin_action")
	return nil
}

func (r *RoomRegistry) Members(ctx context.Context, roomID domain.RoomID) ([]domain.MemberInfo, error) {
	unlock := r.locks.Lock(roomID)
	defer unlock()

	room, exists, err := r.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return room.MemberList(""), nil
}

// Rooms returns the number of live rooms.
func (r *RoomRegistry) Rooms(ctx context.Context) (int, error) {
	ids, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Sweep applies the retention strategy to every room and returns how many
// were evicted.
func (r *RoomRegistry) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rooms: %w", err)
	}

	evicted := 0
	for _, id := range ids {
		ok, err := r.evict(ctx, id, now)
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted++
		}
	}
	return evicted, nil
}

func (r *RoomRegistry) evict(ctx context.Context, roomID domain.RoomID, now time.Time) (bool, error) {
	unlock := r.locks.Lock(roomID)
	defer unlock()

	room, exists, err := r.load(ctx, roomID)
	if err != nil || !exists {
		return false, err
	}
	if !r.retention.Evict(room, now) {
		return false, nil
	}
	if err := r.repo.Delete(ctx, roomID); err != nil {
		return false, fmt.Errorf("delete room %s: %w", roomID, err)
	}

	r.metrics.RoomClosed()
	r.publish(ctx, ports.LifecycleRoomEvicted, roomID, "")
	r.logger.Infow("room evicted", "room_id", roomID, "empty_since", room.EmptySince)
	return true, nil
}

// Shutdown ends every room. It is called once when the server stops.
func (r *RoomRegistry) Shutdown(ctx context.Context) error {
	ids, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := r.end(ctx, id, "", false); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SessionRooms returns the rooms a session currently belongs to.
func (r *RoomRegistry) SessionRooms(sessionID domain.SessionID) []domain.RoomID {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	return sortedRooms(r.sessions[sessionID])
}

func (r *RoomRegistry) load(ctx context.Context, id domain.RoomID) (*domain.Room, bool, error) {
	room, err := r.repo.Get(ctx, id)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load room %s: %w", id, err)
	}
	return room, true, nil
}

func (r *RoomRegistry) track(sessionID domain.SessionID, roomID domain.RoomID) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	rooms, ok := r.sessions[sessionID]
	if !ok {
		rooms = make(map[domain.RoomID]struct{})
		r.sessions[sessionID] = rooms
	}
	rooms[roomID] = struct{}{}
}

func (r *RoomRegistry) untrack(sessionID domain.SessionID, roomID domain.RoomID) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	rooms, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(r.sessions, sessionID)
	}
}

func (r *RoomRegistry) untrackAll(sessionID domain.SessionID) []domain.RoomID {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	rooms := sortedRooms(r.sessions[sessionID])
	delete(r.sessions, sessionID)
	return rooms
}

func (r *RoomRegistry) publish(ctx context.Context, eventType string, roomID domain.RoomID, sessionID domain.SessionID) {
	err := r.publisher.Publish(ctx, ports.RoomLifecycleEvent{
		Type:      eventType,
		RoomID:    roomID,
		SessionID: sessionID,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.Warnw("failed to publish room event", "type", eventType, "room_id", roomID, "error", err)
	}
}

func sortedRooms(set map[domain.RoomID]struct{}) []domain.RoomID {
	rooms := make([]domain.RoomID, 0, len(set))
	for id := range set {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// NopPublisher drops lifecycle events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ports.RoomLifecycleEvent) error { return nil }
