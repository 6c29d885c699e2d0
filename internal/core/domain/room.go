package domain

import (
	"sort"
	"time"
)

type RoomID string
type SessionID string

// Member is a session admitted into a room.
type Member struct {
	SessionID   SessionID `json:"session_id"`
	DisplayName string    `json:"display_name"`
	Admitted    bool      `json:"admitted"`
	JoinedAt    time.Time `json:"joined_at"`
}

// MemberInfo is the public view of a member sent to clients.
type MemberInfo struct {
	SessionID   SessionID `json:"session_id"`
	DisplayName string    `json:"display_name"`
}

type Room struct {
	ID            RoomID                `json:"id"`
	HostSessionID SessionID             `json:"host_session_id,omitempty"`
	Members       map[SessionID]*Member `json:"members"`
	CreatedAt     time.Time             `json:"created_at"`
	// EmptySince is set when the last member leaves and cleared on the next join.
	EmptySince time.Time `json:"empty_since,omitempty"`
}

func NewRoom(id RoomID, now time.Time) *Room {
	return &Room{
		ID:        id,
		Members:   make(map[SessionID]*Member),
		CreatedAt: now,
	}
}

func (r *Room) HasMember(id SessionID) bool {
	_, ok := r.Members[id]
	return ok
}

func (r *Room) IsHost(id SessionID) bool {
	return r.HostSessionID != "" && r.HostSessionID == id
}

// AddMember inserts or replaces the member entry for a session.
func (r *Room) AddMember(id SessionID, displayName string, now time.Time) *Member {
	if r.Members == nil {
		r.Members = make(map[SessionID]*Member)
	}
	m := &Member{
		SessionID:   id,
		DisplayName: displayName,
		Admitted:    true,
		JoinedAt:    now,
	}
	r.Members[id] = m
	r.EmptySince = time.Time{}
	return m
}

// RemoveMember deletes the member and reports whether it was present.
func (r *Room) RemoveMember(id SessionID, now time.Time) (*Member, bool) {
	m, ok := r.Members[id]
	if !ok {
		return nil, false
	}
	delete(r.Members, id)
	if len(r.Members) == 0 {
		r.EmptySince = now
	}
	return m, true
}

// MemberIDs returns member session ids, excluding the given one, in join order.
func (r *Room) MemberIDs(exclude SessionID) []SessionID {
	infos := r.MemberList(exclude)
	ids := make([]SessionID, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.SessionID)
	}
	return ids
}

// MemberList returns members ordered by join time, ties broken by session id.
func (r *Room) MemberList(exclude SessionID) []MemberInfo {
	members := make([]*Member, 0, len(r.Members))
	for id, m := range r.Members {
		if id == exclude {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].SessionID < members[j].SessionID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	list := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		list = append(list, MemberInfo{SessionID: m.SessionID, DisplayName: m.DisplayName})
	}
	return list
}

// Clone returns a deep copy so stores never share member maps with callers.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Members = make(map[SessionID]*Member, len(r.Members))
	for id, m := range r.Members {
		mc := *m
		c.Members[id] = &mc
	}
	return &c
}
