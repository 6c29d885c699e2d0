package services

import (
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

const (
	EndPolicyAnyMember = "any_member"
	EndPolicyHostOnly  = "host_only"

	RetentionKeep       = "keep"
	RetentionEvictEmpty = "evict_empty"
)

// OpenPolicy admits everyone and lets any session end a room. Admin actions
// stay restricted to the host.
type OpenPolicy struct{}

func (OpenPolicy) Admit(*domain.Room, domain.SessionID) bool      { return true }
func (OpenPolicy) CanEndRoom(*domain.Room, domain.SessionID) bool { return true }

func (OpenPolicy) CanAdminister(room *domain.Room, requester domain.SessionID) bool {
	return room.IsHost(requester)
}

// HostOnlyPolicy restricts room termination to the recorded host.
type HostOnlyPolicy struct {
	OpenPolicy
}

func (HostOnlyPolicy) CanEndRoom(room *domain.Room, requester domain.SessionID) bool {
	return room.IsHost(requester)
}

func NewRoomPolicy(name string) (ports.RoomPolicy, error) {
	switch name {
	case "", EndPolicyAnyMember:
		return OpenPolicy{}, nil
	case EndPolicyHostOnly:
		return HostOnlyPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown room end policy %q", name)
}

// KeepForever never evicts rooms.
type KeepForever struct{}

func (KeepForever) Evict(*domain.Room, time.Time) bool { return false }

// EvictEmpty evicts rooms that have had no members for longer than Grace.
type EvictEmpty struct {
	Grace time.Duration
}

func (e EvictEmpty) Evict(room *domain.Room, now time.Time) bool {
	if len(room.Members) > 0 || room.EmptySince.IsZero() {
		return false
	}
	return now.Sub(room.EmptySince) >= e.Grace
}

func NewRetentionStrategy(name string, grace time.Duration) (ports.RetentionStrategy, error) {
	switch name {
	case "", RetentionKeep:
		return KeepForever{}, nil
	case RetentionEvictEmpty:
		return EvictEmpty{Grace: grace}, nil
	}
	return nil, fmt.Errorf("unknown room retention strategy %q", name)
}
