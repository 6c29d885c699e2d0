package services

import (
	"sync"

	"meshcall/internal/core/domain"
)

// roomLocks hands out one mutex per room id. Entries are reference counted
// and dropped when no goroutine holds or waits on them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[domain.RoomID]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[domain.RoomID]*roomLock)}
}

// Lock blocks until the room is exclusively held and returns its unlock func.
func (l *roomLocks) Lock(id domain.RoomID) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &roomLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
