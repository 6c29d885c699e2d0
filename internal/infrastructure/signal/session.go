package signal

import (
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// session is one connected signaling client. Reads happen on the handler
// goroutine and writes on a dedicated writer, so each side of the socket has a
// single owner.
type session struct {
	id          domain.SessionID
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	send    chan *domain.Envelope
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func newSession(id domain.SessionID, conn *websocket.Conn, bufferSize int, limiter *rate.Limiter) *session {
	return &session{
		id:          id,
		conn:        conn,
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		send:        make(chan *domain.Envelope, bufferSize),
		done:        make(chan struct{}),
		limiter:     limiter,
	}
}

// Deliver queues env for the writer. It never blocks: a full buffer is
// reported as ErrSendBufferFull and the envelope is dropped.
func (s *session) Deliver(env *domain.Envelope) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case s.send <- env:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	default:
		return domain.ErrSendBufferFull
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
