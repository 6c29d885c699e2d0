package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
)

var (
	ErrLinkClosed     = errors.New("peer link closed")
	ErrNoPendingOffer = errors.New("no pending local offer")
)

// LinkState is the lifecycle of a PeerLink. StateAbsent doubles as the state
// reported for a remote session that has no link.
type LinkState int

const (
	StateAbsent LinkState = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type linkEvents struct {
	candidate  func(remote domain.SessionID, candidate json.RawMessage)
	track      func(remote domain.SessionID, track RemoteTrack)
	connection func(link *PeerLink, state ConnectionState)
}

// PeerLink owns exactly one PeerConnection to one remote session. Operations
// on a link are serialized; callbacks from a connection that has since been
// replaced or closed are discarded.
type PeerLink struct {
	remote  domain.SessionID
	factory ConnectionFactory
	events  linkEvents

	// opMu serializes negotiation steps; mu guards the fields below and is
	// never held across a PeerConnection call.
	opMu sync.Mutex

	mu           sync.Mutex
	conn         PeerConnection
	generation   uint64
	state        LinkState
	offerPending bool
}

func newPeerLink(remote domain.SessionID, factory ConnectionFactory, events linkEvents) (*PeerLink, error) {
	l := &PeerLink{
		remote:  remote,
		factory: factory,
		events:  events,
	}
	if err := l.attach(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PeerLink) Remote() domain.SessionID {
	return l.remote
}

func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// HasPendingOffer reports whether a local offer is awaiting its answer.
func (l *PeerLink) HasPendingOffer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offerPending
}

// attach creates a fresh connection and makes it the current one.
func (l *PeerLink) attach() error {
	conn, err := l.factory.NewConnection(l.remote)
	if err != nil {
		return fmt.Errorf("create connection to %s: %w", l.remote, err)
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		_ = conn.Close()
		return ErrLinkClosed
	}
	l.generation++
	gen := l.generation
	old := l.conn
	l.conn = conn
	l.mu.Unlock()

	conn.OnICECandidate(func(c json.RawMessage) {
		if l.isCurrent(gen) && l.events.candidate != nil {
			l.events.candidate(l.remote, c)
		}
	})
	conn.OnTrack(func(t RemoteTrack) {
		if l.isCurrent(gen) && l.events.track != nil {
			l.events.track(l.remote, t)
		}
	})
	conn.OnConnectionStateChange(func(s ConnectionState) {
		l.connectionStateChanged(gen, s)
	})

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *PeerLink) isCurrent(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != StateClosed && l.generation == gen
}

func (l *PeerLink) connectionStateChanged(gen uint64, s ConnectionState) {
	l.mu.Lock()
	if l.state == StateClosed || l.generation != gen {
		l.mu.Unlock()
		return
	}
	if s == ConnectionConnected {
		l.state = StateConnected
	}
	l.mu.Unlock()

	if l.events.connection != nil {
		l.events.connection(l, s)
	}
}

func (l *PeerLink) current() (PeerConnection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil, ErrLinkClosed
	}
	return l.conn, nil
}

func (l *PeerLink) negotiating(offerPending bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	if l.state == StateAbsent {
		l.state = StateNegotiating
	}
	l.offerPending = offerPending
}

// Offer creates a local offer and marks it pending.
func (l *PeerLink) Offer(ctx context.Context) (json.RawMessage, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	conn, err := l.current()
	if err != nil {
		return nil, err
	}
	sdp, err := conn.CreateOffer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create offer for %s: %w", l.remote, err)
	}
	l.negotiating(true)
	return sdp, nil
}

// Answer applies a remote offer and returns the local answer.
func (l *PeerLink) Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	conn, err := l.current()
	if err != nil {
		return nil, err
	}
	if err := conn.SetRemoteDescription(ctx, offer); err != nil {
		return nil, fmt.Errorf("apply offer from %s: %w", l.remote, err)
	}
	sdp, err := conn.CreateAnswer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create answer for %s: %w", l.remote, err)
	}
	l.negotiating(false)
	return sdp, nil
}

// AcceptAnswer applies the remote answer to the pending local offer.
func (l *PeerLink) AcceptAnswer(ctx context.Context, answer json.RawMessage) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	conn, err := l.current()
	if err != nil {
		return err
	}
	if !l.HasPendingOffer() {
		return ErrNoPendingOffer
	}
	if err := conn.SetRemoteDescription(ctx, answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", l.remote, err)
	}

	l.mu.Lock()
	l.offerPending = false
	l.mu.Unlock()
	return nil
}

func (l *PeerLink) AddCandidate(candidate json.RawMessage) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	conn, err := l.current()
	if err != nil {
		return err
	}
	return conn.AddICECandidate(candidate)
}

// Reset discards the pending local offer by replacing the connection. It is
// used when this side loses an offer collision.
func (l *PeerLink) Reset() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if _, err := l.current(); err != nil {
		return err
	}
	if err := l.attach(); err != nil {
		return err
	}

	l.mu.Lock()
	l.offerPending = false
	if l.state != StateClosed {
		l.state = StateAbsent
	}
	l.mu.Unlock()
	return nil
}

// Close releases the connection. It reports whether this call closed the
// link; later calls do nothing.
func (l *PeerLink) Close() bool {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return false
	}
	l.state = StateClosed
	l.offerPending = false
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return true
}
