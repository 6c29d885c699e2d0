package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
)

type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func descType(raw json.RawMessage) string {
	var d description
	_ = json.Unmarshal(raw, &d)
	return d.Type
}

type fakeConn struct {
	owner  domain.SessionID
	remote domain.SessionID
	serial int

	mu          sync.Mutex
	local       json.RawMessage
	remoteDesc  json.RawMessage
	candidates  []json.RawMessage
	closed      bool
	onCandidate func(json.RawMessage)
	onTrack     func(RemoteTrack)
	onState     func(ConnectionState)
}

func (c *fakeConn) describe(kind string) json.RawMessage {
	raw, _ := json.Marshal(description{Type: kind, SDP: fmt.Sprintf("%s->%s#%d", c.owner, c.remote, c.serial)})
	return raw
}

func (c *fakeConn) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("closed")
	}
	c.local = c.describe("offer")
	return c.local, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("closed")
	}
	if descType(c.remoteDesc) != "offer" {
		return nil, errors.New("no remote offer")
	}
	c.local = c.describe("answer")
	return c.local, nil
}

func (c *fakeConn) SetRemoteDescription(ctx context.Context, sdp json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if descType(sdp) == "offer" && descType(c.local) == "offer" {
		return errors.New("have-local-offer")
	}
	c.remoteDesc = sdp
	return nil
}

func (c *fakeConn) AddICECandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(f func(json.RawMessage))          { c.onCandidate = f }
func (c *fakeConn) OnTrack(f func(RemoteTrack))                     { c.onTrack = f }
func (c *fakeConn) OnConnectionStateChange(f func(ConnectionState)) { c.onState = f }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) remoteType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return descType(c.remoteDesc)
}

func (c *fakeConn) localType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return descType(c.local)
}

type fakeFactory struct {
	owner domain.SessionID
	err   error

	mu    sync.Mutex
	conns map[domain.SessionID][]*fakeConn
}

func newFakeFactory(owner domain.SessionID) *fakeFactory {
	return &fakeFactory{owner: owner, conns: make(map[domain.SessionID][]*fakeConn)}
}

func (f *fakeFactory) NewConnection(remote domain.SessionID) (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{owner: f.owner, remote: remote, serial: len(f.conns[remote]) + 1}
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

func (f *fakeFactory) all(remote domain.SessionID) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns[remote]...)
}

func (f *fakeFactory) last(remote domain.SessionID) *fakeConn {
	conns := f.all(remote)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

type fakeSignaler struct {
	mu      sync.Mutex
	sent    []*domain.Envelope
	closed  int
	forward func(env *domain.Envelope)
}

func (s *fakeSignaler) Send(env *domain.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	forward := s.forward
	s.mu.Unlock()
	if forward != nil {
		forward(env)
	}
	return nil
}

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSignaler) ofType(t domain.MessageType) []*domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	releases int
}

func (m *fakeMedia) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

// network routes point-to-point envelopes between orchestrators the way the
// relay does: from is stamped, delivery is FIFO and happens on pump.
type network struct {
	mu    sync.Mutex
	queue []*domain.Envelope
	nodes map[domain.SessionID]*Orchestrator
	sent  map[domain.MessageType]int
}

func newNetwork() *network {
	return &network{
		nodes: make(map[domain.SessionID]*Orchestrator),
		sent:  make(map[domain.MessageType]int),
	}
}

type node struct {
	orch     *Orchestrator
	factory  *fakeFactory
	signaler *fakeSignaler
}

func (n *network) join(id domain.SessionID) *node {
	factory := newFakeFactory(id)
	signaler := &fakeSignaler{}
	signaler.forward = func(env *domain.Envelope) {
		if env.To == "" {
			return
		}
		out := *env
		out.From = id
		n.mu.Lock()
		n.queue = append(n.queue, &out)
		n.sent[env.Type]++
		n.mu.Unlock()
	}

	orch := NewOrchestrator(signaler, factory, nil, Hooks{}, nil)
	n.nodes[id] = orch
	_ = orch.Handle(context.Background(), domain.MustEnvelope(domain.TypeWelcome, "", domain.WelcomePayload{SessionID: id}))
	return &node{orch: orch, factory: factory, signaler: signaler}
}

func (n *network) pump() error {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return nil
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		if target, ok := n.nodes[env.To]; ok {
			if err := target.Handle(context.Background(), env); err != nil {
				return err
			}
		}
	}
}

func (n *network) count(t domain.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[t]
}
