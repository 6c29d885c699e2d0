package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/pkg/tracing"

	"go.uber.org/zap"
)

// ErrLeft is returned once the orchestrator has left its room.
var ErrLeft = errors.New("left the room")

// Hooks are optional observer callbacks. They run on the goroutine that
// handled the triggering message or connection event.
type Hooks struct {
	OnChat        func(msg domain.ChatMessage)
	OnPresence    func(p domain.Presence)
	OnRoomEnded   func(roomID domain.RoomID)
	OnAdminAction func(a domain.AdminAction)
	OnRemoteTrack func(remote domain.SessionID, track RemoteTrack)
	OnLinkState   func(remote domain.SessionID, state LinkState)
	OnError       func(message string)
}

// Orchestrator decides, per remote session, whether to offer or answer and
// keeps at most one PeerLink per remote session.
//
// When both sides offer at once, the side with the smaller session id keeps
// its offer and ignores the incoming one; the other side discards its own
// offer and answers.
type Orchestrator struct {
	signaler Signaler
	factory  ConnectionFactory
	media    LocalMedia
	hooks    Hooks
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	localID     domain.SessionID
	roomID      domain.RoomID
	displayName string
	joined      bool
	left        bool
	links       map[domain.SessionID]*PeerLink

	done chan struct{}
}

// NewOrchestrator wires the collaborators. media may be nil when the
// participant runs receive-only.
func NewOrchestrator(signaler Signaler, factory ConnectionFactory, media LocalMedia, hooks Hooks, logger *zap.SugaredLogger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		signaler: signaler,
		factory:  factory,
		media:    media,
		hooks:    hooks,
		logger:   logger,
		links:    make(map[domain.SessionID]*PeerLink),
		done:     make(chan struct{}),
	}
}

func (o *Orchestrator) LocalID() domain.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localID
}

func (o *Orchestrator) RoomID() domain.RoomID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roomID
}

func (o *Orchestrator) Joined() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joined
}

// Done is closed once the orchestrator has left the room.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// LinkState returns the state of the link to remote, StateAbsent if none.
func (o *Orchestrator) LinkState(remote domain.SessionID) LinkState {
	o.mu.Lock()
	link, ok := o.links[remote]
	o.mu.Unlock()
	if !ok {
		return StateAbsent
	}
	return link.State()
}

// Peers lists the remote sessions with a live link, sorted.
func (o *Orchestrator) Peers() []domain.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()

	peers := make([]domain.SessionID, 0, len(o.links))
	for id := range o.links {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Join asks the server to create or join roomID.
func (o *Orchestrator) Join(ctx context.Context, roomID domain.RoomID, displayName string, create bool) error {
	o.mu.Lock()
	if o.left {
		o.mu.Unlock()
		return ErrLeft
	}
	o.roomID = roomID
	o.displayName = displayName
	o.mu.Unlock()

	t := domain.TypeJoinRoom
	if create {
		t = domain.TypeCreateRoom
	}
	env, err := domain.NewEnvelope(t, roomID, domain.RoomRequestPayload{DisplayName: displayName})
	if err != nil {
		return err
	}
	return o.signaler.Send(env)
}

// Handle dispatches one server envelope. Stale negotiation messages are
// dropped without error.
func (o *Orchestrator) Handle(ctx context.Context, env *domain.Envelope) error {
	if o.hasLeft() {
		return nil
	}

	event, err := domain.DecodeEvent(env)
	if err != nil {
		return err
	}

	switch ev := event.(type) {
	case domain.Welcome:
		o.mu.Lock()
		o.localID = ev.SessionID
		o.mu.Unlock()

	case domain.RoomCreated:
		o.markJoined(ev.RoomID)

	case domain.ExistingMembers:
		o.markJoined(ev.RoomID)
		for _, m := range ev.Members {
			if err := o.CreateOffer(ctx, m.SessionID); err != nil {
				o.logger.Warnw("failed to offer to existing member", "remote_id", m.SessionID, "error", err)
			}
		}

	case domain.Presence:
		o.handlePresence(ctx, ev)

	case domain.Offer:
		return o.ignoreStale(o.HandleOffer(ctx, ev.From, ev.SDP))

	case domain.Answer:
		return o.ignoreStale(o.HandleAnswer(ctx, ev.From, ev.SDP))

	case domain.IceCandidate:
		return o.ignoreStale(o.HandleIceCandidate(ev.From, ev.Candidate))

	case domain.ChatMessage:
		if o.hooks.OnChat != nil {
			o.hooks.OnChat(ev)
		}

	case domain.RoomEvent:
		if ev.Kind == domain.RoomEventEnded {
			if current := o.RoomID(); current != "" && ev.RoomID != current {
				o.logger.Debugw("ignoring end of another room", "room_id", ev.RoomID, "current", current)
				return nil
			}
			o.logger.Infow("room ended", "room_id", ev.RoomID)
			o.teardown()
			if o.hooks.OnRoomEnded != nil {
				o.hooks.OnRoomEnded(ev.RoomID)
			}
		}

	case domain.AdminAction:
		if o.hooks.OnAdminAction != nil {
			o.hooks.OnAdminAction(ev)
		}

	case domain.ErrorEvent:
		o.logger.Warnw("server reported error", "message", ev.Message)
		if o.hooks.OnError != nil {
			o.hooks.OnError(ev.Message)
		}
	}
	return nil
}

func (o *Orchestrator) handlePresence(ctx context.Context, p domain.Presence) {
	if p.SessionID == o.LocalID() {
		return
	}

	switch p.Kind {
	case domain.PresenceJoined:
		if err := o.CreateOffer(ctx, p.SessionID); err != nil {
			o.logger.Warnw("failed to offer to new member", "remote_id", p.SessionID, "error", err)
		}
	case domain.PresenceLeft:
		o.closeLink(p.SessionID)
	}

	if o.hooks.OnPresence != nil {
		o.hooks.OnPresence(p)
	}
}

func (o *Orchestrator) ignoreStale(err error) error {
	if errors.Is(err, domain.ErrLinkNotFound) || errors.Is(err, ErrNoPendingOffer) || errors.Is(err, ErrLinkClosed) || errors.Is(err, ErrLeft) {
		o.logger.Debugw("dropping stale negotiation message", "error", err)
		return nil
	}
	return err
}

// CreateOffer starts negotiation toward target. An existing link is reused:
// nothing is sent if it is already negotiating or connected.
func (o *Orchestrator) CreateOffer(ctx context.Context, target domain.SessionID) error {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(o.LocalID()), string(target))
	defer span.End()

	link, created, err := o.linkFor(target)
	if err != nil {
		return err
	}
	if !created && link.State() != StateAbsent {
		o.logger.Debugw("link already active, not offering", "remote_id", target, "state", link.State())
		return nil
	}

	sdp, err := link.Offer(ctx)
	if err != nil {
		o.closeLink(target)
		tracing.RecordError(ctx, err)
		return err
	}
	return o.sendTo(domain.TypeOffer, target, sdp)
}

// HandleOffer answers an offer from a remote session, resolving collisions
// with a pending local offer by session id.
func (o *Orchestrator) HandleOffer(ctx context.Context, from domain.SessionID, sdp json.RawMessage) error {
	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(o.LocalID()), string(from))
	defer span.End()

	link, created, err := o.linkFor(from)
	if err != nil {
		return err
	}

	if !created && link.HasPendingOffer() {
		if o.LocalID() < from {
			o.logger.Debugw("offer collision, keeping local offer", "remote_id", from)
			return nil
		}
		o.logger.Debugw("offer collision, answering remote offer", "remote_id", from)
		if err := link.Reset(); err != nil {
			return err
		}
	}

	answer, err := link.Answer(ctx, sdp)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return o.sendTo(domain.TypeAnswer, from, answer)
}

// HandleAnswer applies an answer to the existing link. Without a link or a
// pending offer the answer is stale.
func (o *Orchestrator) HandleAnswer(ctx context.Context, from domain.SessionID, sdp json.RawMessage) error {
	link, ok := o.link(from)
	if !ok {
		return fmt.Errorf("%w: answer from %s", domain.ErrLinkNotFound, from)
	}
	return link.AcceptAnswer(ctx, sdp)
}

// HandleIceCandidate applies a candidate to the existing link. Candidates
// that arrive before the link exists are lost.
func (o *Orchestrator) HandleIceCandidate(from domain.SessionID, candidate json.RawMessage) error {
	link, ok := o.link(from)
	if !ok {
		return fmt.Errorf("%w: candidate from %s", domain.ErrLinkNotFound, from)
	}
	if err := link.AddCandidate(candidate); err != nil {
		o.logger.Debugw("failed to add candidate", "remote_id", from, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) SendChat(text string) error {
	o.mu.Lock()
	roomID, name := o.roomID, o.displayName
	o.mu.Unlock()

	env, err := domain.NewEnvelope(domain.TypeChatMessage, roomID, domain.ChatPayload{Text: text, DisplayName: name})
	if err != nil {
		return err
	}
	return o.signaler.Send(env)
}

// EndRoom asks the server to end the current room for everyone.
func (o *Orchestrator) EndRoom() error {
	env, err := domain.NewEnvelope(domain.TypeEndRoom, o.RoomID(), nil)
	if err != nil {
		return err
	}
	return o.signaler.Send(env)
}

func (o *Orchestrator) SendAdminAction(action string, target domain.SessionID) error {
	env, err := domain.NewEnvelope(domain.TypeAdminAction, o.RoomID(), domain.AdminActionPayload{
		Action:          action,
		TargetSessionID: target,
	})
	if err != nil {
		return err
	}
	return o.signaler.Send(env)
}

// Leave closes every link, releases local media and closes the signaling
// channel. Repeated calls do nothing.
func (o *Orchestrator) Leave() {
	o.teardown()
}

func (o *Orchestrator) teardown() {
	o.mu.Lock()
	if o.left {
		o.mu.Unlock()
		return
	}
	o.left = true
	o.joined = false
	links := o.links
	o.links = make(map[domain.SessionID]*PeerLink)
	o.mu.Unlock()

	for id, link := range links {
		if link.Close() {
			o.notifyLinkState(id, StateClosed)
		}
	}

	if o.media != nil {
		if err := o.media.Release(); err != nil {
			o.logger.Warnw("failed to release local media", "error", err)
		}
	}
	if err := o.signaler.Close(); err != nil {
		o.logger.Debugw("signaling close", "error", err)
	}
	close(o.done)
}

func (o *Orchestrator) hasLeft() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.left
}

func (o *Orchestrator) markJoined(roomID domain.RoomID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = true
	if roomID != "" {
		o.roomID = roomID
	}
}

func (o *Orchestrator) link(remote domain.SessionID) (*PeerLink, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	link, ok := o.links[remote]
	return link, ok
}

// linkFor returns the link to remote, creating it if absent.
func (o *Orchestrator) linkFor(remote domain.SessionID) (*PeerLink, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.left {
		return nil, false, ErrLeft
	}
	if link, ok := o.links[remote]; ok {
		return link, false, nil
	}

	link, err := newPeerLink(remote, o.factory, linkEvents{
		candidate:  o.relayCandidate,
		track:      o.remoteTrack,
		connection: o.connectionStateChanged,
	})
	if err != nil {
		return nil, false, err
	}
	o.links[remote] = link
	return link, true, nil
}

func (o *Orchestrator) closeLink(remote domain.SessionID) {
	o.mu.Lock()
	link, ok := o.links[remote]
	if ok {
		delete(o.links, remote)
	}
	o.mu.Unlock()

	if ok && link.Close() {
		o.logger.Infow("peer link closed", "remote_id", remote)
		o.notifyLinkState(remote, StateClosed)
	}
}

func (o *Orchestrator) relayCandidate(remote domain.SessionID, candidate json.RawMessage) {
	if err := o.sendTo(domain.TypeICECandidate, remote, candidate); err != nil {
		o.logger.Debugw("failed to send candidate", "remote_id", remote, "error", err)
	}
}

func (o *Orchestrator) remoteTrack(remote domain.SessionID, track RemoteTrack) {
	o.logger.Infow("remote track", "remote_id", remote, "kind", track.Kind, "codec", track.Codec)
	if o.hooks.OnRemoteTrack != nil {
		o.hooks.OnRemoteTrack(remote, track)
	}
}

func (o *Orchestrator) connectionStateChanged(link *PeerLink, s ConnectionState) {
	remote := link.Remote()
	switch s {
	case ConnectionConnected:
		o.logger.Infow("peer connected", "remote_id", remote)
		o.notifyLinkState(remote, StateConnected)
	case ConnectionFailed, ConnectionClosed:
		o.logger.Warnw("peer connection lost", "remote_id", remote, "state", s)
		o.mu.Lock()
		if o.links[remote] == link {
			delete(o.links, remote)
		}
		o.mu.Unlock()
		if link.Close() {
			o.notifyLinkState(remote, StateClosed)
		}
	}
}

func (o *Orchestrator) notifyLinkState(remote domain.SessionID, s LinkState) {
	if o.hooks.OnLinkState != nil {
		o.hooks.OnLinkState(remote, s)
	}
}

func (o *Orchestrator) sendTo(t domain.MessageType, to domain.SessionID, payload json.RawMessage) error {
	env := &domain.Envelope{
		Type:    t,
		To:      to,
		RoomID:  o.RoomID(),
		Payload: payload,
	}
	return o.signaler.Send(env)
}
