package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func existingMembers(ids ...domain.SessionID) *domain.Envelope {
	members := make([]domain.MemberInfo, 0, len(ids))
	for _, id := range ids {
		members = append(members, domain.MemberInfo{SessionID: id, DisplayName: string(id)})
	}
	return domain.MustEnvelope(domain.TypeExistingMembers, "r1", domain.ExistingMembersPayload{Members: members})
}

func presence(kind domain.PresenceKind, id domain.SessionID) *domain.Envelope {
	return domain.MustEnvelope(domain.TypePresence, "r1", domain.PresencePayload{Kind: kind, SessionID: id, DisplayName: string(id)})
}

func assertSingleExchange(t *testing.T, offerer, answerer *node, offererID, answererID domain.SessionID) {
	t.Helper()

	require.Equal(t, []domain.SessionID{answererID}, offerer.orch.Peers())
	require.Equal(t, []domain.SessionID{offererID}, answerer.orch.Peers())

	oc := offerer.factory.last(answererID)
	ac := answerer.factory.last(offererID)
	assert.Equal(t, "offer", oc.localType())
	assert.Equal(t, "answer", oc.remoteType())
	assert.Equal(t, "answer", ac.localType())
	assert.Equal(t, "offer", ac.remoteType())
	assert.False(t, oc.isClosed())
	assert.False(t, ac.isClosed())
}

func TestOrchestrator_JoinWithoutCollision(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	host := net.join("host")
	guest := net.join("guest")

	// The guest offers to the host before the host hears about the guest.
	require.NoError(t, guest.orch.Handle(ctx, existingMembers("host")))
	require.NoError(t, net.pump())

	// The host now learns about the guest but already has a link.
	require.NoError(t, host.orch.Handle(ctx, presence(domain.PresenceJoined, "guest")))
	require.NoError(t, net.pump())

	assert.Equal(t, 1, net.count(domain.TypeOffer))
	assert.Equal(t, 1, net.count(domain.TypeAnswer))
	assertSingleExchange(t, guest, host, "guest", "host")
	assert.True(t, guest.orch.Joined())
}

func TestOrchestrator_GlareResolvedBySessionID(t *testing.T) {
	tests := []struct {
		name       string
		incumbent  domain.SessionID
		newcomer   domain.SessionID
		wantOffer  domain.SessionID
		wantAnswer domain.SessionID
	}{
		{name: "incumbent smaller", incumbent: "aaa", newcomer: "zzz", wantOffer: "aaa", wantAnswer: "zzz"},
		{name: "newcomer smaller", incumbent: "zzz", newcomer: "aaa", wantOffer: "aaa", wantAnswer: "zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			net := newNetwork()
			nodes := map[domain.SessionID]*node{
				tt.incumbent: net.join(tt.incumbent),
				tt.newcomer:  net.join(tt.newcomer),
			}

			// Both sides initiate before either offer is delivered.
			require.NoError(t, nodes[tt.newcomer].orch.Handle(ctx, existingMembers(tt.incumbent)))
			require.NoError(t, nodes[tt.incumbent].orch.Handle(ctx, presence(domain.PresenceJoined, tt.newcomer)))
			require.NoError(t, net.pump())

			assert.Equal(t, 2, net.count(domain.TypeOffer))
			assert.Equal(t, 1, net.count(domain.TypeAnswer))
			assertSingleExchange(t, nodes[tt.wantOffer], nodes[tt.wantAnswer], tt.wantOffer, tt.wantAnswer)

			// The answering side dropped its first connection.
			discarded := nodes[tt.wantAnswer].factory.all(tt.wantOffer)
			require.Len(t, discarded, 2)
			assert.True(t, discarded[0].isClosed())
		})
	}
}

func TestOrchestrator_ThreeWayMeshHasOneLinkPerPair(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.join("a")
	b := net.join("b")
	c := net.join("c")

	// b joins a's room.
	require.NoError(t, b.orch.Handle(ctx, existingMembers("a")))
	require.NoError(t, a.orch.Handle(ctx, presence(domain.PresenceJoined, "b")))
	require.NoError(t, net.pump())

	// c joins; a and b both learn about it while c offers to both.
	require.NoError(t, c.orch.Handle(ctx, existingMembers("a", "b")))
	require.NoError(t, a.orch.Handle(ctx, presence(domain.PresenceJoined, "c")))
	require.NoError(t, b.orch.Handle(ctx, presence(domain.PresenceJoined, "c")))
	require.NoError(t, net.pump())

	assert.Equal(t, []domain.SessionID{"b", "c"}, a.orch.Peers())
	assert.Equal(t, []domain.SessionID{"a", "c"}, b.orch.Peers())
	assert.Equal(t, []domain.SessionID{"a", "b"}, c.orch.Peers())
	assert.Equal(t, 3, net.count(domain.TypeAnswer))
}

func newSolo(t *testing.T, local domain.SessionID) (*Orchestrator, *fakeFactory, *fakeSignaler, *fakeMedia) {
	t.Helper()
	factory := newFakeFactory(local)
	signaler := &fakeSignaler{}
	media := &fakeMedia{}
	o := NewOrchestrator(signaler, factory, media, Hooks{}, nil)
	require.NoError(t, o.Handle(context.Background(), domain.MustEnvelope(domain.TypeWelcome, "", domain.WelcomePayload{SessionID: local})))
	return o, factory, signaler, media
}

func TestOrchestrator_JoinSendsRoomRequest(t *testing.T) {
	o, _, signaler, _ := newSolo(t, "me")

	require.NoError(t, o.Join(context.Background(), "r1", "Me", true))
	require.NoError(t, o.Join(context.Background(), "r2", "Me", false))

	created := signaler.ofType(domain.TypeCreateRoom)
	require.Len(t, created, 1)
	assert.Equal(t, domain.RoomID("r1"), created[0].RoomID)

	joined := signaler.ofType(domain.TypeJoinRoom)
	require.Len(t, joined, 1)
	var p domain.RoomRequestPayload
	require.NoError(t, joined[0].DecodePayload(&p))
	assert.Equal(t, "Me", p.DisplayName)
	assert.Equal(t, domain.RoomID("r2"), o.RoomID())
}

func TestOrchestrator_StaleMessagesAreDropped(t *testing.T) {
	ctx := context.Background()
	o, _, _, _ := newSolo(t, "me")

	answer := &domain.Envelope{Type: domain.TypeAnswer, From: "ghost", Payload: json.RawMessage(`{"type":"answer","sdp":"x"}`)}
	assert.NoError(t, o.Handle(ctx, answer))
	assert.ErrorIs(t, o.HandleAnswer(ctx, "ghost", answer.Payload), domain.ErrLinkNotFound)

	candidate := &domain.Envelope{Type: domain.TypeICECandidate, From: "ghost", Payload: json.RawMessage(`{"candidate":"c"}`)}
	assert.NoError(t, o.Handle(ctx, candidate))
	assert.ErrorIs(t, o.HandleIceCandidate("ghost", candidate.Payload), domain.ErrLinkNotFound)

	assert.Empty(t, o.Peers())
}

func TestOrchestrator_AnswerWithoutPendingOfferIsStale(t *testing.T) {
	ctx := context.Background()
	o, _, _, _ := newSolo(t, "me")

	require.NoError(t, o.HandleOffer(ctx, "peer", json.RawMessage(`{"type":"offer","sdp":"o"}`)))
	err := o.Handle(ctx, &domain.Envelope{Type: domain.TypeAnswer, From: "peer", Payload: json.RawMessage(`{"type":"answer","sdp":"a"}`)})
	assert.NoError(t, err)
	assert.Equal(t, StateNegotiating, o.LinkState("peer"))
}

func TestOrchestrator_CandidatesAppliedToExistingLink(t *testing.T) {
	ctx := context.Background()
	o, factory, _, _ := newSolo(t, "me")

	require.NoError(t, o.HandleOffer(ctx, "peer", json.RawMessage(`{"type":"offer","sdp":"o"}`)))
	require.NoError(t, o.Handle(ctx, &domain.Envelope{Type: domain.TypeICECandidate, From: "peer", Payload: json.RawMessage(`{"candidate":"c1"}`)}))

	conn := factory.last("peer")
	require.Len(t, conn.candidates, 1)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(conn.candidates[0]))
}

func TestOrchestrator_CreateOfferReusesLink(t *testing.T) {
	ctx := context.Background()
	o, factory, signaler, _ := newSolo(t, "me")

	require.NoError(t, o.CreateOffer(ctx, "peer"))
	require.NoError(t, o.CreateOffer(ctx, "peer"))

	assert.Len(t, signaler.ofType(domain.TypeOffer), 1)
	assert.Len(t, factory.all("peer"), 1)
	assert.Equal(t, StateNegotiating, o.LinkState("peer"))

	offer := signaler.ofType(domain.TypeOffer)[0]
	assert.Equal(t, domain.SessionID("peer"), offer.To)
	assert.Equal(t, "offer", descType(offer.Payload))
}

func TestOrchestrator_FactoryErrorLeavesNoLink(t *testing.T) {
	o, factory, signaler, _ := newSolo(t, "me")
	factory.err = errors.New("no codecs")

	assert.Error(t, o.CreateOffer(context.Background(), "peer"))
	assert.Equal(t, StateAbsent, o.LinkState("peer"))
	assert.Empty(t, signaler.ofType(domain.TypeOffer))
}

func TestOrchestrator_PresenceLeftClosesOnlyThatLink(t *testing.T) {
	ctx := context.Background()
	o, factory, _, _ := newSolo(t, "me")

	var seen []domain.Presence
	o.hooks.OnPresence = func(p domain.Presence) { seen = append(seen, p) }

	require.NoError(t, o.Handle(ctx, existingMembers("p1", "p2")))
	require.NoError(t, o.Handle(ctx, presence(domain.PresenceLeft, "p1")))

	assert.Equal(t, StateAbsent, o.LinkState("p1"))
	assert.True(t, factory.last("p1").isClosed())
	assert.Equal(t, StateNegotiating, o.LinkState("p2"))
	assert.False(t, factory.last("p2").isClosed())
	require.Len(t, seen, 1)
	assert.Equal(t, domain.PresenceLeft, seen[0].Kind)
}

func TestOrchestrator_OwnPresenceIgnored(t *testing.T) {
	ctx := context.Background()
	o, _, signaler, _ := newSolo(t, "me")

	require.NoError(t, o.Handle(ctx, presence(domain.PresenceJoined, "me")))
	assert.Empty(t, signaler.ofType(domain.TypeOffer))
}

func TestOrchestrator_ConnectionStates(t *testing.T) {
	ctx := context.Background()
	o, factory, _, _ := newSolo(t, "me")

	var states []LinkState
	o.hooks.OnLinkState = func(_ domain.SessionID, s LinkState) { states = append(states, s) }

	require.NoError(t, o.CreateOffer(ctx, "peer"))
	conn := factory.last("peer")

	conn.onState(ConnectionConnected)
	assert.Equal(t, StateConnected, o.LinkState("peer"))

	conn.onState(ConnectionFailed)
	assert.Equal(t, StateAbsent, o.LinkState("peer"))
	assert.True(t, conn.isClosed())
	assert.Equal(t, []LinkState{StateConnected, StateClosed}, states)

	// Late events from the dead connection are ignored.
	conn.onState(ConnectionConnected)
	assert.Equal(t, []LinkState{StateConnected, StateClosed}, states)
}

func TestOrchestrator_LocalCandidatesRelayedFromCurrentConnectionOnly(t *testing.T) {
	ctx := context.Background()
	o, factory, signaler, _ := newSolo(t, "zzz")

	require.NoError(t, o.CreateOffer(ctx, "aaa"))
	first := factory.last("aaa")
	first.onCandidate(json.RawMessage(`{"candidate":"first"}`))

	// Losing the collision replaces the connection.
	require.NoError(t, o.HandleOffer(ctx, "aaa", json.RawMessage(`{"type":"offer","sdp":"x"}`)))
	first.onCandidate(json.RawMessage(`{"candidate":"stale"}`))
	factory.last("aaa").onCandidate(json.RawMessage(`{"candidate":"second"}`))

	candidates := signaler.ofType(domain.TypeICECandidate)
	require.Len(t, candidates, 2)
	assert.JSONEq(t, `{"candidate":"first"}`, string(candidates[0].Payload))
	assert.JSONEq(t, `{"candidate":"second"}`, string(candidates[1].Payload))
	assert.Equal(t, domain.SessionID("aaa"), candidates[1].To)
}

func TestOrchestrator_RemoteTrackHook(t *testing.T) {
	ctx := context.Background()
	o, factory, _, _ := newSolo(t, "me")

	var got []RemoteTrack
	o.hooks.OnRemoteTrack = func(remote domain.SessionID, track RemoteTrack) {
		assert.Equal(t, domain.SessionID("peer"), remote)
		got = append(got, track)
	}

	require.NoError(t, o.CreateOffer(ctx, "peer"))
	factory.last("peer").onTrack(RemoteTrack{ID: "v", Kind: "video"})
	require.Len(t, got, 1)
	assert.Equal(t, "video", got[0].Kind)
}

func TestOrchestrator_RoomEndedTearsEverythingDown(t *testing.T) {
	ctx := context.Background()
	o, factory, signaler, media := newSolo(t, "me")

	var ended []domain.RoomID
	o.hooks.OnRoomEnded = func(id domain.RoomID) { ended = append(ended, id) }

	require.NoError(t, o.Handle(ctx, existingMembers("p1", "p2")))
	require.True(t, o.Joined())

	roomEnded := domain.MustEnvelope(domain.TypeRoomEnded, "r1", domain.RoomEventPayload{Kind: domain.RoomEventEnded, RoomID: "r1"})
	require.NoError(t, o.Handle(ctx, roomEnded))

	assert.Empty(t, o.Peers())
	assert.True(t, factory.last("p1").isClosed())
	assert.True(t, factory.last("p2").isClosed())
	assert.Equal(t, 1, media.releases)
	assert.Equal(t, 1, signaler.closed)
	assert.False(t, o.Joined())
	assert.Equal(t, []domain.RoomID{"r1"}, ended)

	select {
	case <-o.Done():
	default:
		t.Fatal("done not closed")
	}

	// Leaving afterwards and further messages are no-ops.
	o.Leave()
	require.NoError(t, o.Handle(ctx, presence(domain.PresenceJoined, "p3")))
	assert.Equal(t, 1, media.releases)
	assert.Equal(t, 1, signaler.closed)
	assert.Empty(t, o.Peers())
	assert.ErrorIs(t, o.Join(ctx, "r1", "me", false), ErrLeft)
}

func TestOrchestrator_IgnoresEndOfAnotherRoom(t *testing.T) {
	ctx := context.Background()
	o, factory, signaler, media := newSolo(t, "me")

	var ended []domain.RoomID
	o.hooks.OnRoomEnded = func(id domain.RoomID) { ended = append(ended, id) }

	require.NoError(t, o.Handle(ctx, existingMembers("p1")))
	require.Equal(t, domain.RoomID("r1"), o.RoomID())

	other := domain.MustEnvelope(domain.TypeRoomEnded, "r2", domain.RoomEventPayload{Kind: domain.RoomEventEnded, RoomID: "r2"})
	require.NoError(t, o.Handle(ctx, other))

	assert.True(t, o.Joined())
	assert.Equal(t, []domain.SessionID{"p1"}, o.Peers())
	assert.False(t, factory.last("p1").isClosed())
	assert.Zero(t, media.releases)
	assert.Zero(t, signaler.closed)
	assert.Empty(t, ended)
	select {
	case <-o.Done():
		t.Fatal("done closed by another room's end")
	default:
	}
}

func TestOrchestrator_LeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o, factory, signaler, media := newSolo(t, "me")

	require.NoError(t, o.CreateOffer(ctx, "peer"))
	o.Leave()
	o.Leave()

	assert.True(t, factory.last("peer").isClosed())
	assert.Equal(t, 1, media.releases)
	assert.Equal(t, 1, signaler.closed)
}

func TestOrchestrator_LeaveWithoutMedia(t *testing.T) {
	signaler := &fakeSignaler{}
	o := NewOrchestrator(signaler, newFakeFactory("me"), nil, Hooks{}, nil)
	assert.NotPanics(t, o.Leave)
	assert.Equal(t, 1, signaler.closed)
}

func TestOrchestrator_ChatAndAdminHooks(t *testing.T) {
	ctx := context.Background()
	o, _, signaler, _ := newSolo(t, "me")

	var chats []domain.ChatMessage
	var actions []domain.AdminAction
	var errs []string
	o.hooks.OnChat = func(m domain.ChatMessage) { chats = append(chats, m) }
	o.hooks.OnAdminAction = func(a domain.AdminAction) { actions = append(actions, a) }
	o.hooks.OnError = func(msg string) { errs = append(errs, msg) }

	chat := domain.MustEnvelope(domain.TypeChatMessage, "r1", domain.ChatPayload{Text: "hi", DisplayName: "Peer"})
	chat.From = "peer"
	require.NoError(t, o.Handle(ctx, chat))

	admin := domain.MustEnvelope(domain.TypeAdminAction, "r1", domain.AdminActionPayload{Action: "mute", TargetSessionID: "me"})
	require.NoError(t, o.Handle(ctx, admin))

	require.NoError(t, o.Handle(ctx, domain.MustEnvelope(domain.TypeError, "", domain.ErrorPayload{Message: "room not found"})))

	require.Len(t, chats, 1)
	assert.Equal(t, "hi", chats[0].Text)
	assert.Equal(t, domain.SessionID("peer"), chats[0].From)
	require.Len(t, actions, 1)
	assert.Equal(t, "mute", actions[0].Action)
	assert.Equal(t, []string{"room not found"}, errs)

	require.NoError(t, o.Join(ctx, "r1", "Me", false))
	require.NoError(t, o.SendChat("hello"))
	require.NoError(t, o.SendAdminAction("mute", "peer"))
	require.NoError(t, o.EndRoom())

	sent := signaler.ofType(domain.TypeChatMessage)
	require.Len(t, sent, 1)
	var p domain.ChatPayload
	require.NoError(t, sent[0].DecodePayload(&p))
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "Me", p.DisplayName)
	assert.Len(t, signaler.ofType(domain.TypeAdminAction), 1)
	assert.Len(t, signaler.ofType(domain.TypeEndRoom), 1)
}

func TestOrchestrator_UnknownMessageType(t *testing.T) {
	o, _, _, _ := newSolo(t, "me")
	assert.ErrorIs(t, o.Handle(context.Background(), &domain.Envelope{Type: "bogus"}), domain.ErrInvalidMessage)
}
