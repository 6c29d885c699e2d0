package webrtc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"meshcall/internal/client/negotiation"
	"meshcall/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ negotiation.PeerConnection    = (*Connection)(nil)
	_ negotiation.ConnectionFactory = (*Factory)(nil)
	_ negotiation.LocalMedia        = (*LocalMedia)(nil)
)

func TestConnectionStateMapping(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]negotiation.ConnectionState{
		webrtc.PeerConnectionStateNew:          negotiation.ConnectionNew,
		webrtc.PeerConnectionStateConnecting:   negotiation.ConnectionConnecting,
		webrtc.PeerConnectionStateConnected:    negotiation.ConnectionConnected,
		webrtc.PeerConnectionStateDisconnected: negotiation.ConnectionDisconnected,
		webrtc.PeerConnectionStateFailed:       negotiation.ConnectionFailed,
		webrtc.PeerConnectionStateClosed:       negotiation.ConnectionClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, connectionState(in), in.String())
	}
}

func TestICEServers(t *testing.T) {
	out := ICEServers([]domain.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, out[0].URLs)
	assert.Nil(t, out[0].Credential)
	assert.Equal(t, "u", out[1].Username)
	assert.Equal(t, "p", out[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, out[1].CredentialType)
}

func TestTrackCounter(t *testing.T) {
	var c trackCounter
	for _, seq := range []uint16{1, 2, 5, 4, 6} {
		c.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: []byte{1, 2}})
	}
	s := c.snapshot()
	assert.Equal(t, uint64(5), s.Packets)
	assert.Equal(t, uint64(10), s.Bytes)
	assert.Equal(t, uint64(2), s.Lost)
}

func TestTrackCounter_Wraparound(t *testing.T) {
	var c trackCounter
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		c.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	assert.Equal(t, uint64(0), c.snapshot().Lost)
}

func TestLocalMedia_ReceiveOnly(t *testing.T) {
	m := NewLocalMedia(MediaConfig{}, nil)
	assert.True(t, m.ReceiveOnly())
	assert.Nil(t, m.SourceAddr(webrtc.RTPCodecTypeAudio))
	assert.NoError(t, m.Release())
	assert.NoError(t, m.Release())
}

func TestLocalMedia_UnavailableSourceDegrades(t *testing.T) {
	m := NewLocalMedia(MediaConfig{AudioRTP: "not-an-address"}, nil)
	defer m.Release()

	assert.True(t, m.ReceiveOnly())
	_, ok := m.Track(webrtc.RTPCodecTypeAudio)
	assert.False(t, ok)
}

func TestLocalMedia_PumpsRTP(t *testing.T) {
	m := NewLocalMedia(MediaConfig{AudioRTP: "127.0.0.1:0"}, nil)
	defer m.Release()

	require.False(t, m.ReceiveOnly())
	addr := m.SourceAddr(webrtc.RTPCodecTypeAudio)
	require.NotNil(t, addr)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	send := func(seq uint16) {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 42},
			Payload: []byte{0xde, 0xad},
		}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = conn.Write(data)
		require.NoError(t, err)
	}

	_, err = conn.Write([]byte("no"))
	require.NoError(t, err)
	send(1)
	require.Eventually(t, func() bool {
		return m.Sent(webrtc.RTPCodecTypeAudio) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.SetMuted(true)
	assert.True(t, m.Muted())
	send(2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(1), m.Sent(webrtc.RTPCodecTypeAudio))

	m.SetMuted(false)
	send(3)
	require.Eventually(t, func() bool {
		return m.Sent(webrtc.RTPCodecTypeAudio) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func offerSDP(t *testing.T, pc negotiation.PeerConnection) string {
	t.Helper()
	raw, err := pc.CreateOffer(context.Background())
	require.NoError(t, err)

	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(raw, &desc))
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	return desc.SDP
}

func newTestFactory(t *testing.T, media *LocalMedia) *Factory {
	t.Helper()
	f, err := NewFactory(Config{}, media, nil)
	require.NoError(t, err)
	return f
}

func TestFactory_ReceiveOnlyOffer(t *testing.T) {
	f := newTestFactory(t, nil)

	pc, err := f.NewConnection("remote")
	require.NoError(t, err)
	defer pc.Close()

	sdp := offerSDP(t, pc)
	assert.Contains(t, sdp, "m=audio")
	assert.Contains(t, sdp, "m=video")
	assert.Contains(t, sdp, "a=recvonly")
	assert.NotContains(t, sdp, "a=sendrecv")
}

func TestFactory_OfferCarriesLocalTrack(t *testing.T) {
	m := NewLocalMedia(MediaConfig{AudioRTP: "127.0.0.1:0"}, nil)
	defer m.Release()

	f := newTestFactory(t, m)
	pc, err := f.NewConnection("remote")
	require.NoError(t, err)
	defer pc.Close()

	sdp := offerSDP(t, pc)
	assert.Contains(t, sdp, "a=sendrecv")
	assert.Contains(t, sdp, "a=recvonly")
	assert.Contains(t, sdp, "opus")
}

func TestConnection_InvalidPayloads(t *testing.T) {
	f := newTestFactory(t, nil)
	pc, err := f.NewConnection("remote")
	require.NoError(t, err)
	defer pc.Close()

	assert.NoError(t, pc.AddICECandidate(nil))
	assert.NoError(t, pc.AddICECandidate(json.RawMessage("null")))
	assert.ErrorIs(t, pc.AddICECandidate(json.RawMessage("{")), domain.ErrInvalidMessage)
	assert.ErrorIs(t, pc.SetRemoteDescription(context.Background(), json.RawMessage("[]")), domain.ErrInvalidMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pc.CreateOffer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFactory_StatsFollowNewestOpenConnection(t *testing.T) {
	f := newTestFactory(t, nil)

	_, ok := f.Stats("remote")
	assert.False(t, ok)

	first, err := f.NewConnection("remote")
	require.NoError(t, err)
	second, err := f.NewConnection("remote")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Close())
	stats, ok := f.Stats("remote")
	require.True(t, ok)
	assert.Empty(t, stats)

	require.NoError(t, second.Close())
	_, ok = f.Stats("remote")
	assert.False(t, ok)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	f := newTestFactory(t, nil)
	pc, err := f.NewConnection("remote")
	require.NoError(t, err)

	assert.NoError(t, pc.Close())
	assert.NoError(t, pc.Close())
}

// candidateQueue holds trickled candidates until the remote description is set.
type candidateQueue struct {
	mu      sync.Mutex
	target  negotiation.PeerConnection
	ready   bool
	pending []json.RawMessage
}

func (q *candidateQueue) push(c json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ready {
		q.pending = append(q.pending, c)
		return
	}
	_ = q.target.AddICECandidate(c)
}

func (q *candidateQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = true
	for _, c := range q.pending {
		_ = q.target.AddICECandidate(c)
	}
	q.pending = nil
}

func TestConnection_LoopbackConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	f := newTestFactory(t, nil)
	a, err := f.NewConnection("b")
	require.NoError(t, err)
	defer a.Close()
	b, err := f.NewConnection("a")
	require.NoError(t, err)
	defer b.Close()

	toB := &candidateQueue{target: b}
	toA := &candidateQueue{target: a}
	a.OnICECandidate(toB.push)
	b.OnICECandidate(toA.push)

	var mu sync.Mutex
	states := map[string]negotiation.ConnectionState{}
	watch := func(name string) func(negotiation.ConnectionState) {
		return func(s negotiation.ConnectionState) {
			mu.Lock()
			states[name] = s
			mu.Unlock()
		}
	}
	a.OnConnectionStateChange(watch("a"))
	b.OnConnectionStateChange(watch("b"))

	ctx := context.Background()
	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SetRemoteDescription(ctx, offer))
	toB.flush()

	answer, err := b.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SetRemoteDescription(ctx, answer))
	toA.flush()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return states["a"] == negotiation.ConnectionConnected && states["b"] == negotiation.ConnectionConnected
	}, 15*time.Second, 50*time.Millisecond)
}
