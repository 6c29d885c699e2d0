// Package webrtc adapts pion peer connections and local capture to the
// client negotiation stack.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/client/negotiation"
	"meshcall/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const keyframeInterval = 3 * time.Second

// Connection wraps a pion PeerConnection for a single remote session.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.SessionID

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onTrack     func(negotiation.RemoteTrack)
	onState     func(negotiation.ConnectionState)
	stats       map[string]*trackCounter

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

func newConnection(pc *webrtc.PeerConnection, remote domain.SessionID, logger *zap.SugaredLogger) *Connection {
	c := &Connection{
		pc:     pc,
		remote: remote,
		stats:  make(map[string]*trackCounter),
		done:   make(chan struct{}),
		logger: logger.With("remote", remote),
	}

	pc.OnICECandidate(c.handleCandidate)
	pc.OnTrack(c.handleTrack)
	pc.OnConnectionStateChange(c.handleState)
	return c
}

func (c *Connection) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (c *Connection) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (c *Connection) SetRemoteDescription(ctx context.Context, sdp json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("%w: session description: %v", domain.ErrInvalidMessage, err)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

// AddICECandidate applies a trickled candidate. An empty or null payload marks
// the end of candidates and is ignored.
func (c *Connection) AddICECandidate(candidate json.RawMessage) error {
	if len(candidate) == 0 || string(candidate) == "null" {
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("%w: ice candidate: %v", domain.ErrInvalidMessage, err)
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *Connection) OnICECandidate(fn func(candidate json.RawMessage)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(track negotiation.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(state negotiation.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close stops every remote track reader and closes the pion connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pc.Close()
	})
	return err
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the receive counters per remote track id.
func (c *Connection) Stats() map[string]TrackStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]TrackStats, len(c.stats))
	for id, s := range c.stats {
		out[id] = s.snapshot()
	}
	return out
}

func (c *Connection) handleCandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil {
		return
	}
	data, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		c.logger.Warnw("failed to encode ice candidate", "error", err)
		return
	}

	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Connection) handleState(state webrtc.PeerConnectionState) {
	c.logger.Debugw("peer connection state changed", "state", state.String())

	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(connectionState(state))
	}
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	info := negotiation.RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind().String(),
		Codec:    track.Codec().MimeType,
	}
	c.logger.Infow("remote track started",
		"track_id", info.ID,
		"kind", info.Kind,
		"codec", info.Codec,
	)

	stats := &trackCounter{}
	c.mu.Lock()
	c.stats[info.ID] = stats
	fn := c.onTrack
	c.mu.Unlock()

	go drainRTCP(receiver)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go c.requestKeyframes(track)
	}
	go func() {
		drainTrack(track, stats)
		c.logger.Debugw("remote track ended", "track_id", info.ID)
	}()

	if fn != nil {
		fn(info)
	}
}

// requestKeyframes sends a PLI for the track until the connection closes.
func (c *Connection) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := c.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				return
			}
		}
	}
}

func connectionState(s webrtc.PeerConnectionState) negotiation.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.ConnectionClosed
	}
	return negotiation.ConnectionNew
}
