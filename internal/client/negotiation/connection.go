// Package negotiation drives one peer connection per remote session in a
// room: who offers, who answers, and when a link is torn down.
package negotiation

import (
	"context"
	"encoding/json"

	"meshcall/internal/core/domain"
)

// ConnectionState is the transport state reported by a PeerConnection.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack describes a media track received from a remote peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
}

// PeerConnection is the real-time connection owned by a PeerLink.
// Session descriptions and candidates are opaque JSON blobs.
//
// Callbacks may be invoked from any goroutine but must not be invoked
// synchronously from inside another PeerConnection method.
type PeerConnection interface {
	// CreateOffer produces an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer produces an answer to the applied remote offer and applies
	// it as the local description.
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(ctx context.Context, sdp json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	OnICECandidate(func(candidate json.RawMessage))
	OnTrack(func(track RemoteTrack))
	OnConnectionStateChange(func(state ConnectionState))

	Close() error
}

// ConnectionFactory creates the connection for a remote session, with local
// media already attached.
type ConnectionFactory interface {
	NewConnection(remote domain.SessionID) (PeerConnection, error)
}

// LocalMedia is the local capture device shared by every link.
type LocalMedia interface {
	// Release stops capture. Repeated calls are no-ops.
	Release() error
}

// Signaler is the orchestrator's only channel to other sessions.
type Signaler interface {
	Send(env *domain.Envelope) error
	Close() error
}
