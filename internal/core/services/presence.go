package services

import (
	"context"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

// PresenceHandler ties a transport session's lifetime to relay registration
// and room membership.
type PresenceHandler struct {
	relay    *Relay
	registry ports.RoomRegistry
	metrics  ports.SignalingMetrics
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	connectedAt map[domain.SessionID]time.Time
}

func NewPresenceHandler(relay *Relay, registry ports.RoomRegistry, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) *PresenceHandler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PresenceHandler{
		relay:       relay,
		registry:    registry,
		metrics:     metrics,
		logger:      logger,
		connectedAt: make(map[domain.SessionID]time.Time),
	}
}

// Connect makes the session addressable by the relay.
func (p *PresenceHandler) Connect(id domain.SessionID, sink ports.SessionSink) {
	p.relay.Register(id, sink)

	p.mu.Lock()
	p.connectedAt[id] = time.Now()
	p.mu.Unlock()

	p.metrics.SessionConnected()
	p.logger.Infow("session connected", "session_id", id)
}

// Disconnect unregisters the session and removes it from its rooms. Only the
// first call for a session does anything; it reports whether this call did.
func (p *PresenceHandler) Disconnect(ctx context.Context, id domain.SessionID) bool {
	if !p.relay.Unregister(id) {
		return false
	}

	if err := p.registry.RemoveSession(ctx, id); err != nil {
		p.logger.Errorw("failed to remove session from rooms", "session_id", id, "error", err)
	}

	p.mu.Lock()
	started, ok := p.connectedAt[id]
	delete(p.connectedAt, id)
	p.mu.Unlock()

	var duration time.Duration
	if ok {
		duration = time.Since(started)
	}
	p.metrics.SessionDisconnected(duration)
	p.logger.Infow("session disconnected", "session_id", id, "duration", utils.FormatDuration(duration))
	return true
}
