package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

// Relay routes envelopes between connected sessions. It never queues: an
// envelope addressed to a session that is not registered is dropped.
type Relay struct {
	sinks map[domain.SessionID]ports.SessionSink
	mu    sync.RWMutex

	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger
}

func NewRelay(metrics ports.SignalingMetrics, logger *zap.SugaredLogger) *Relay {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Relay{
		sinks:   make(map[domain.SessionID]ports.SessionSink),
		metrics: metrics,
		logger:  logger,
	}
}

// Register makes a session reachable. A second registration replaces the sink.
func (r *Relay) Register(id domain.SessionID, sink ports.SessionSink) {
	r.mu.Lock()
	r.sinks[id] = sink
	r.mu.Unlock()
}

// Unregister removes the session and reports whether it was registered.
// After it returns every lookup for the session fails.
func (r *Relay) Unregister(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sinks[id]; !ok {
		return false
	}
	delete(r.sinks, id)
	return true
}

func (r *Relay) IsConnected(id domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sinks[id]
	return ok
}

func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sinks)
}

// Send delivers env to a single session and reports whether it was handed off.
// Delivery happens under the read lock, so once Unregister returns no send can
// reach the session. Sinks must not block in Deliver.
func (r *Relay) Send(ctx context.Context, to domain.SessionID, env *domain.Envelope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.sinks[to]
	if !ok {
		r.metrics.MessageDropped(env.Type, "absent")
		r.logger.Debugw("dropping message for absent session", "to", to, "type", env.Type)
		return false
	}

	if err := sink.Deliver(env); err != nil {
		reason := "closed"
		if errors.Is(err, domain.ErrSendBufferFull) {
			reason = "buffer_full"
		}
		r.metrics.MessageDropped(env.Type, reason)
		r.logger.Debugw("dropping message", "to", to, "type", env.Type, "error", err)
		return false
	}

	r.metrics.MessageRelayed(env.Type)
	return true
}

// Broadcast sends env to every listed session and returns the delivered count.
func (r *Relay) Broadcast(ctx context.Context, to []domain.SessionID, env *domain.Envelope) int {
	delivered := 0
	for _, id := range to {
		if r.Send(ctx, id, env) {
			delivered++
		}
	}
	return delivered
}

// Forward relays a point-to-point negotiation envelope from one session to the
// session named in env.To. The payload is passed through untouched.
func (r *Relay) Forward(ctx context.Context, from domain.SessionID, env *domain.Envelope) (bool, error) {
	if !env.IsNegotiation() {
		return false, fmt.Errorf("%w: %s is not relayable", domain.ErrInvalidMessage, env.Type)
	}
	if env.To == "" {
		return false, fmt.Errorf("%w: %s requires a target session", domain.ErrInvalidMessage, env.Type)
	}

	out := &domain.Envelope{
		Type:    env.Type,
		From:    from,
		To:      env.To,
		RoomID:  env.RoomID,
		Payload: env.Payload,
	}
	return r.Send(ctx, env.To, out), nil
}

// NopMetrics discards all signaling metrics.
type NopMetrics struct{}

func (NopMetrics) SessionConnected()                         {}
func (NopMetrics) SessionDisconnected(time.Duration)         {}
func (NopMetrics) RoomOpened()                               {}
func (NopMetrics) RoomClosed()                               {}
func (NopMetrics) RoomOperation(string)                      {}
func (NopMetrics) MessageRelayed(domain.MessageType)         {}
func (NopMetrics) MessageDropped(domain.MessageType, string) {}
