package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is the wire form of a room lifecycle event on the bus.
type Message struct {
	InstanceID string `json:"instance_id"`
	ports.RoomLifecycleEvent
}

// EventBus publishes room lifecycle events over Redis pub/sub so other
// instances and operators can observe them. Publishing goes through a circuit
// breaker so an unreachable Redis does not stall every room operation.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             15 * time.Second,
		MaxRequestsHalfOpen: 1,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("room event publishing circuit changed", "from", from.String(), "to", to.String())
	})

	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		breaker:    breaker,
		logger:     logger,
	}
}

// Publish implements ports.RoomEventPublisher.
func (eb *EventBus) Publish(ctx context.Context, event ports.RoomLifecycleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(Message{InstanceID: eb.instanceID, RoomLifecycleEvent: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published room event",
		"type", event.Type,
		"room_id", event.RoomID,
		"session_id", event.SessionID,
	)
	return nil
}

// Subscribe delivers events to handler until ctx is cancelled. When
// includeSelf is false, events published by this instance are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, includeSelf bool, handler func(Message) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				eb.logger.Warnw("failed to unmarshal room event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if !includeSelf && m.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(m); err != nil {
				eb.logger.Warnw("error handling room event",
					"type", m.Type,
					"error", err,
				)
			}
		}
	}
}

// PublishState reports the publishing circuit state.
func (eb *EventBus) PublishState() circuitbreaker.State {
	return eb.breaker.State()
}

// Close stops an active subscription.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
