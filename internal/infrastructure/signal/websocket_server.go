package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	"meshcall/pkg/config"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tune the transport. Zero values fall back to DefaultOptions.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64

	// MessagesPerSecond limits inbound messages per session; zero disables it.
	MessagesPerSecond float64
	Burst             int
	// MaxConcurrent caps simultaneous sessions; zero means unlimited.
	MaxConcurrent int

	AllowedOrigins []string
	ICEServers     []domain.ICEServer
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// OptionsFromConfig maps the signal, webrtc and rate limiting sections.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.PingInterval = cfg.Signal.PingInterval
	opts.PongTimeout = cfg.Signal.PongTimeout
	opts.WriteTimeout = cfg.Signal.WriteTimeout
	opts.SendBufferSize = cfg.Signal.SendBufferSize
	opts.AllowedOrigins = cfg.Server.AllowedOrigins

	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		opts.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
		opts.MaxConcurrent = cfg.RateLimiting.WebSocket.MaxConcurrent
	}

	for _, s := range cfg.WebRTC.ICEServers {
		opts.ICEServers = append(opts.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return opts
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = d.PongTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = d.SendBufferSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.AllowedOrigins == nil {
		o.AllowedOrigins = d.AllowedOrigins
	}
	return o
}

type WebSocketServer struct {
	relay    *services.Relay
	presence *services.PresenceHandler
	registry ports.RoomRegistry

	opts     Options
	upgrader websocket.Upgrader
	slots    chan struct{}

	sessions map[domain.SessionID]*session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	relay *services.Relay,
	presence *services.PresenceHandler,
	registry ports.RoomRegistry,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	opts = opts.withDefaults()

	s := &WebSocketServer{
		relay:    relay,
		presence: presence,
		registry: registry,
		opts:     opts,
		sessions: make(map[domain.SessionID]*session),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if opts.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warnw("rejecting websocket origin", "origin", origin)
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many concurrent sessions", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		burst := s.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
	}

	sess := newSession(domain.SessionID(uuid.NewString()), conn, s.opts.SendBufferSize, limiter)

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.presence.Connect(sess.id, sess)
	_ = sess.Deliver(domain.MustEnvelope(domain.TypeWelcome, "", domain.WelcomePayload{
		SessionID:  sess.id,
		ICEServers: s.opts.ICEServers,
	}))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(sess)
	}()

	s.readPump(sess)

	// Unregister before tearing the socket down so nothing is routed to a
	// session that is going away.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	s.presence.Disconnect(ctx, sess.id)
	cancel()

	sess.close()
	<-writerDone
	conn.Close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.logger.Infow("signaling session closed",
		"session_id", sess.id,
		"remote_addr", sess.remoteAddr,
		"duration", utils.FormatDuration(time.Since(sess.connectedAt)),
	)
}

func (s *WebSocketServer) readPump(sess *session) {
	conn := sess.conn
	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from session", "session_id", sess.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(sess, "", fmt.Errorf("%w: malformed envelope", domain.ErrInvalidMessage))
			continue
		}

		if !sess.allow() {
			s.relay.Send(context.Background(), sess.id, errorEnvelope(env.RoomID, "rate limit exceeded"))
			continue
		}

		if err := s.handleMessage(context.Background(), sess, &env); err != nil {
			s.sendError(sess, env.RoomID, err)
		}
	}
}

func (s *WebSocketServer) writePump(sess *session) {
	conn := sess.conn
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Infow("error writing to session", "session_id", sess.id, "error", err)
				s.abort(sess)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "session_id", sess.id, "error", err)
				s.abort(sess)
				return
			}

		case <-sess.done:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			// Bound how long the reader waits for the peer's close reply.
			conn.SetReadDeadline(deadline)
			return
		}
	}
}

// abort stops a session whose socket failed on the write side.
func (s *WebSocketServer) abort(sess *session) {
	sess.close()
	sess.conn.SetReadDeadline(time.Now())
}

func (s *WebSocketServer) handleMessage(ctx context.Context, sess *session, env *domain.Envelope) error {
	ctx, span := tracing.TraceSignalMessage(ctx, string(env.Type), string(sess.id))
	defer span.End()

	err := s.dispatch(ctx, sess, env)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) dispatch(ctx context.Context, sess *session, env *domain.Envelope) error {
	switch env.Type {
	case domain.TypeCreateRoom:
		name, err := roomRequest(env)
		if err != nil {
			return err
		}
		return s.registry.CreateRoom(ctx, env.RoomID, sess.id, name)

	case domain.TypeJoinRoom:
		name, err := roomRequest(env)
		if err != nil {
			return err
		}
		_, err = s.registry.JoinRoom(ctx, env.RoomID, sess.id, name)
		return err

	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICECandidate:
		delivered, err := s.relay.Forward(ctx, sess.id, env)
		if err != nil {
			return err
		}
		s.logger.Debugw("routing negotiation message",
			"type", env.Type,
			"from", sess.id,
			"to", env.To,
			"delivered", delivered,
			"payload_bytes", len(env.Payload),
		)
		return nil

	case domain.TypeChatMessage:
		var p domain.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		text := utils.SanitizeString(p.Text)
		if err := validation.ValidateChatText(text); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
		}
		name := utils.TruncateString(utils.SanitizeString(p.DisplayName), validation.MaxDisplayNameLength)
		err := s.registry.Chat(ctx, env.RoomID, sess.id, name, text)
		if errors.Is(err, domain.ErrRoomNotFound) {
			s.logger.Debugw("dropping chat for unknown room", "session_id", sess.id, "room_id", env.RoomID)
			return nil
		}
		return err

	case domain.TypeEndRoom:
		return s.registry.EndRoom(ctx, env.RoomID, sess.id)

	case domain.TypeAdminAction:
		var p domain.AdminActionPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.Action == "" {
			return fmt.Errorf("%w: admin action is required", domain.ErrInvalidMessage)
		}
		return s.registry.AdminAction(ctx, env.RoomID, sess.id, p.Action, p.TargetSessionID)
	}

	return fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidMessage, env.Type)
}

// roomRequest validates the room id and returns the cleaned display name.
func roomRequest(env *domain.Envelope) (string, error) {
	if err := validation.ValidateRoomID(string(env.RoomID)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	var p domain.RoomRequestPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&p); err != nil {
			return "", err
		}
	}
	name := utils.SanitizeString(p.DisplayName)
	if err := validation.ValidateDisplayName(name); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	return name, nil
}

// sendError answers the offending session only.
func (s *WebSocketServer) sendError(sess *session, roomID domain.RoomID, err error) {
	var message string
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		message = err.Error()
	case errors.Is(err, domain.ErrRoomNotFound):
		message = "room not found"
	case errors.Is(err, domain.ErrForbidden):
		message = "operation not permitted"
	default:
		s.logger.Errorw("error handling message from session", "session_id", sess.id, "room_id", roomID, "error", err)
		message = "internal error"
	}

	s.logger.Debugw("replying with error", "session_id", sess.id, "error", err)
	s.relay.Send(context.Background(), sess.id, errorEnvelope(roomID, message))
}

func errorEnvelope(roomID domain.RoomID, message string) *domain.Envelope {
	return domain.MustEnvelope(domain.TypeError, roomID, domain.ErrorPayload{Message: message})
}

func (s *WebSocketServer) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Shutdown closes every session and waits for their handlers to finish.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
