package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meshcall/internal/client/negotiation"
	"meshcall/internal/core/domain"
	"meshcall/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ negotiation.Signaler = (*Client)(nil)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retry = retry.Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return opts
}

// echoServer sends a welcome and then echoes every frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(domain.MustEnvelope(domain.TypeWelcome, "", domain.WelcomePayload{SessionID: "s-1"}))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func receive(t *testing.T, c *Client) *domain.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Messages():
		require.True(t, ok, "messages channel closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	srv := echoServer(t)

	c, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	welcome := receive(t, c)
	assert.Equal(t, domain.TypeWelcome, welcome.Type)

	chat := domain.MustEnvelope(domain.TypeChatMessage, "room-1", domain.ChatPayload{Text: "hi"})
	require.NoError(t, c.Send(chat))

	echoed := receive(t, c)
	assert.Equal(t, domain.TypeChatMessage, echoed.Type)
	assert.Equal(t, domain.RoomID("room-1"), echoed.RoomID)

	var p domain.ChatPayload
	require.NoError(t, echoed.DecodePayload(&p))
	assert.Equal(t, "hi", p.Text)
}

func TestClient_SendNilEnvelope(t *testing.T) {
	srv := echoServer(t)

	c, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.Send(nil), domain.ErrInvalidMessage)
}

func TestDial_RetriesUnavailable(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDial_ForbiddenIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestDial_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 4 attempts")
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)

	c, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(domain.MustEnvelope(domain.TypeEndRoom, "r", nil)), ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}

	// Drain anything buffered before close; the channel must end.
	for range c.Messages() {
	}
}

func TestClient_ServerCloseEndsServe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(domain.MustEnvelope(domain.TypeRoomCreated, "room-1", nil))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		conn.Close()
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	var handled []domain.MessageType
	err = c.Serve(context.Background(), func(_ context.Context, env *domain.Envelope) error {
		handled = append(handled, env.Type)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []domain.MessageType{domain.TypeRoomCreated}, handled)
}

func TestClient_ServeStopsOnContext(t *testing.T) {
	srv := echoServer(t)

	c, err := Dial(context.Background(), wsURL(srv), testOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.Serve(ctx, func(context.Context, *domain.Envelope) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
