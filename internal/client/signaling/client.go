package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by Send once the client is closed.
var ErrClosed = errors.New("signaling client closed")

type Options struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBufferSize   int
	Retry            retry.Config
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBufferSize:   64,
		Retry:            retry.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
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
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	return o
}

// Client is the participant side of the signaling channel. Inbound envelopes
// arrive on Messages in server order; Send is safe for concurrent use.
type Client struct {
	conn *websocket.Conn
	opts Options

	send     chan *domain.Envelope
	messages chan *domain.Envelope
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	logger *zap.SugaredLogger
}

// Dial connects to the signaling endpoint, retrying transient failures.
// A handshake rejected with a 4xx status other than 429 is not retried.
func Dial(ctx context.Context, url string, opts Options, logger *zap.SugaredLogger) (*Client, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	conn, err := retry.DoWithResult(ctx, opts.Retry, func(attempt int) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			err = fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, retry.Permanent(err)
			}
		}
		logger.Warnw("signaling dial failed", "url", url, "attempt", attempt, "error", err)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		send:     make(chan *domain.Envelope, opts.SendBufferSize),
		messages: make(chan *domain.Envelope, opts.SendBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	logger.Infow("signaling connected", "url", url)
	return c, nil
}

// Messages yields inbound envelopes. It is closed when the connection ends.
func (c *Client) Messages() <-chan *domain.Envelope {
	return c.messages
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send queues env for the writer. It blocks while the buffer is full.
func (c *Client) Send(env *domain.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", domain.ErrInvalidMessage)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close shuts the connection down and waits for both pumps. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

// Serve feeds every inbound envelope to handle until the connection ends or
// ctx is done. Handler errors are logged and do not stop the loop.
func (c *Client) Serve(ctx context.Context, handle func(context.Context, *domain.Envelope) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-c.messages:
			if !ok {
				return c.Err()
			}
			if err := handle(ctx, env); err != nil {
				c.logger.Debugw("envelope handling failed", "type", env.Type, "error", err)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer close(c.messages)

	conn := c.conn
	conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("signaling connection lost", "error", err)
				c.shutdown(err)
			} else {
				c.shutdown(nil)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("discarding malformed envelope", "error", err)
			continue
		}

		select {
		case c.messages <- &env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()

	conn := c.conn
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				c.logger.Infow("signaling write failed", "type", env.Type, "error", err)
				c.shutdown(err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				conn.Close()
				return
			}

		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
			return
		}
	}
}

// flush writes whatever was queued before Close so a final end_room or chat
// is not lost.
func (c *Client) flush() {
	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}
