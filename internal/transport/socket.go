package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	DefaultOpenTimeout = 2500 * time.Millisecond

	socketPath     = "/ws/transcription"
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

type SocketConfig struct {
	BaseURL     string
	Tokens      TokenSource
	OpenTimeout time.Duration
	Relay       Publisher
	// OnDegraded fires once if an open connection fails.
	OnDegraded func(error)
	Log        *slog.Logger
}

// SocketChannel streams raw chunk payloads over one websocket and relays
// transcript frames coming back on it.
type SocketChannel struct {
	cfg    SocketConfig
	dialer websocket.Dialer
	log    *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	meta     SessionMeta
	attempts int

	writeMu   sync.Mutex
	readDone  chan struct{}
	degraded  sync.Once
	closeOnce sync.Once
}

func NewSocketChannel(cfg SocketConfig) *SocketChannel {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Relay == nil {
		cfg.Relay = PublisherFunc(func(string, string) {})
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &SocketChannel{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.OpenTimeout},
		log:    cfg.Log.With("component", "socket_channel"),
		state:  StateClosed,
	}
}

func (c *SocketChannel) Kind() Kind { return KindLowLatency }

func (c *SocketChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SocketChannel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *SocketChannel) buildURL(ctx context.Context) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + socketPath
	if tok := token(ctx, c.cfg.Tokens); tok != "" {
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open dials and sends the config frame within the open timeout. Any failure
// is a *shared.TransportOpenError; the caller is expected to fall back.
func (c *SocketChannel) Open(ctx context.Context, meta SessionMeta) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempts++
	c.meta = meta
	c.mu.Unlock()

	conn, err := c.dial(ctx, meta)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.log.Warn("socket open failed", "session_id", meta.SessionID, "error", err)
		return &shared.TransportOpenError{Transport: string(KindLowLatency), Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.Info("socket open", "session_id", meta.SessionID)
	return nil
}

func (c *SocketChannel) dial(ctx context.Context, meta SessionMeta) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	wsURL, err := c.buildURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("build socket url: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	data, err := json.Marshal(configFrame{
		Type:    "config",
		Payload: configPayload{SessionID: meta.SessionID, MeetingName: meta.MeetingName},
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send config: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Send writes the chunk payload as one binary frame with no extra framing.
func (c *SocketChannel) Send(ctx context.Context, chunk recorder.Chunk) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk.Payload); err != nil {
		c.markDegraded(err)
		return err
	}
	return nil
}

func (c *SocketChannel) readLoop(conn *websocket.Conn) {
	defer close(c.readDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.State() != StateClosed {
				c.markDegraded(err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("ignoring unparseable frame", "error", err)
			continue
		}
		if frame.Type != "transcript" || frame.Text == "" {
			continue
		}

		c.mu.Lock()
		closed := c.state == StateClosed
		sessionID := c.meta.SessionID
		c.mu.Unlock()
		if closed {
			return
		}
		c.cfg.Relay.Publish(sessionID, frame.Text)
	}
}

func (c *SocketChannel) markDegraded(err error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	sessionID := c.meta.SessionID
	c.mu.Unlock()

	c.degraded.Do(func() {
		c.log.Warn("socket degraded", "session_id", sessionID, "error", err)
		if c.cfg.OnDegraded != nil {
			c.cfg.OnDegraded(err)
		}
	})
}

// Close sends a close frame and waits for the read loop to exit or ctx to
// end. Frames arriving after Close are dropped.
func (c *SocketChannel) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		done := c.readDone
		c.state = StateClosed
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err = conn.Close()

		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	return err
}
