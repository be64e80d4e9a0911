// Package client is the Go client for the collaboration engine: it dials
// the websocket endpoint, keeps the connection alive with heartbeats, and
// reconnects with exponential backoff when the transport drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openequity/collab/collab"
	"github.com/openequity/collab/internal/slogging"
)

// State is the client connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrNotConnected is returned by Send when there is no live connection.
var ErrNotConnected = errors.New("client is not connected")

const (
	defaultHeartbeatInterval = 30 * time.Second
	initialBackoff           = time.Second
	maxBackoff               = 16 * time.Second
	maxReconnectAttempts     = 5
)

// Config describes how to reach the collaboration endpoint.
type Config struct {
	// Endpoint is the websocket URL, e.g. wss://host/ws/collab.
	Endpoint  string
	SessionID string
	UserID    string
	Token     string

	// HeartbeatInterval defaults to 30 seconds.
	HeartbeatInterval time.Duration

	// OnState is called on every state transition. Optional.
	OnState func(State)
	// OnEnvelope is called for every server envelope. Optional.
	OnEnvelope func(*collab.Envelope)
}

// Client maintains one logical collaboration connection. A dropped transport
// is redialed with exponential backoff (1s doubling to 16s, five attempts);
// an explicit Disconnect never triggers a redial.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	// Backoff schedule, adjustable in tests.
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	// wantConnected distinguishes a transport drop from an explicit
	// Disconnect.
	wantConnected bool
}

// New creates a client. Connect starts it.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.SessionID == "" || cfg.UserID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("session_id, user_id and token are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Client{
		cfg:            cfg,
		dialer:         websocket.DefaultDialer,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		maxAttempts:    maxReconnectAttempts,
		state:          StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// Connect dials the endpoint and starts the read and heartbeat loops. It
// returns once the first dial succeeds or fails; reconnection after later
// drops happens in the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("already %s", c.state)
	}
	c.cancel = cancel
	c.wantConnected = true
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		// Leave the client fully reset so a later Connect starts clean and
		// nothing lingers waiting on the dead context.
		c.mu.Lock()
		c.wantConnected = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		c.setState(StateError)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readLoop(ctx, conn)
	go c.heartbeatLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("session_id", c.cfg.SessionID)
	q.Set("user_id", c.cfg.UserID)
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

// Send marshals and writes one envelope.
func (c *Client) Send(env *collab.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendPayload wraps a typed payload in an envelope and sends it.
func (c *Client) SendPayload(t collab.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.Send(&collab.Envelope{
		Type:      t,
		SessionID: c.cfg.SessionID,
		UserID:    c.cfg.UserID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
}

// Disconnect closes the connection and suppresses reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wantConnected = false
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			retry := c.wantConnected
			c.mu.Unlock()

			if retry {
				slogging.Get().Debug("Connection lost, reconnecting: %v", err)
				c.reconnect(ctx)
			}
			return
		}

		var env collab.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slogging.Get().Debug("Dropping unparseable server message: %v", err)
			continue
		}
		if c.cfg.OnEnvelope != nil {
			c.cfg.OnEnvelope(&env)
		}
	}
}

// reconnect redials with exponential backoff. After the final failed attempt
// the client settles in the error state and stays there until the caller
// connects again.
func (c *Client) reconnect(ctx context.Context) {
	backoff := c.initialBackoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.setState(StateConnecting)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		if !c.wantConnected {
			c.mu.Unlock()
			c.setState(StateDisconnected)
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(StateConnected)
			go c.readLoop(ctx, conn)
			return
		}

		slogging.Get().Debug("Reconnect attempt %d failed: %v", attempt, err)
		if backoff < c.maxBackoff {
			backoff *= 2
		}
	}

	slogging.Get().Warn("Reconnection abandoned after %d attempts", c.maxAttempts)
	c.setState(StateError)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SendPayload(collab.MessageTypeHeartbeat, collab.HeartbeatPayload{}); err != nil {
				if !errors.Is(err, ErrNotConnected) {
					slogging.Get().Debug("Heartbeat send failed: %v", err)
				}
			}
		}
	}
}
