package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/openequity/collab/internal/slogging"
)

// Policy-level close codes, in the websocket application range. Documented
// here and nowhere else.
const (
	// CloseMissingParameters: the connect URL lacked session_id, user_id, or token.
	CloseMissingParameters = 4000
	// CloseInvalidToken: the identity oracle rejected the token.
	CloseInvalidToken = 4001
	// CloseConnectionLimit: the per-user connection cap was exceeded.
	CloseConnectionLimit = 4002
	// CloseSessionNotFound: no durable session row exists for session_id.
	CloseSessionNotFound = 4003
	// CloseJoinFailed: an internal error occurred while joining the session.
	CloseJoinFailed = 4500
)

// ConnState is the per-connection lifecycle state.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateBound
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

// Connection is one physical transport link bound to exactly one
// (session, user) pair.
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	Profile   UserProfile

	conn  *websocket.Conn
	send  chan []byte
	quit  chan struct{}
	hub   *Hub
	state atomic.Int32

	closeOnce sync.Once
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// enqueue hands bytes to the write pump, best effort. A full buffer means a
// consumer that cannot keep up; the message is dropped, not queued durably.
// The send channel is never closed, so racing enqueue against close is safe.
func (c *Connection) enqueue(msg []byte) bool {
	if c.State() == StateClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		messagesDropped.WithLabelValues("slow_consumer").Inc()
		return false
	}
}

// HubConfig bounds the connection manager's limits. The per-user connection
// cap lives in SessionStoreConfig, enforced under the session lock.
type HubConfig struct {
	MaxMessageBytes int64
	MessageLogging  slogging.WebSocketLoggingConfig
}

func (c *HubConfig) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub owns every physical connection: the authentication handshake, the
// per-connection read/write pumps, and fan-out delivery. It is the only
// component that touches the transport.
type Hub struct {
	store      *SessionStore
	identity   IdentityService
	limiter    RateLimiter
	validator  *Validator
	router     *MessageRouter
	tracker    *ConflictTracker
	broker     *Broker
	resources  ResourceUpdater
	activities ActivitySink
	cfg        HubConfig

	mu        sync.RWMutex
	conns     map[string]*Connection
	bySession map[string]map[string]*Connection
}

// NewHub wires the connection manager. The hub registers itself as the
// session store's observer so roster reaping reaches remaining participants.
func NewHub(store *SessionStore, identity IdentityService, limiter RateLimiter, validator *Validator,
	tracker *ConflictTracker, broker *Broker, resources ResourceUpdater, activities ActivitySink, cfg HubConfig) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		store:      store,
		identity:   identity,
		limiter:    limiter,
		validator:  validator,
		tracker:    tracker,
		broker:     broker,
		resources:  resources,
		activities: activities,
		cfg:        cfg,
		conns:      make(map[string]*Connection),
		bySession:  make(map[string]map[string]*Connection),
	}
	h.router = NewMessageRouter(h)
	store.SetObserver(h)
	return h
}

// Router exposes the dispatch router, mainly for registering extra handlers.
func (h *Hub) Router() *MessageRouter { return h.router }

// HandleWS upgrades the HTTP request and runs the connection handshake:
// required query parameters, token verification, connection cap, session
// join. Failures close with the documented code; success starts the pumps.
func (h *Hub) HandleWS(c *gin.Context) {
	sessionID := c.Query("session_id")
	userID := c.Query("user_id")
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Warn("Failed to upgrade connection: %v", err)
		return
	}

	if sessionID == "" || userID == "" || token == "" {
		h.closeWithCode(conn, CloseMissingParameters, "session_id, user_id and token are required")
		return
	}
	if !ValidIdentifier(sessionID) || !ValidIdentifier(userID) {
		h.closeWithCode(conn, CloseMissingParameters, "malformed session_id or user_id")
		return
	}

	connection := &Connection{
		ID:        newID(),
		SessionID: sessionID,
		UserID:    userID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		quit:      make(chan struct{}),
		hub:       h,
	}
	connection.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	profile, err := h.identity.VerifyToken(ctx, token, userID)
	if err != nil || profile == nil || profile.UserID != userID {
		slogging.Get().Warn("Token verification failed - user_id=%s error=%v", userID, err)
		h.closeWithCode(conn, CloseInvalidToken, "invalid or expired token")
		return
	}
	connection.Profile = *profile
	connection.setState(StateAuthenticated)

	session, err := h.store.Join(ctx, sessionID, *profile, connection.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			h.closeWithCode(conn, CloseSessionNotFound, "session not found")
		case errors.Is(err, ErrConnectionLimit):
			h.closeWithCode(conn, CloseConnectionLimit, "too many connections for user")
		default:
			slogging.Get().Error("Join failed - session_id=%s user_id=%s error=%v", sessionID, userID, err)
			h.closeWithCode(conn, CloseJoinFailed, "internal error during join")
		}
		return
	}
	connection.setState(StateBound)

	h.register(connection)

	slogging.Get().Info("Connection bound - connection_id=%s session_id=%s user_id=%s",
		connection.ID, sessionID, userID)

	go connection.writePump()
	go connection.readPump()

	h.sendRosterSnapshot(connection, session)
	h.announceJoin(session, *profile)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	if h.bySession[c.SessionID] == nil {
		h.bySession[c.SessionID] = make(map[string]*Connection)
	}
	h.bySession[c.SessionID][c.ID] = c
	activeConnections.Set(float64(len(h.conns)))
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID)
	if m, ok := h.bySession[c.SessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.bySession, c.SessionID)
		}
	}
	activeConnections.Set(float64(len(h.conns)))
}

// Connection returns the live connection with the given ID, if any.
func (h *Hub) Connection(connectionID string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[connectionID]
}

// Send delivers an envelope to one connection, best effort. Closed or absent
// connections drop the message; this is a live-presence system, not a
// durable mailbox.
func (h *Hub) Send(connectionID string, env *Envelope) {
	c := h.Connection(connectionID)
	if c == nil {
		return
	}
	h.sendEnvelope(c, env)
}

func (h *Hub) sendEnvelope(c *Connection, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slogging.Get().Error("Failed to marshal envelope - type=%s error=%v", env.Type, err)
		return
	}
	slogging.LogWebSocketMessage(slogging.WSMessageOutbound, c.SessionID, c.UserID, string(env.Type), data, h.cfg.MessageLogging)
	c.enqueue(data)
}

// Broadcast delivers the envelope to every bound connection of every
// participant in the session except those in excludeUserIDs, exactly once
// per connection.
func (h *Hub) Broadcast(sessionID string, env *Envelope, excludeUserIDs []string) {
	data, err := json.Marshal(env)
	if err != nil {
		slogging.Get().Error("Failed to marshal broadcast envelope - type=%s error=%v", env.Type, err)
		return
	}

	excluded := make(map[string]bool, len(excludeUserIDs))
	for _, id := range excludeUserIDs {
		excluded[id] = true
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.bySession[sessionID]))
	for _, c := range h.bySession[sessionID] {
		if excluded[c.UserID] {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
	broadcastsSent.Inc()
}

// SendError returns a targeted error envelope to a single connection. Errors
// are never broadcast.
func (h *Hub) SendError(c *Connection, code, message string) {
	env, err := NewServerEnvelope(MessageTypeError, c.SessionID, c.UserID, ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	h.sendEnvelope(c, env)
}

// Disconnect tears down a connection. Idempotent and safe to call
// concurrently with in-flight message handling.
func (h *Hub) Disconnect(connectionID string) {
	c := h.Connection(connectionID)
	if c == nil {
		return
	}
	c.close()
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.hub.unregister(c)
		c.hub.store.Leave(c.ID)
		c.hub.limiter.Forget(context.Background(), c.ID)
		// The send channel stays open: Broadcast may still be racing an
		// enqueue, and a send on a closed channel would panic the sender.
		// The quit channel stops the write pump instead.
		close(c.quit)
		_ = c.conn.Close()
		slogging.Get().Debug("Connection closed - connection_id=%s session_id=%s user_id=%s",
			c.ID, c.SessionID, c.UserID)
	})
}

func (h *Hub) closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slogging.Get().Debug("Failed to send close message: %v", err)
	}
	if err := conn.Close(); err != nil {
		slogging.Get().Debug("Failed to close connection: %v", err)
	}
}

// sendRosterSnapshot pushes the current participant list to a newly bound
// connection so the client can render presence immediately.
func (h *Hub) sendRosterSnapshot(c *Connection, session *Session) {
	env, err := NewServerEnvelope(MessageTypeParticipantsUpdate, session.ID, "", map[string]any{
		"participants": session.Snapshot(),
	})
	if err != nil {
		return
	}
	h.sendEnvelope(c, env)
}

func (h *Hub) announceJoin(session *Session, profile UserProfile) {
	env, err := NewServerEnvelope(MessageTypeParticipantJoined, session.ID, profile.UserID, map[string]any{
		"user_id":      profile.UserID,
		"display_name": profile.DisplayName,
	})
	if err != nil {
		return
	}
	h.Broadcast(session.ID, env, []string{profile.UserID})

	h.broker.PublishActivity(Activity{
		Type:      ActivityParticipantJoined,
		SessionID: session.ID,
		UserID:    profile.UserID,
		Timestamp: time.Now().UTC(),
		Payload:   PresenceActivity{Status: StatusActive, Joined: true},
	})
}

// ParticipantRemoved implements SessionObserver: the grace period elapsed
// with no reconnection, so remaining participants learn the user left.
func (h *Hub) ParticipantRemoved(sessionID string, p Participant) {
	env, err := NewServerEnvelope(MessageTypeUserStatus, sessionID, p.UserID, map[string]any{
		"status": "left",
	})
	if err != nil {
		return
	}
	h.Broadcast(sessionID, env, nil)

	h.broker.PublishActivity(Activity{
		Type:      ActivityParticipantLeft,
		SessionID: sessionID,
		UserID:    p.UserID,
		Timestamp: time.Now().UTC(),
		Payload:   PresenceActivity{Status: StatusAway, Joined: false},
	})
}

// SessionRetired implements SessionObserver: an idle session was evicted, so
// any lingering connections are closed.
func (h *Hub) SessionRetired(sessionID string) {
	h.mu.RLock()
	lingering := make([]*Connection, 0, len(h.bySession[sessionID]))
	for _, c := range h.bySession[sessionID] {
		lingering = append(lingering, c)
	}
	h.mu.RUnlock()

	for _, c := range lingering {
		c.close()
	}
}

// readPump pumps messages from the transport through the rate limiter and
// validator into the router. Messages from the same connection reach
// handlers in receipt order.
func (c *Connection) readPump() {
	defer c.close()

	// Transport guard well above the application ceiling; the validator
	// enforces the soft 64 KiB limit without killing the connection.
	c.conn.SetReadLimit(4 * c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	firstMessage := true
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Debug("WebSocket read error - connection_id=%s error=%v", c.ID, err)
			}
			return
		}

		slogging.LogWebSocketMessage(slogging.WSMessageInbound, c.SessionID, c.UserID, "", raw, c.hub.cfg.MessageLogging)

		if !c.hub.limiter.Allow(context.Background(), c.ID) {
			messagesDropped.WithLabelValues("rate_limit").Inc()
			slogging.Get().Debug("Rate limit exceeded, dropping message - connection_id=%s", c.ID)
			continue
		}

		env, err := c.hub.validator.ValidateRaw(raw)
		if err != nil {
			if firstMessage && errors.Is(err, ErrBadEnvelope) {
				// A client that cannot even frame its first envelope is not
				// speaking this protocol.
				slogging.Get().Warn("Malformed first message, closing - connection_id=%s error=%v", c.ID, err)
				c.hub.closeWithCode(c.conn, websocket.ClosePolicyViolation, "malformed envelope")
				return
			}
			messagesDropped.WithLabelValues("invalid").Inc()
			slogging.Get().Debug("Dropping invalid message - connection_id=%s error=%v", c.ID,
				slogging.SanitizeLogMessage(err.Error()))
			firstMessage = false
			continue
		}
		firstMessage = false

		// The binding is authoritative; a client claiming another identity
		// or session has its message dropped without side effects.
		if (env.SessionID != "" && env.SessionID != c.SessionID) ||
			(env.UserID != "" && env.UserID != c.UserID) {
			messagesDropped.WithLabelValues("binding_mismatch").Inc()
			slogging.Get().Debug("Envelope binding mismatch - connection_id=%s claimed_session=%s claimed_user=%s",
				c.ID, env.SessionID, env.UserID)
			continue
		}
		env.SessionID = c.SessionID
		env.UserID = c.UserID

		c.hub.router.Dispatch(c, env)
	}
}

// writePump pumps outbound bytes and keeps the connection alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
