package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openequity/collab/collab"
)

// fakeServer is a minimal websocket endpoint that records connections and
// inbound envelopes, and can refuse upgrades to simulate an outage.
type fakeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	refuse atomic.Bool
	dials  atomic.Int64

	mu        sync.Mutex
	conns     []*websocket.Conn
	received  []collab.Envelope
	dialTimes []time.Time
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)
		fs.mu.Lock()
		fs.dialTimes = append(fs.dialTimes, time.Now())
		fs.mu.Unlock()
		if fs.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var env collab.Envelope
				if json.Unmarshal(raw, &env) == nil {
					fs.mu.Lock()
					fs.received = append(fs.received, env)
					fs.mu.Unlock()
				}
			}
		}()
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) endpoint() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (fs *fakeServer) push(t *testing.T, env *collab.Envelope) {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.conns, "no server-side connection to push to")
	require.NoError(t, fs.conns[len(fs.conns)-1].WriteJSON(env))
}

func (fs *fakeServer) dialTimestamps() []time.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]time.Time(nil), fs.dialTimes...)
}

func (fs *fakeServer) receivedTypes() []collab.MessageType {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]collab.MessageType, 0, len(fs.received))
	for _, env := range fs.received {
		out = append(out, env.Type)
	}
	return out
}

func testConfig(fs *fakeServer) Config {
	return Config{
		Endpoint:  fs.endpoint(),
		SessionID: "s1",
		UserID:    "alice",
		Token:     "token-alice",
	}
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	notify chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{notify: make(chan State, 32)}
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.notify <- s
}

func (r *stateRecorder) waitFor(t *testing.T, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-r.notify:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func TestClientConnectAndReceive(t *testing.T) {
	fs := newFakeServer(t)
	rec := newStateRecorder()
	envelopes := make(chan *collab.Envelope, 1)

	cfg := testConfig(fs)
	cfg.OnState = rec.record
	cfg.OnEnvelope = func(env *collab.Envelope) { envelopes <- env }

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, StateConnected, c.State())
	rec.waitFor(t, StateConnected, time.Second)

	push, err := collab.NewServerEnvelope(collab.MessageTypeParticipantJoined, "s1", "bob", map[string]any{
		"user_id": "bob",
	})
	require.NoError(t, err)
	fs.push(t, push)

	select {
	case env := <-envelopes:
		assert.Equal(t, collab.MessageTypeParticipantJoined, env.Type)
	case <-time.After(time.Second):
		t.Fatal("server envelope never reached the callback")
	}
}

func TestClientConnectPassesIdentityParams(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Encode())
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer server.Close()

	c, err := New(Config{
		Endpoint:  "ws" + strings.TrimPrefix(server.URL, "http"),
		SessionID: "s1",
		UserID:    "alice",
		Token:     "tok",
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	q := gotQuery.Load().(string)
	assert.Contains(t, q, "session_id=s1")
	assert.Contains(t, q, "user_id=alice")
	assert.Contains(t, q, "token=tok")
}

func TestClientSendRequiresConnection(t *testing.T) {
	fs := newFakeServer(t)

	c, err := New(testConfig(fs))
	require.NoError(t, err)

	err = c.SendPayload(collab.MessageTypeHeartbeat, collab.HeartbeatPayload{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientSendReachesServer(t *testing.T) {
	fs := newFakeServer(t)

	c, err := New(testConfig(fs))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SendPayload(collab.MessageTypeCursorMove, map[string]any{"x": 1.0, "y": 2.0}))

	require.Eventually(t, func() bool {
		for _, msgType := range fs.receivedTypes() {
			if msgType == collab.MessageTypeCursorMove {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	rec := newStateRecorder()

	cfg := testConfig(fs)
	cfg.OnState = rec.record

	c, err := New(cfg)
	require.NoError(t, err)
	c.initialBackoff = 5 * time.Millisecond
	c.maxBackoff = 20 * time.Millisecond

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	rec.waitFor(t, StateConnected, time.Second)

	fs.dropAll()

	// The client goes through connecting and comes back on its own.
	rec.waitFor(t, StateConnecting, time.Second)
	rec.waitFor(t, StateConnected, 2*time.Second)
	assert.GreaterOrEqual(t, fs.dials.Load(), int64(2))
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	rec := newStateRecorder()

	cfg := testConfig(fs)
	cfg.OnState = rec.record

	c, err := New(cfg)
	require.NoError(t, err)
	c.initialBackoff = 2 * time.Millisecond
	c.maxBackoff = 8 * time.Millisecond
	c.maxAttempts = 3

	require.NoError(t, c.Connect(context.Background()))
	rec.waitFor(t, StateConnected, time.Second)

	dialsBefore := fs.dials.Load()
	fs.refuse.Store(true)
	fs.dropAll()

	rec.waitFor(t, StateError, 2*time.Second)
	assert.Equal(t, dialsBefore+3, fs.dials.Load(), "exactly maxAttempts redials")

	// The error state is terminal until the caller connects again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateError, c.State())
}

func TestClientBackoffDoublesThenCaps(t *testing.T) {
	fs := newFakeServer(t)
	rec := newStateRecorder()

	cfg := testConfig(fs)
	cfg.OnState = rec.record

	c, err := New(cfg)
	require.NoError(t, err)
	c.initialBackoff = 25 * time.Millisecond
	c.maxBackoff = 100 * time.Millisecond
	c.maxAttempts = 4

	require.NoError(t, c.Connect(context.Background()))
	rec.waitFor(t, StateConnected, time.Second)

	fs.refuse.Store(true)
	fs.dropAll()
	rec.waitFor(t, StateError, 3*time.Second)

	stamps := fs.dialTimestamps()
	require.GreaterOrEqual(t, len(stamps), 4)
	redials := stamps[len(stamps)-4:]

	// The waits before the four redials are 25, 50, 100 and 100ms: doubling
	// from the initial backoff up to the cap, then holding there. The first
	// wait is anchored on the drop, so only the inter-redial gaps are checked.
	wantGaps := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	for i, want := range wantGaps {
		gap := redials[i+1].Sub(redials[i])
		assert.GreaterOrEqual(t, gap, want-5*time.Millisecond, "gap before redial %d", i+2)
		assert.Less(t, gap, want+75*time.Millisecond, "gap before redial %d", i+2)
	}
}

func TestClientConnectFailureLeavesClientReusable(t *testing.T) {
	fs := newFakeServer(t)

	c, err := New(testConfig(fs))
	require.NoError(t, err)

	fs.refuse.Store(true)
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateError, c.State())

	// The failed dial must not leave reconnect intent or a stale cancel
	// behind.
	c.mu.Lock()
	wantConnected := c.wantConnected
	cancel := c.cancel
	c.mu.Unlock()
	assert.False(t, wantConnected)
	assert.Nil(t, cancel)

	fs.refuse.Store(false)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.Equal(t, StateConnected, c.State())
}

func TestClientDisconnectSuppressesReconnect(t *testing.T) {
	fs := newFakeServer(t)

	c, err := New(testConfig(fs))
	require.NoError(t, err)
	c.initialBackoff = 2 * time.Millisecond

	require.NoError(t, c.Connect(context.Background()))
	dialsBefore := fs.dials.Load()

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// No background redial after an explicit disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialsBefore, fs.dials.Load())
}

func TestClientHeartbeats(t *testing.T) {
	fs := newFakeServer(t)

	cfg := testConfig(fs)
	cfg.HeartbeatInterval = 20 * time.Millisecond

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		count := 0
		for _, msgType := range fs.receivedTypes() {
			if msgType == collab.MessageTypeHeartbeat {
				count++
			}
		}
		return count >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Endpoint: "ws://localhost/ws"})
	assert.Error(t, err)

	_, err = New(Config{Endpoint: "ws://localhost/ws", SessionID: "s1", UserID: "u", Token: "t"})
	assert.NoError(t, err)
}
