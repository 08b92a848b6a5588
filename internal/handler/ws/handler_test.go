package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ecosense/ecosense/backend/internal/handler/ws"
	"github.com/ecosense/ecosense/backend/internal/identity"
	"github.com/ecosense/ecosense/backend/internal/model/chat"
	"github.com/ecosense/ecosense/backend/internal/service/device"
	"github.com/ecosense/ecosense/backend/internal/service/history"
	"github.com/ecosense/ecosense/backend/internal/service/isolation"
	"github.com/ecosense/ecosense/backend/internal/service/registry"
)

type gateway struct {
	server   *httptest.Server
	registry *registry.Registry
	lookup   *identity.MemoryLookup
	adapter  *history.Adapter
	devices  *device.Manager
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	return newGatewayWithSpawner(t, nil)
}

func newGatewayWithSpawner(t *testing.T, spawner ws.WorkerSpawner) *gateway {
	t.Helper()

	reg := registry.New()
	adapter := history.NewAdapter(history.NewMemoryUserStore(), history.NewMemoryDeviceStore())
	lookup := identity.NewMemoryLookup(time.Hour)
	resolver := identity.NewResolver(lookup, identity.DefaultCookieName)
	devices := device.NewManager(time.Hour, time.Hour, nil)

	r := chi.NewRouter()
	ws.New(reg, adapter, resolver, devices, spawner).RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &gateway{server: server, registry: reg, lookup: lookup, adapter: adapter, devices: devices}
}

func (g *gateway) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// connect dials and consumes the handshake frames, returning the conn, the
// assigned session id, and the history frame.
func (g *gateway) connect(t *testing.T, header http.Header) (*websocket.Conn, string, map[string]any) {
	t.Helper()
	conn := g.dial(t, header)

	init := readFrame(t, conn)
	require.Equal(t, "session_init", init["type"])
	welcome := readFrame(t, conn)
	require.Equal(t, "connection", welcome["type"])
	hist := readFrame(t, conn)
	require.Equal(t, "history", hist["type"])

	return conn, init["sessionId"].(string), hist
}

func deviceHeader(id string) http.Header {
	return http.Header{"X-Device-ID": []string{id}}
}

func TestHandshakeOrderAnonymous(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, deviceHeader("dev-1"))

	init := readFrame(t, conn)
	require.Equal(t, "session_init", init["type"])
	require.Equal(t, "dev-1", init["deviceId"])
	require.Equal(t, false, init["authenticated"])
	require.NotContains(t, init, "userId")
	require.NotEmpty(t, init["sessionId"])
	require.NotEmpty(t, init["ipAddress"])

	welcome := readFrame(t, conn)
	require.Equal(t, "connection", welcome["type"])
	require.Equal(t, "dev-1", welcome["deviceId"])
	require.NotEmpty(t, welcome["message"])

	hist := readFrame(t, conn)
	require.Equal(t, "history", hist["type"])
	require.Empty(t, hist["messages"])
}

func TestHandshakeAuthenticatedReplaysUserHistory(t *testing.T) {
	g := newGateway(t)
	token := g.lookup.Issue(42)
	require.NoError(t, g.adapter.Append(context.Background(),
		identity.Authenticated(42, "ignored"),
		chat.Message{Role: chat.RoleUser, Content: "from last week", Timestamp: time.Now().UTC()}))

	header := deviceHeader("dev-auth")
	header.Set("Cookie", identity.DefaultCookieName+"="+token)
	conn := g.dial(t, header)

	init := readFrame(t, conn)
	require.Equal(t, "session_init", init["type"])
	require.Equal(t, true, init["authenticated"])
	require.Equal(t, float64(42), init["userId"])

	welcome := readFrame(t, conn)
	require.Equal(t, "connection", welcome["type"])

	hist := readFrame(t, conn)
	require.Equal(t, "history", hist["type"])
	messages := hist["messages"].([]any)
	require.Len(t, messages, 1)
	require.Equal(t, "from last week", messages[0].(map[string]any)["content"])
}

func TestChatEchoAndReplayAfterReconnect(t *testing.T) {
	g := newGateway(t)

	conn, sessionID, _ := g.connect(t, deviceHeader("abc-123"))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat", "sessionId": sessionID, "content": "hello",
	}))

	echo := readFrame(t, conn)
	require.Equal(t, "chat", echo["type"])
	require.Equal(t, sessionID, echo["sessionId"])
	require.Equal(t, "hello", echo["content"])
	_, err := time.Parse(time.RFC3339, echo["timestamp"].(string))
	require.NoError(t, err, "echo timestamp must be RFC3339")

	// Persistence is dispatched after the echo; wait for it to land before
	// reconnecting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := g.adapter.Replay(context.Background(), identity.Anonymous("abc-123"))
		require.NoError(t, err)
		if len(stored) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chat message never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.Close()

	// Reconnect with the same device id and expect the replay in order.
	_, _, hist := g.connect(t, deviceHeader("abc-123"))
	messages := hist["messages"].([]any)
	require.Len(t, messages, 1)
	first := messages[0].(map[string]any)
	require.Equal(t, chat.RoleUser, first["role"])
	require.Equal(t, "hello", first["content"])
}

func TestInvalidSessionClosesWithPolicyViolation(t *testing.T) {
	g := newGateway(t)
	conn, _, _ := g.connect(t, deviceHeader("dev-bad"))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat", "sessionId": "not-in-registry", "content": "hello",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	err := conn.ReadJSON(&frame)
	require.Error(t, err, "no echo may be delivered for an invalid session")
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)
}

func TestForeignSessionIDClosesConnection(t *testing.T) {
	g := newGateway(t)
	_, otherID, _ := g.connect(t, deviceHeader("dev-a"))
	conn, _, _ := g.connect(t, deviceHeader("dev-b"))

	// otherID is live in the registry but belongs to a different connection.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat", "sessionId": otherID, "content": "hijack",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	err := conn.ReadJSON(&frame)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)
}

func TestSubscribeAcknowledged(t *testing.T) {
	g := newGateway(t)
	conn, sessionID, _ := g.connect(t, deviceHeader("dev-sub"))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "sessionId": sessionID, "channel": "weather",
	}))

	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack["type"])
	require.Equal(t, "weather", ack["channel"])
}

func TestUnknownAndMalformedFramesAreNonFatal(t *testing.T) {
	g := newGateway(t)
	conn, sessionID, _ := g.connect(t, deviceHeader("dev-odd"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "telemetry", "sessionId": sessionID,
	}))

	// The connection is still open and routing.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "sessionId": sessionID, "channel": "health",
	}))
	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack["type"])
}

func TestEchoNeverReachesOtherConnections(t *testing.T) {
	g := newGateway(t)
	connA, sessionA, _ := g.connect(t, deviceHeader("dev-a"))
	connB, _, _ := g.connect(t, deviceHeader("dev-b"))

	require.NoError(t, connA.WriteJSON(map[string]any{
		"type": "chat", "sessionId": sessionA, "content": "private",
	}))

	echo := readFrame(t, connA)
	require.Equal(t, sessionA, echo["sessionId"])

	require.NoError(t, connB.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var leaked map[string]any
	err := connB.ReadJSON(&leaked)
	require.Error(t, err, "connection B must not observe A's echo")
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "expected a read timeout, got %v", err)
}

// stubSpawner stands in for the isolation manager: one worker per device id,
// ports handed out sequentially, duplicate spawns refused the way the real
// manager refuses them.
type stubSpawner struct {
	mu       sync.Mutex
	spawns   int
	nextPort int
	workers  map[string]*isolation.Worker
	err      error
}

func newStubSpawner(basePort int) *stubSpawner {
	return &stubSpawner{nextPort: basePort, workers: make(map[string]*isolation.Worker)}
}

func (s *stubSpawner) Spawn(_ context.Context, deviceID string) (*isolation.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := s.workers[deviceID]; ok {
		return nil, isolation.ErrWorkerExists
	}
	s.spawns++
	w := &isolation.Worker{DeviceID: deviceID, Port: s.nextPort}
	s.nextPort++
	s.workers[deviceID] = w
	return w, nil
}

func (s *stubSpawner) Lookup(deviceID string) (*isolation.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[deviceID]
	return w, ok
}

func (s *stubSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func TestIsolationWorkerSpawnedOnFirstConnection(t *testing.T) {
	spawner := newStubSpawner(4000)
	g := newGatewayWithSpawner(t, spawner)

	conn, _, _ := g.connect(t, deviceHeader("dev-iso"))
	require.Equal(t, 1, spawner.spawnCount())

	rec, ok := g.devices.Get("dev-iso")
	require.True(t, ok, "device must be tracked after connect")
	require.Equal(t, 4000, rec.Port, "device record must carry the worker's port")

	// A reconnect reuses the live worker instead of spawning a second one.
	conn.Close()
	_, _, _ = g.connect(t, deviceHeader("dev-iso"))
	require.Equal(t, 1, spawner.spawnCount())

	// A different device gets its own worker on the next port.
	_, _, _ = g.connect(t, deviceHeader("dev-iso-2"))
	require.Equal(t, 2, spawner.spawnCount())
	rec2, ok := g.devices.Get("dev-iso-2")
	require.True(t, ok)
	require.Equal(t, 4001, rec2.Port)
}

func TestWorkerSpawnFailureRejectsUpgrade(t *testing.T) {
	spawner := newStubSpawner(4000)
	spawner.err = errors.New("fork failed")
	g := newGatewayWithSpawner(t, spawner)

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, deviceHeader("dev-iso"))
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 0, g.registry.Len(), "a rejected upgrade must not register a session")
}

func TestSimultaneousConnectionsGetDistinctSessionIDs(t *testing.T) {
	g := newGateway(t)

	// Both connections land within the same millisecond often enough that a
	// purely time-derived id would collide.
	_, idA, _ := g.connect(t, deviceHeader("dev-same"))
	_, idB, _ := g.connect(t, deviceHeader("dev-same"))

	require.NotEqual(t, idA, idB)
	require.True(t, g.registry.Has(idA))
	require.True(t, g.registry.Has(idB))
	require.Equal(t, 2, g.registry.Len())
}

func TestDisconnectRemovesSessionFromRegistry(t *testing.T) {
	g := newGateway(t)
	conn, sessionID, _ := g.connect(t, deviceHeader("dev-gone"))
	require.True(t, g.registry.Has(sessionID))

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for g.registry.Has(sessionID) {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, g.registry.Len())
}
