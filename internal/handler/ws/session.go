package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qmuntal/stateless"
)

// Session lifecycle states. A session is connecting until its init frames are
// on the wire, open while the read loop runs, and closed terminally after the
// transport drops or a protocol violation.
const (
	stateConnecting = "connecting"
	stateOpen       = "open"
	stateClosed     = "closed"
)

const (
	triggerReady = "ready"
	triggerClose = "close"
)

var ErrSessionClosed = errors.New("session closed")

const writeWait = 10 * time.Second

// wsSession wraps one connection with serialized writes and an explicit
// lifecycle. It is the only owner of the underlying conn's write side; all
// frames, pings, and the close handshake go through its mutex, which is what
// makes "no send after close" hold under concurrent replay and echo.
type wsSession struct {
	id       string
	deviceID string

	mu        sync.Mutex
	conn      *websocket.Conn
	lifecycle *stateless.StateMachine
	channels  map[string]struct{}
}

func newSession(id, deviceID string, conn *websocket.Conn) *wsSession {
	lifecycle := stateless.NewStateMachine(stateConnecting)
	lifecycle.Configure(stateConnecting).
		Permit(triggerReady, stateOpen).
		Permit(triggerClose, stateClosed)
	lifecycle.Configure(stateOpen).
		Permit(triggerClose, stateClosed)
	lifecycle.Configure(stateClosed).
		Ignore(triggerReady).
		Ignore(triggerClose)

	return &wsSession{
		id:        id,
		deviceID:  deviceID,
		conn:      conn,
		lifecycle: lifecycle,
		channels:  make(map[string]struct{}),
	}
}

// Send writes one JSON frame to this connection only.
func (s *wsSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.MustState() == stateClosed {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// ready marks the init handshake complete.
func (s *wsSession) ready() {
	s.mu.Lock()
	_ = s.lifecycle.Fire(triggerReady)
	s.mu.Unlock()
}

// ping sends a control ping; write errors surface so the ping loop can stop.
func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.MustState() == stateClosed {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close transitions the session to its terminal state and tears down the
// transport. code 0 skips the close handshake (transport already gone).
// Returns false if the session was already closed, keeping concurrent close
// signals idempotent.
func (s *wsSession) close(code int, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.MustState() == stateClosed {
		return false
	}
	_ = s.lifecycle.Fire(triggerClose)
	if code != 0 {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	_ = s.conn.Close()
	return true
}

// subscribe records interest in a named channel. Acknowledgment-only: nothing
// fans out to other sessions on the same channel.
func (s *wsSession) subscribe(channel string) {
	s.mu.Lock()
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
}

// subscribed reports whether the session recorded interest in channel.
func (s *wsSession) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}
