package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ecosense/ecosense/backend/internal/identity"
	"github.com/ecosense/ecosense/backend/internal/model/chat"
	"github.com/ecosense/ecosense/backend/internal/service/device"
	"github.com/ecosense/ecosense/backend/internal/service/history"
	"github.com/ecosense/ecosense/backend/internal/service/isolation"
	"github.com/ecosense/ecosense/backend/internal/service/registry"
	"github.com/ecosense/ecosense/backend/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	welcomeMessage = "Connected to Ecosense WebSocket Server"
)

// WorkerSpawner is the gateway's view of the process-isolation manager: spawn
// a device's worker and find the one it already has.
type WorkerSpawner interface {
	Spawn(ctx context.Context, deviceID string) (*isolation.Worker, error)
	Lookup(deviceID string) (*isolation.Worker, bool)
}

// Handler is the realtime gateway: it admits upgrade requests, binds each
// connection to an identity, and runs that connection's private routing loop.
// Each connection gets its own goroutine and session state; the registry,
// device table, and history stores are the only shared collaborators.
type Handler struct {
	registry  *registry.Registry
	histories *history.Adapter
	resolver  *identity.Resolver
	devices   *device.Manager
	workers   WorkerSpawner
	upgrader  websocket.Upgrader
}

// New creates the gateway handler. workers is nil unless the deployment runs
// in process-isolation mode.
func New(reg *registry.Registry, histories *history.Adapter, resolver *identity.Resolver, devices *device.Manager, workers WorkerSpawner) *Handler {
	return &Handler{
		registry:  reg,
		histories: histories,
		resolver:  resolver,
		devices:   devices,
		workers:   workers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the upgrade endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type sessionInitFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	DeviceID      string `json:"deviceId"`
	IPAddress     string `json:"ipAddress"`
	Authenticated bool   `json:"authenticated"`
	UserID        *int   `json:"userId,omitempty"`
}

type connectionFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
}

type historyFrame struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

type subscribedFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// handleWebSocket admits one connection and runs its routing loop until the
// transport closes or the session commits a protocol violation.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident := h.resolver.Resolve(r)
	ip := remoteIP(r)

	port, err := h.ensureWorker(ident.DeviceID)
	if err != nil {
		log.Printf("[ws] worker spawn failed device=%s: %v", ident.DeviceID, err)
		utils.RespondError(w, http.StatusServiceUnavailable, "isolation worker unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	// sessionId is derived from the device fingerprint plus the acceptance
	// time; the uuid suffix keeps reconnects within the same millisecond
	// collision-free.
	sessionID := fmt.Sprintf("%s-%d-%s", ident.DeviceID, time.Now().UnixMilli(), uuid.NewString())
	sess := newSession(sessionID, ident.DeviceID, conn)

	h.registry.Add(&registry.Session{
		ID:         sessionID,
		DeviceID:   ident.DeviceID,
		RemoteAddr: ip,
		Identity:   ident,
		Sender:     sess,
		CreatedAt:  time.Now().UTC(),
	})
	h.devices.Track(ident.DeviceID, port)
	defer h.teardown(sess)

	log.Printf("[ws] client connected session=%s device=%s authenticated=%t", sessionID, ident.DeviceID, ident.Authenticated)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	init := sessionInitFrame{
		Type:          "session_init",
		SessionID:     sessionID,
		DeviceID:      ident.DeviceID,
		IPAddress:     ip,
		Authenticated: ident.Authenticated,
	}
	if ident.Authenticated {
		userID := ident.UserID
		init.UserID = &userID
	}
	if err := sess.Send(init); err != nil {
		log.Printf("[ws] send session_init failed: %v", err)
		return
	}
	if err := sess.Send(connectionFrame{Type: "connection", DeviceID: ident.DeviceID, Message: welcomeMessage}); err != nil {
		log.Printf("[ws] send welcome failed: %v", err)
		return
	}
	sess.ready()

	// Replay runs off the read loop so a slow store never delays the first
	// inbound frames. Ordering still holds: init and welcome are already on
	// the wire, and the session mutex serializes the history frame against
	// echoes.
	go h.sendHistory(ctx, sess, ident)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go h.pingLoop(ctx, sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error session=%s: %v", sessionID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.devices.Touch(ident.DeviceID)

		if !h.handleFrame(ctx, sess, ident, data) {
			return
		}
	}
}

// ensureWorker spawns the device's isolated worker on its first connection
// and returns the worker's port; reconnects reuse the live worker. Outside
// isolation mode it reports port 0. The worker's lifetime is governed by the
// device sweep, not by this connection, so the spawn does not use the request
// context.
func (h *Handler) ensureWorker(deviceID string) (int, error) {
	if h.workers == nil {
		return 0, nil
	}

	worker, err := h.workers.Spawn(context.Background(), deviceID)
	if errors.Is(err, isolation.ErrWorkerExists) {
		if existing, ok := h.workers.Lookup(deviceID); ok {
			return existing.Port, nil
		}
		// The worker exited between Spawn and Lookup; retry once.
		worker, err = h.workers.Spawn(context.Background(), deviceID)
	}
	if err != nil {
		return 0, err
	}
	return worker.Port, nil
}

// handleFrame routes one inbound frame. The returned bool reports whether the
// connection should stay open.
func (h *Handler) handleFrame(ctx context.Context, sess *wsSession, ident identity.Identity, data []byte) bool {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		// Malformed frames are non-fatal: log and keep the session open.
		log.Printf("[ws] dropping malformed frame session=%s: %v", sess.id, err)
		return true
	}

	frameSession, _ := frame["sessionId"].(string)
	if frameSession == "" || frameSession != sess.id || !h.registry.Has(frameSession) {
		log.Printf("[ws] invalid session in frame session=%s got=%q", sess.id, frameSession)
		sess.close(websocket.ClosePolicyViolation, "Invalid session")
		return false
	}

	msgType, _ := frame["type"].(string)
	switch msgType {
	case "chat":
		h.handleChat(ctx, sess, ident, frame)
	case "subscribe":
		h.handleSubscribe(sess, frame)
	default:
		log.Printf("[ws] unknown message type %q session=%s", msgType, sess.id)
	}
	return true
}

// handleChat echoes the frame back to the originating connection only, then
// dispatches best-effort persistence on the identity's history path.
func (h *Handler) handleChat(ctx context.Context, sess *wsSession, ident identity.Identity, frame map[string]any) {
	now := time.Now().UTC()
	frame["sessionId"] = sess.id
	frame["timestamp"] = now.Format(time.RFC3339)

	if err := sess.Send(frame); err != nil {
		log.Printf("[ws] echo failed session=%s: %v", sess.id, err)
		return
	}

	content, _ := frame["content"].(string)
	msg := chat.Message{Role: chat.RoleUser, Content: content, Timestamp: now}
	if err := h.histories.Append(ctx, ident, msg); err != nil {
		// Durability is best effort; the client never sees store failures.
		log.Printf("[ws] persist failed session=%s key=%s: %v", sess.id, ident.Key(), err)
	}
}

func (h *Handler) handleSubscribe(sess *wsSession, frame map[string]any) {
	channel, _ := frame["channel"].(string)
	sess.subscribe(channel)
	log.Printf("[ws] session %s subscribed to %s", sess.id, channel)

	if err := sess.Send(subscribedFrame{Type: "subscribed", Channel: channel}); err != nil {
		log.Printf("[ws] subscribe ack failed session=%s: %v", sess.id, err)
	}
}

// sendHistory replays the identity's stored transcript to the new session.
func (h *Handler) sendHistory(ctx context.Context, sess *wsSession, ident identity.Identity) {
	messages, err := h.histories.Replay(ctx, ident)
	if err != nil {
		log.Printf("[ws] history replay failed session=%s key=%s: %v", sess.id, ident.Key(), err)
		return
	}
	if err := sess.Send(historyFrame{Type: "history", Messages: messages}); err != nil {
		log.Printf("[ws] history send failed session=%s: %v", sess.id, err)
	}
}

// teardown closes the session and removes it from the registry exactly once.
func (h *Handler) teardown(sess *wsSession) {
	sess.close(0, "")
	if h.registry.Remove(sess.id) {
		log.Printf("[ws] client disconnected session=%s", sess.id)
	}
}

func (h *Handler) pingLoop(ctx context.Context, sess *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
