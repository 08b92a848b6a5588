package identity

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Identity is the resolved caller of a realtime connection: either an
// authenticated user or an anonymous device. Every session carries exactly one.
type Identity struct {
	DeviceID      string
	UserID        int
	Authenticated bool
}

// Authenticated builds an identity for a known user.
func Authenticated(userID int, deviceID string) Identity {
	return Identity{DeviceID: deviceID, UserID: userID, Authenticated: true}
}

// Anonymous builds a device-scoped identity.
func Anonymous(deviceID string) Identity {
	return Identity{DeviceID: deviceID}
}

// Key returns the history key for this identity. Authenticated sessions share
// one history per user across devices; anonymous sessions are keyed by device.
func (id Identity) Key() string {
	if id.Authenticated {
		return fmt.Sprintf("user:%d", id.UserID)
	}
	return "device:" + id.DeviceID
}

// DeviceID derives a stable device fingerprint from the handshake. Clients
// that want history to survive reconnects send an explicit X-Device-ID;
// otherwise the handshake's Sec-WebSocket-Key serves as the fingerprint, and
// the last resort is the remote IP plus the acceptance time so truly
// anonymous handshakes cannot collide.
func DeviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Device-ID")); id != "" {
		return id
	}
	if key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, time.Now().UnixMilli())
}
