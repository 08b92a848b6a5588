package identity

import (
	"context"
	"log"
	"net/http"
)

// DefaultCookieName matches the session cookie issued by the dashboard's login
// flow.
const DefaultCookieName = "ecosense.sid"

// UserLookup resolves a session token to a user id. It is the only contact
// point with the authentication system; ok is false for unknown or expired
// tokens.
type UserLookup interface {
	ResolveUserID(ctx context.Context, token string) (userID int, ok bool, err error)
}

// Resolver turns an upgrade request into an Identity. Resolution never fails:
// a missing cookie, unknown token, or lookup error all degrade to an anonymous
// device identity so the accept path stays available.
type Resolver struct {
	users      UserLookup
	cookieName string
}

// NewResolver wires a resolver to the session lookup. An empty cookie name
// falls back to DefaultCookieName; a nil lookup resolves everything anonymous.
func NewResolver(users UserLookup, cookieName string) *Resolver {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Resolver{users: users, cookieName: cookieName}
}

// Resolve produces the identity for an upgrade request.
func (res *Resolver) Resolve(r *http.Request) Identity {
	deviceID := DeviceID(r)

	if res == nil || res.users == nil {
		return Anonymous(deviceID)
	}

	cookie, err := r.Cookie(res.cookieName)
	if err != nil || cookie.Value == "" {
		return Anonymous(deviceID)
	}

	userID, ok, err := res.users.ResolveUserID(r.Context(), cookie.Value)
	if err != nil {
		log.Printf("[identity] session lookup failed, continuing anonymous: %v", err)
		return Anonymous(deviceID)
	}
	if !ok {
		return Anonymous(deviceID)
	}

	return Authenticated(userID, deviceID)
}
