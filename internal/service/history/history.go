// Package history persists identity-scoped chat transcripts. Authenticated
// users get a single document per user id; anonymous devices get an
// append-only list per device id.
package history

import (
	"context"
	"sync"

	"github.com/ecosense/ecosense/backend/internal/identity"
	"github.com/ecosense/ecosense/backend/internal/model/chat"
)

// UserStore holds one history document per authenticated user. GetChatHistory
// returns (nil, nil) when the user has no history yet; UpdateChatHistory
// replaces the full document.
type UserStore interface {
	GetChatHistory(ctx context.Context, userID int) ([]chat.Message, error)
	UpdateChatHistory(ctx context.Context, userID int, messages []chat.Message) error
}

// DeviceStore holds device-scoped history for anonymous sessions.
type DeviceStore interface {
	GetChatHistory(ctx context.Context, deviceID string) ([]chat.Message, error)
	SaveChatMessage(ctx context.Context, deviceID string, msg chat.Message) error
}

// Adapter dispatches replay and append to the store matching the identity.
// Appends to the same identity key are serialized on a per-key lock: the user
// path is a read-modify-write of the whole document, and without the lock two
// sessions of one user could lose each other's messages.
type Adapter struct {
	users   UserStore
	devices DeviceStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAdapter wires the adapter to its backing stores.
func NewAdapter(users UserStore, devices DeviceStore) *Adapter {
	return &Adapter{
		users:   users,
		devices: devices,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Replay returns the stored history for an identity in insertion order. An
// absent history is an empty slice, never an error.
func (a *Adapter) Replay(ctx context.Context, id identity.Identity) ([]chat.Message, error) {
	var (
		messages []chat.Message
		err      error
	)
	if id.Authenticated {
		messages, err = a.users.GetChatHistory(ctx, id.UserID)
	} else {
		messages, err = a.devices.GetChatHistory(ctx, id.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	return messages, nil
}

// Append persists one message for an identity. The append is atomic with
// respect to other Append calls for the same identity key.
func (a *Adapter) Append(ctx context.Context, id identity.Identity, msg chat.Message) error {
	lock := a.keyLock(id.Key())
	lock.Lock()
	defer lock.Unlock()

	if !id.Authenticated {
		return a.devices.SaveChatMessage(ctx, id.DeviceID, msg)
	}

	messages, err := a.users.GetChatHistory(ctx, id.UserID)
	if err != nil {
		return err
	}
	messages = append(messages, msg)
	return a.users.UpdateChatHistory(ctx, id.UserID, messages)
}

func (a *Adapter) keyLock(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	return lock
}
