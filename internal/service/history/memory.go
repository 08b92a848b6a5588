package history

import (
	"context"
	"sync"

	"github.com/ecosense/ecosense/backend/internal/model/chat"
)

// MemoryUserStore keeps user history documents in process memory. Default when
// no database is configured.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[int][]chat.Message
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[int][]chat.Message)}
}

// GetChatHistory implements UserStore.
func (s *MemoryUserStore) GetChatHistory(_ context.Context, userID int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return copyMessages(messages), nil
}

// UpdateChatHistory implements UserStore.
func (s *MemoryUserStore) UpdateChatHistory(_ context.Context, userID int, messages []chat.Message) error {
	s.mu.Lock()
	s.users[userID] = copyMessages(messages)
	s.mu.Unlock()
	return nil
}

// MemoryDeviceStore keeps device-scoped histories in process memory.
type MemoryDeviceStore struct {
	mu      sync.RWMutex
	devices map[string][]chat.Message
}

// NewMemoryDeviceStore creates an empty in-memory device store.
func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[string][]chat.Message)}
}

// GetChatHistory implements DeviceStore.
func (s *MemoryDeviceStore) GetChatHistory(_ context.Context, deviceID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.devices[deviceID]), nil
}

// SaveChatMessage implements DeviceStore.
func (s *MemoryDeviceStore) SaveChatMessage(_ context.Context, deviceID string, msg chat.Message) error {
	s.mu.Lock()
	s.devices[deviceID] = append(s.devices[deviceID], msg)
	s.mu.Unlock()
	return nil
}

func copyMessages(messages []chat.Message) []chat.Message {
	if messages == nil {
		return nil
	}
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied
}
