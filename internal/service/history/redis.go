package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecosense/ecosense/backend/internal/model/chat"
)

const deviceKeyPrefix = "chat:device:"

// RedisDeviceStore keeps device-scoped histories as redis lists, one JSON
// message per element, so anonymous history survives gateway restarts. Keys
// expire after ttl of inactivity.
type RedisDeviceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeviceStore creates a device store over an existing redis client.
func NewRedisDeviceStore(client *redis.Client, ttl time.Duration) *RedisDeviceStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeviceStore{client: client, ttl: ttl}
}

// GetChatHistory implements DeviceStore.
func (s *RedisDeviceStore) GetChatHistory(ctx context.Context, deviceID string) ([]chat.Message, error) {
	key := deviceKeyPrefix + deviceID
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read device history %s: %w", deviceID, err)
	}

	messages := make([]chat.Message, 0, len(raw))
	for _, item := range raw {
		var msg chat.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode device history %s: %w", deviceID, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SaveChatMessage implements DeviceStore.
func (s *RedisDeviceStore) SaveChatMessage(ctx context.Context, deviceID string, msg chat.Message) error {
	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode device message: %w", err)
	}

	key := deviceKeyPrefix + deviceID
	if err := s.client.RPush(ctx, key, val).Err(); err != nil {
		return fmt.Errorf("append device history %s: %w", deviceID, err)
	}
	// Refresh expiry on write; a failed refresh is not fatal.
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return nil
}
