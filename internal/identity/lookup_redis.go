package identity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sidKeyPrefix = "sid:"

// RedisLookup resolves session tokens against a redis instance shared with the
// login flow. Keys are "sid:<token>" holding the user id; TTL is refreshed on
// every successful read so active sessions stay alive.
type RedisLookup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLookup creates a redis-backed token lookup with the given TTL.
func NewRedisLookup(client *redis.Client, ttl time.Duration) *RedisLookup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLookup{client: client, ttl: ttl}
}

// Issue mints a token for userID and stores it with the configured TTL.
func (l *RedisLookup) Issue(ctx context.Context, userID int) (string, error) {
	token := uuid.NewString()
	if err := l.client.Set(ctx, sidKeyPrefix+token, userID, l.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session token: %w", err)
	}
	return token, nil
}

// Revoke deletes a token.
func (l *RedisLookup) Revoke(ctx context.Context, token string) error {
	return l.client.Del(ctx, sidKeyPrefix+token).Err()
}

// ResolveUserID implements UserLookup.
func (l *RedisLookup) ResolveUserID(ctx context.Context, token string) (int, bool, error) {
	val, err := l.client.Get(ctx, sidKeyPrefix+token).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("session lookup: %w", err)
	}

	userID, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("malformed session entry for token: %w", err)
	}

	// Refresh TTL on read; failure here is not fatal.
	_ = l.client.Expire(ctx, sidKeyPrefix+token, l.ttl).Err()

	return userID, true, nil
}
