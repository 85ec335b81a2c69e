package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionKeyPrefix = "embercast:session:"

const defaultRedisSessionTimeout = 3 * time.Second

// RedisSessionStore persists sessions in Redis so multiple chat nodes share a
// login. Keys carry a TTL matching the session expiry, which makes
// PurgeExpired a no-op.
type RedisSessionStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisSessionStore wraps an existing Redis client as a SessionStore.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client, timeout: defaultRedisSessionTimeout}
}

type redisSessionRecord struct {
	UserID            string    `json:"userId"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AbsoluteExpiresAt time.Time `json:"absoluteExpiresAt"`
}

func (s *RedisSessionStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save writes the session record under the token digest with a TTL at the
// session expiry.
func (s *RedisSessionStore) Save(tokenHash, userID string, expiresAt, absoluteExpiresAt time.Time) error {
	payload, err := json.Marshal(redisSessionRecord{
		UserID:            userID,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, redisSessionKeyPrefix+tokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get retrieves the session record for the provided token digest.
func (s *RedisSessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()
	payload, err := s.client.Get(ctx, redisSessionKeyPrefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	} else if err != nil {
		return SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	var record redisSessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return SessionRecord{
		TokenHash:         tokenHash,
		UserID:            record.UserID,
		ExpiresAt:         record.ExpiresAt,
		AbsoluteExpiresAt: record.AbsoluteExpiresAt,
	}, true, nil
}

// Delete removes the session token from the store.
func (s *RedisSessionStore) Delete(tokenHash string) error {
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.client.Del(ctx, redisSessionKeyPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis evicts expired session keys itself.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

// Ping verifies the Redis connection backing the store.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
