package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps mirrored histories in Redis as JSON with a TTL.
// A sorted set indexes session keys by last update for List.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long a history survives after its last update.
// Set to 0 for no expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for Redis keys. Default is "visionclaw".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed history mirror.
//
// Example:
//
//	store := NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithTTL(time.Hour),
//	)
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultTTL,
		prefix: "visionclaw",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Load retrieves a history by session key.
func (s *RedisStore) Load(ctx context.Context, sessionKey string) (*History, error) {
	if sessionKey == "" {
		return nil, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.historyKey(sessionKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return &h, nil
}

// Save writes the history and indexes its key in one round-trip.
func (s *RedisStore) Save(ctx context.Context, h *History) error {
	if h == nil {
		return ErrInvalidState
	}
	if h.SessionKey == "" {
		return ErrInvalidID
	}

	h.UpdatedAt = time.Now()
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.historyKey(h.SessionKey), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(h.UpdatedAt.UnixNano()), Member: h.SessionKey})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.indexKey(), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Delete removes a history and its index entry.
func (s *RedisStore) Delete(ctx context.Context, sessionKey string) error {
	if sessionKey == "" {
		return ErrInvalidID
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.historyKey(sessionKey))
	pipe.ZRem(ctx, s.indexKey(), sessionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// List returns indexed session keys newest first. Keys whose history already
// expired are pruned from the index.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}

	live := make([]string, 0, len(keys))
	for _, key := range keys {
		n, err := s.client.Exists(ctx, s.historyKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists failed: %w", err)
		}
		if n == 0 {
			s.client.ZRem(ctx, s.indexKey(), key)
			continue
		}
		live = append(live, key)
	}
	return live, nil
}

func (s *RedisStore) historyKey(sessionKey string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, sessionKey)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:sessions", s.prefix)
}
