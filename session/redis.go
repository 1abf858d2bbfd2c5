package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/taskmesh/core"
)

// DefaultKeyPrefix namespaces session keys in Redis.
const DefaultKeyPrefix = "taskmesh:session:"

// RedisConfig describes the Redis connection of a RedisStore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix is prepended to session ids (default: "taskmesh:session:").
	Prefix string
	// TTL expires idle histories. Zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps histories as JSON strings under <prefix><id>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, &core.ValidationError{Field: "address", Message: "redis address must not be empty"}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key of id.
func (s *RedisStore) Key(id string) string { return s.prefix + id }

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) ([]core.Message, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	raw, err := s.client.Get(ctx, s.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []core.Message{}, nil
	}
	if err != nil {
		return nil, core.NewTransientError("redis get", err)
	}

	var msgs []core.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return msgs, nil
}

// Save implements Store. Every save refreshes the TTL.
func (s *RedisStore) Save(ctx context.Context, id string, msgs []core.Message) error {
	if id == "" {
		return ErrEmptyID
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.Key(id), raw, s.ttl).Err(); err != nil {
		return core.NewTransientError("redis set", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := s.client.Del(ctx, s.Key(id)).Err(); err != nil {
		return core.NewTransientError("redis del", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
