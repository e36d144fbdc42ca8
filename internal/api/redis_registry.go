package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soaringjerry/NormLab/internal/services"
)

// RedisRegistry stores sessions as JSON under "<prefix>:session:<handle>" with a sliding TTL,
// so a restarted server can resume a participant. Requests for one handle are
// serialised only within a process; replicas sharing a registry need sticky routing.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisRegistry)

// WithTTL sets the session lifetime; 0 disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisRegistry) { r.ttl = ttl }
}

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) { r.prefix = prefix }
}

func NewRedisRegistry(client *redis.Client, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{client: client, ttl: 24 * time.Hour, prefix: "normlab"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisRegistryFromURL parses a redis:// URL and checks the connection.
func NewRedisRegistryFromURL(ctx context.Context, url string, opts ...RedisOption) (*RedisRegistry, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisRegistry(client, opts...), nil
}

func (r *RedisRegistry) key(handle string) string {
	return r.prefix + ":session:" + handle
}

func (r *RedisRegistry) Get(ctx context.Context, handle string) (*services.Session, error) {
	data, err := r.client.Get(ctx, r.key(handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var s services.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisRegistry) Put(ctx context.Context, s *services.Session) error {
	if s == nil || s.Handle == "" {
		return errors.New("session handle required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.Handle), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, handle string) error {
	if err := r.client.Del(ctx, r.key(handle)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
