package agentqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces agent lists in Redis.
const DefaultKeyPrefix = "agentqueue:"

// Redis stores each agent's ids in a Redis list (RPUSH / LPOP).
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Queue = (*Redis)(nil)

// RedisOption configures a Redis agent queue.
type RedisOption func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect parses a redis:// URL, pings the server and returns a queue on it.
func Connect(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	if url == "" {
		return nil, errors.New("agentqueue: empty redis URL")
	}
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("agentqueue: parse redis URL: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("agentqueue: ping redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// Client returns the underlying Redis client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Push(ctx context.Context, key, jobID string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return r.client.RPush(ctx, r.key(key), jobID).Err()
}

func (r *Redis) Pop(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	id, err := r.client.LPop(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (r *Redis) Len(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, r.key(key)).Result()
}

func (r *Redis) Remove(ctx context.Context, key, jobID string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return r.client.LRem(ctx, r.key(key), 0, jobID).Err()
}

func (r *Redis) key(agentKey string) string {
	return r.prefix + agentKey
}
