package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/voiceclone/internal/core"
	goredis "github.com/redis/go-redis/v9"
)

// Redis stores tokens as plain string keys under a common prefix so several
// client processes can share one session.
type Redis struct {
	client *goredis.Client
	prefix string
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client *goredis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.client == nil {
		return "", errors.New("redis client is nil")
	}

	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", core.ErrTokenNotFound
	}

	if err != nil {
		return "", fmt.Errorf("get token %s: %w", key, err)
	}

	if value == "" {
		return "", core.ErrTokenNotFound
	}

	return value, nil
}

// Set stores value under key without expiry; the backend decides token lifetime.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}

	err := r.client.Set(ctx, r.key(key), value, 0).Err()
	if err != nil {
		return fmt.Errorf("set token %s: %w", key, err)
	}

	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}

	err := r.client.Del(ctx, r.key(key)).Err()
	if err != nil {
		return fmt.Errorf("delete token %s: %w", key, err)
	}

	return nil
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}
