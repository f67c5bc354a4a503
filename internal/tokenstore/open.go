package tokenstore

import (
	"context"
	"fmt"

	"github.com/book-expert/voiceclone/internal/config"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
)

// Open returns the store selected by cfg.Session.Store. Networked stores
// also return the function that releases their connection; for the others
// it is nil.
func Open(ctx context.Context, cfg *config.Config) (core.TokenStore, func() error, error) {
	switch cfg.Session.Store {
	case config.StoreMemory:
		return NewMemory(), nil, nil
	case config.StoreRedis:
		return openRedis(ctx, cfg.Session)
	case config.StoreNATS:
		return openNATS(cfg.NATS.URL, cfg.Session.KVBucket)
	default:
		return NewFile(cfg.Session.FilePath), nil, nil
	}
}

func openRedis(ctx context.Context, session config.SessionConfig) (core.TokenStore, func() error, error) {
	client := goredis.NewClient(&goredis.Options{Addr: session.RedisAddr})

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", session.RedisAddr, err)
	}

	return NewRedis(client, session.RedisPrefix), client.Close, nil
}

func openNATS(url, bucket string) (core.TokenStore, func() error, error) {
	natsConnection, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := NewNATS(jetstreamContext, bucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, err
	}

	return store, func() error {
		natsConnection.Close()

		return nil
	}, nil
}
