package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/voiceclone/internal/core"
	"github.com/nats-io/nats.go"
)

// NATS keeps tokens in a JetStream key-value bucket.
type NATS struct {
	kv     nats.KeyValue
	bucket string
}

// NewNATS binds to bucketName, creating it when it does not exist yet.
func NewNATS(jetstreamContext nats.JetStreamContext, bucketName string) (*NATS, error) {
	kv, err := jetstreamContext.KeyValue(bucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucketName,
			Description: "voiceclone credential pair",
			History:     1,
			Storage:     nats.FileStorage,
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket '%s': %w", bucketName, err)
	}

	return &NATS{kv: kv, bucket: bucketName}, nil
}

// Get returns the value stored under key.
func (n *NATS) Get(_ context.Context, key string) (string, error) {
	entry, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", core.ErrTokenNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to get key '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	if len(entry.Value()) == 0 {
		return "", core.ErrTokenNotFound
	}

	return string(entry.Value()), nil
}

// Set stores value under key.
func (n *NATS) Set(_ context.Context, key, value string) error {
	_, err := n.kv.PutString(key, value)
	if err != nil {
		return fmt.Errorf("failed to put key '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Delete removes key.
func (n *NATS) Delete(_ context.Context, key string) error {
	err := n.kv.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
