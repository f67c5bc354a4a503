// Package core defines the interfaces shared between the voiceclone client,
// its storage backends, and the NATS worker.
package core

import (
	"context"
	"errors"
)

// Fixed storage keys for the credential pair.
const (
	AccessTokenKey  = "access"
	RefreshTokenKey = "refresh"
)

// ErrTokenNotFound is returned by a TokenStore when the key holds no value.
var ErrTokenNotFound = errors.New("token not found")

// TokenStore persists the access/refresh credential pair between runs.
// Implementations must be safe for concurrent use.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Synthesizer turns text into audio bytes using the user's cloned voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
