// Package tokenstore provides the core.TokenStore backends that persist the
// access/refresh credential pair: in-memory, TOML file, Redis, and NATS KV.
package tokenstore

import (
	"context"
	"sync"

	"github.com/book-expert/voiceclone/internal/core"
)

// Memory keeps tokens for the lifetime of the process.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok || value == "" {
		return "", core.ErrTokenNotFound
	}

	return value, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()

	return nil
}
