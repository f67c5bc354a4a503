package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/voiceclone/internal/core"
	"github.com/pelletier/go-toml/v2"
)

const (
	filePermissions = 0o600
	dirPermissions  = 0o700
)

// File persists tokens in a small TOML document readable only by the owner.
// Every call reads the file again so that separate processes observe each
// other's writes.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a store backed by path. The file is created on first write.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Get returns the value stored under key.
func (f *File) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return "", err
	}

	value := values[key]
	if value == "" {
		return "", core.ErrTokenNotFound
	}

	return value, nil
}

// Set stores value under key.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return err
	}

	values[key] = value

	return f.write(values)
}

// Delete removes key. When no keys remain the file itself is removed.
func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return err
	}

	if _, ok := values[key]; !ok {
		return nil
	}

	delete(values, key)

	if len(values) == 0 {
		removeErr := os.Remove(f.path)
		if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove token file %s: %w", f.path, removeErr)
		}

		return nil
	}

	return f.write(values)
}

func (f *File) read() (map[string]string, error) {
	values := make(map[string]string)

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read token file %s: %w", f.path, err)
	}

	err = toml.Unmarshal(data, &values)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", f.path, err)
	}

	return values, nil
}

func (f *File) write(values map[string]string) error {
	data, err := toml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(f.path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp := f.path + ".tmp"

	err = os.WriteFile(tmp, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write token file %s: %w", tmp, err)
	}

	err = os.Rename(tmp, f.path)
	if err != nil {
		return fmt.Errorf("failed to replace token file %s: %w", f.path, err)
	}

	return nil
}
