// Package rendezvous exchanges session descriptors and presence markers
// through a shared key-value store. Backends are interchangeable behind the
// Store interface; waiting for a key uses backend notifications when the
// backend has them and bounded polling otherwise.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound means the key does not exist yet. It is the expected
	// outcome of most polls and is never logged.
	ErrNotFound = errors.New("rendezvous: key not found")

	// ErrTimeout means a wait reached its deadline before the key appeared.
	ErrTimeout = errors.New("rendezvous: timed out waiting for key")

	// ErrInvalidKey is returned for keys that could escape the namespace.
	ErrInvalidKey = errors.New("rendezvous: invalid key")
)

// Entry describes one stored key.
type Entry struct {
	Key string `json:"key"`
	// Modified is the last write time. Backends that cannot report it leave
	// it zero.
	Modified time.Time `json:"modified"`
}

// Store is a key-addressed text store.
type Store interface {
	Put(ctx context.Context, key, value string) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Watcher is implemented by backends that can block until a key exists
// instead of being polled.
type Watcher interface {
	Watch(ctx context.Context, key string) (string, error)
}

// Toucher is implemented by backends with a native "refresh write time"
// operation.
type Toucher interface {
	Touch(ctx context.Context, key string) error
}

// PresenceLister is implemented by backends that can filter fresh agents
// server-side.
type PresenceLister interface {
	ActiveAgents(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// ValidateKey rejects empty keys, absolute keys, and keys containing ".."
// or "//".
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\"):
		return fmt.Errorf("%w: key must not start with a slash", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: key must not contain '..'", ErrInvalidKey)
	case strings.Contains(key, "//"):
		return fmt.Errorf("%w: key must not contain '//'", ErrInvalidKey)
	}
	return nil
}
