// Package storage provides the durable key/value layer the token custodian
// persists credentials into.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for profile-scoped data storage
type Storage interface {
	// Get retrieves data for a specific key within the given profile
	// Returns nil Item if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a specific key within the given profile
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given profile
	// If no key specified via WithKey, removes the entire profile
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources
	Close() error
}

// Watcher is implemented by backends that can report writes made outside of
// this process (another CLI instance logging out, for example). Each receive
// on the returned channel means "re-read what you care about"; the channel is
// closed when ctx is done or the backend is closed.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Updater is implemented by backends that can read, modify and write one key
// as a single step, atomic across every process sharing the backend. fn gets
// the current data (nil when absent or expired) and returns the replacement;
// nil deletes the key. An error from fn aborts the update and is returned as
// is. fn may run more than once if the backend retries on contention.
type Updater interface {
	Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error), opts ...Option) error
}

// Item represents a stored piece of data with metadata
type Item struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Profile string         // Optional: profile namespace ("" = default profile)
	Key     *string        // Optional: specific key (for Delete operations)
	TTL     *time.Duration // Optional: time-to-live for the data
}

// DefaultProfile is the namespace used when no profile is given.
const DefaultProfile = "default"

// Apply folds opts into a fresh Options value. Backends call this at the top
// of every operation.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.Profile == "" {
		o.Profile = DefaultProfile
	}
	return o
}

// WithProfile scopes an operation to a named profile so that several
// accounts can share one backend.
func WithProfile(name string) Option {
	return func(opts *Options) {
		opts.Profile = name
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire profile
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Error types
var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: closed")
)
