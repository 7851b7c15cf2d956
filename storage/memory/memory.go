// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL support.
// Tokens kept here do not survive a restart; it suits tests and short-lived
// agents that log in on every run.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/procurement-session-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Updater = (*Storage)(nil)
)

// Storage implements the storage.Storage interface using in-memory storage
type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new in-memory storage implementation
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		done:  make(chan struct{}),
	}

	// Start background cleanup of expired items
	go s.cleanupExpired(5 * time.Minute)

	return s, nil
}

// Get retrieves data for a specific key within the given profile
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Profile, key)

	s.mu.RLock()
	item, exists := s.cache.Get(storageKey)
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}

	return item, nil
}

// Set stores data for a specific key within the given profile
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Profile, key)

	item := newItem(data, options)

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	return nil
}

func newItem(data []byte, options *storage.Options) *storage.Item {
	now := time.Now()
	item := &storage.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}
	return item
}

// Delete removes data within the given profile
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Profile, *options.Key))
		return nil
	}

	// LRU has no prefix iteration; profiles hold a handful of keys.
	prefix := profilePrefix(options.Profile)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Update applies fn to key under the write lock.
func (s *Storage) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error), opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Profile, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur []byte
	if item, ok := s.cache.Peek(storageKey); ok && !item.IsExpired() {
		cur = item.Data
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		s.cache.Remove(storageKey)
		return nil
	}
	s.cache.Add(storageKey, newItem(next, options))
	return nil
}

// Close stops the cleanup loop and drops all items.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func profilePrefix(profile string) string {
	return "profile:" + profile + ":"
}

func buildKey(profile, key string) string {
	return profilePrefix(profile) + "key:" + key
}

func (s *Storage) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}
