// Package redis provides a Redis-based implementation of the storage.Storage
// interface. It lets several headless agents share one login: every write is
// announced on a pub/sub channel so peers can reload their token snapshot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/procurement-session-go/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "procurement:session:"
	KeyPrefix string
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
	_ storage.Updater = (*Storage)(nil)
)

// updateAttempts bounds optimistic retries when a peer writes the watched key
// between read and commit.
const updateAttempts = 16

// storedItem represents the structure stored in Redis
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "procurement:session:"
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Get retrieves data for a specific key within the given profile
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Profile, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	out := &storage.Item{
		Data:      item.Data,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}
	// Redis expires keys itself; this covers clock skew between writer and reader.
	if out.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}

	return out, nil
}

// Set stores data for a specific key within the given profile
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Profile, key)

	itemData, redisTTL, err := encodeItem(data, options)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, redisKey, itemData, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	s.announce(ctx)

	return nil
}

// Delete removes data within the given profile
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		redisKey := s.buildKey(options.Profile, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		s.announce(ctx)
		return nil
	}

	pattern := s.buildKey(options.Profile, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	s.announce(ctx)

	return nil
}

// Update applies fn to key inside a WATCH/MULTI transaction, retrying when a
// peer changes the key before the commit.
func (s *Storage) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error), opts ...storage.Option) error {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Profile, key)

	txf := func(tx *redis.Tx) error {
		var cur []byte
		raw, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get key %s: %w", redisKey, err)
		default:
			var item storedItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return fmt.Errorf("failed to unmarshal stored data: %w", err)
			}
			if it := (storage.Item{ExpiresAt: item.ExpiresAt}); !it.IsExpired() {
				cur = item.Data
			}
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		var itemData []byte
		var redisTTL time.Duration
		if next != nil {
			if itemData, redisTTL, err = encodeItem(next, options); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, redisKey)
			} else {
				pipe.Set(ctx, redisKey, itemData, redisTTL)
			}
			return nil
		})
		return err
	}

	for range updateAttempts {
		err := s.client.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		s.announce(ctx)
		return nil
	}
	return fmt.Errorf("failed to update key %s: %w", redisKey, redis.TxFailedErr)
}

// Watch subscribes to the change channel. Every Set or Delete made by any
// Storage sharing the key prefix produces one signal.
func (s *Storage) Watch(ctx context.Context) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, s.eventsChannel())
	// Wait for the subscription to be confirmed so no write is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}

func encodeItem(data []byte, options *storage.Options) ([]byte, time.Duration, error) {
	now := time.Now()
	item := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	itemData, err := json.Marshal(item)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal storage item: %w", err)
	}
	return itemData, redisTTL, nil
}

func (s *Storage) announce(ctx context.Context) {
	// Best effort: a missed announcement only delays peers until their next read.
	_ = s.client.Publish(ctx, s.eventsChannel(), "changed").Err()
}

func (s *Storage) eventsChannel() string {
	return s.keyPrefix + "events"
}

// buildKey constructs the Redis key from profile and key components
func (s *Storage) buildKey(profile, key string) string {
	return s.keyPrefix + "profile:" + profile + ":" + key
}

// scanKeys uses Redis SCAN to find all keys matching a pattern
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		scanKeys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, scanKeys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}
