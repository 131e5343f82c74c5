package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NoahCxrest/media-gateway/internal/cache"
)

const defaultOpTimeout = 600 * time.Millisecond

// Store implements cache.Store backed by Redis.
type Store struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// New constructs a Redis-backed cache store and verifies connectivity.
func New(rawURL, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	s := NewWithClient(redis.NewClient(opts), prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}

	return s, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, opTimeout: defaultOpTimeout}
}

// Client returns the underlying redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close terminates the underlying Redis client connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Get retrieves a cached entry if present.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	entry, err := cache.DecodeEnvelope(data)
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached payload %q: %w", key, err)
	}

	return entry, true, nil
}

// Set stores a cached entry with the provided TTL.
func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	data, err := cache.EncodeEnvelope(payload, time.Now())
	if err != nil {
		return fmt.Errorf("encode cached payload %q: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}

	return nil
}
