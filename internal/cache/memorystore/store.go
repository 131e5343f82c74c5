package memorystore

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/NoahCxrest/media-gateway/internal/cache"
)

// Store implements cache.Store in process memory.
type Store struct {
	items *ttlcache.Cache[string, cache.Entry]
}

// New starts an in-memory store. A capacity of zero means unbounded; when
// bounded, the least recently used entry is evicted first.
func New(capacity uint64) *Store {
	opts := []ttlcache.Option[string, cache.Entry]{
		ttlcache.WithDisableTouchOnHit[string, cache.Entry](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, cache.Entry](capacity))
	}

	items := ttlcache.New(opts...)
	go items.Start()

	return &Store{items: items}
}

// Get retrieves a live entry.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	item := s.items.Get(key)
	if item == nil || item.IsExpired() {
		return cache.Entry{}, false, nil
	}

	entry := item.Value()
	return cache.Entry{
		Payload:  append([]byte(nil), entry.Payload...),
		StoredAt: entry.StoredAt,
	}, true, nil
}

// Set stores payload for ttl.
func (s *Store) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.items.Set(key, cache.Entry{
		Payload:  append([]byte(nil), payload...),
		StoredAt: time.Now().UTC(),
	}, ttl)
	return nil
}

// Len reports how many entries are held, including expired ones not yet
// collected.
func (s *Store) Len() int {
	return s.items.Len()
}

// Close stops the expiry janitor.
func (s *Store) Close() error {
	s.items.Stop()
	return nil
}
