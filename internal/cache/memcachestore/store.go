package memcachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/NoahCxrest/media-gateway/internal/cache"
)

const (
	maxKeyLength = 250
	// "h:" plus a hex SHA-256.
	hashedKeyLength = 2 + 2*sha256.Size
	maxPrefixLength = maxKeyLength - hashedKeyLength
)

// Store implements cache.Store on top of memcached.
type Store struct {
	client *memcache.Client
	prefix string
}

// New creates a memcached store for servers like "localhost:11211". prefix
// must itself be a legal key of at most maxPrefixLength bytes so that hashed
// keys stay legal.
func New(prefix string, servers ...string) (*Store, error) {
	if len(servers) == 0 {
		return nil, errors.New("no memcached servers configured")
	}
	if prefix != "" && (!legalKey(prefix) || len(prefix) > maxPrefixLength) {
		return nil, fmt.Errorf("memcached key prefix %q must be at most %d bytes without spaces or control characters", prefix, maxPrefixLength)
	}
	client := memcache.New(servers...)
	client.Timeout = 600 * time.Millisecond
	return &Store{client: client, prefix: prefix}, nil
}

// Ping checks every configured server.
func (s *Store) Ping(context.Context) error {
	if err := s.client.Ping(); err != nil {
		return fmt.Errorf("memcached ping failed: %w", err)
	}
	return nil
}

// Get retrieves a cached entry if present.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	item, err := s.client.Get(s.storageKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("memcached get %q: %w", key, err)
	}

	entry, err := cache.DecodeEnvelope(item.Value)
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached payload %q: %w", key, err)
	}
	return entry, true, nil
}

// Set stores a cached entry with the provided TTL.
func (s *Store) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	data, err := cache.EncodeEnvelope(payload, time.Now())
	if err != nil {
		return fmt.Errorf("encode cached payload %q: %w", key, err)
	}

	item := &memcache.Item{
		Key:        s.storageKey(key),
		Value:      data,
		Expiration: expirationSeconds(ttl),
	}
	if err := s.client.Set(item); err != nil {
		return fmt.Errorf("memcached set %q: %w", key, err)
	}
	return nil
}

func (s *Store) storageKey(key string) string {
	k := s.prefix + key
	if legalKey(k) {
		return k
	}
	sum := sha256.Sum256([]byte(k))
	return s.prefix + "h:" + hex.EncodeToString(sum[:])
}

// legalKey mirrors memcached's key rules: at most 250 bytes, no whitespace or
// control characters.
func legalKey(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// expirationSeconds rounds ttl up to whole seconds. Values above 30 days are
// interpreted by memcached as unix timestamps, so they are converted to one.
func expirationSeconds(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs > 30*24*60*60 {
		secs += time.Now().Unix()
	}
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(secs)
}
