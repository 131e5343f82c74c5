package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entry is a cached payload together with the time it was written.
type Entry struct {
	Payload  []byte
	StoredAt time.Time
}

// Age reports how long ago the entry was stored.
func (e Entry) Age() time.Duration {
	if e.StoredAt.IsZero() {
		return 0
	}
	return time.Since(e.StoredAt)
}

// Store is the key-value backend consumed by the read-through helper.
// Get reports (Entry{}, false, nil) on a miss and must never return an entry
// whose TTL has elapsed.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Key joins non-empty segments into a cache key of the form
// "<provider>:<operation>:<params>".
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}

type envelope struct {
	StoredAt time.Time       `json:"stored_at"`
	Payload  json.RawMessage `json:"payload"`
}

// EncodeEnvelope wraps a payload with its write time for stores that keep
// opaque byte values (redis, memcached).
func EncodeEnvelope(payload []byte, storedAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{StoredAt: storedAt.UTC(), Payload: raw})
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, fmt.Errorf("decode envelope: %w", err)
	}

	var payload []byte
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Entry{}, fmt.Errorf("decode envelope payload: %w", err)
	}

	return Entry{Payload: payload, StoredAt: env.StoredAt}, nil
}
