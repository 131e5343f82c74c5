package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultWriteTimeout   = 2 * time.Second
	defaultRefreshTimeout = 20 * time.Second
)

var (
	// ErrBackend wraps store failures surfaced when fail-open is disabled.
	ErrBackend = errors.New("cache backend failure")
	// ErrEncode wraps failures to serialize a producer result.
	ErrEncode = errors.New("cache encode failure")
)

// Producer computes the value to cache. It is invoked at most once per Fetch.
type Producer[T any] func(ctx context.Context) (T, error)

// Stats is a snapshot of fetcher counters.
type Stats struct {
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	ProducerErrors uint64 `json:"producerErrors"`
	BackendErrors  uint64 `json:"backendErrors"`
}

// Fetcher memoizes producer results in a Store. A nil *Fetcher, or one built
// around a nil Store, turns Fetch into a plain call of the producer.
type Fetcher struct {
	store          Store
	codec          Codec
	logger         *slog.Logger
	defaultTTL     time.Duration
	failOpen       bool
	singleFlight   bool
	refreshAfter   time.Duration
	refreshTimeout time.Duration
	writeTimeout   time.Duration

	sgroup       singleflight.Group
	refreshGroup singleflight.Group

	hits           atomic.Uint64
	misses         atomic.Uint64
	producerErrors atomic.Uint64
	backendErrors  atomic.Uint64
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithCodec selects the serialization used for stored payloads.
func WithCodec(c Codec) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.codec = c
		}
	}
}

// WithLogger attaches a logger for backend warnings and refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithDefaultTTL sets the TTL used when a call passes ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(f *Fetcher) { f.defaultTTL = d }
}

// WithFailOpen controls whether store errors degrade to a miss (true) or are
// returned to the caller wrapped in ErrBackend (false).
func WithFailOpen(enabled bool) Option {
	return func(f *Fetcher) { f.failOpen = enabled }
}

// WithSingleFlight makes concurrent misses on one key share a single producer
// call. Without it every cold caller runs its own producer.
func WithSingleFlight() Option {
	return func(f *Fetcher) { f.singleFlight = true }
}

// WithRefreshAhead serves hits older than after and rewrites them in the
// background, bounded by timeout.
func WithRefreshAhead(after, timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.refreshAfter = after
		if timeout > 0 {
			f.refreshTimeout = timeout
		}
	}
}

// New builds a Fetcher around store.
func New(store Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:          store,
		codec:          JSONCodec{},
		logger:         slog.New(slog.DiscardHandler),
		failOpen:       true,
		refreshTimeout: defaultRefreshTimeout,
		writeTimeout:   defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enabled reports whether calls go through a store.
func (f *Fetcher) Enabled() bool {
	return f != nil && f.store != nil
}

// Store returns the backing store, or nil.
func (f *Fetcher) Store() Store {
	if f == nil {
		return nil
	}
	return f.store
}

// DefaultTTL returns the TTL applied to calls that do not set one.
func (f *Fetcher) DefaultTTL() time.Duration {
	if f == nil {
		return 0
	}
	return f.defaultTTL
}

// Stats returns a snapshot of the fetcher counters.
func (f *Fetcher) Stats() Stats {
	if f == nil {
		return Stats{}
	}
	return Stats{
		Hits:           f.hits.Load(),
		Misses:         f.misses.Load(),
		ProducerErrors: f.producerErrors.Load(),
		BackendErrors:  f.backendErrors.Load(),
	}
}

// Fetch returns the value cached under key, or runs produce, stores its result
// for ttl and returns it. Producer errors are returned unchanged and never
// cached.
func Fetch[T any](ctx context.Context, f *Fetcher, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	if !f.Enabled() {
		return produce(ctx)
	}
	if ttl <= 0 {
		ttl = f.defaultTTL
	}
	if ttl <= 0 {
		return produce(ctx)
	}

	cached, age, ok, err := lookup[T](ctx, f, key)
	if err != nil {
		var zero T
		return zero, err
	}
	if ok {
		if f.refreshAfter > 0 && age > f.refreshAfter {
			refresh(f, key, ttl, produce)
		}
		return cached, nil
	}

	if !f.singleFlight {
		return fill(ctx, f, key, ttl, produce)
	}

	// The shared producer outlives any single caller; each caller only
	// abandons its own wait.
	ch := f.sgroup.DoChan(key, func() (any, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.refreshTimeout)
		defer cancel()
		return fill(sharedCtx, f, key, ttl, produce)
	})

	var zero T
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Shared {
		f.logger.Debug("shared in-flight producer", slog.String("key", key))
	}
	if res.Err != nil {
		return zero, res.Err
	}
	if res.Val == nil {
		return zero, nil
	}
	v, ok := res.Val.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %q shared between result types %T and %T", key, res.Val, zero)
	}
	return v, nil
}

func lookup[T any](ctx context.Context, f *Fetcher, key string) (T, time.Duration, bool, error) {
	var zero T

	entry, ok, err := f.store.Get(ctx, key)
	if err != nil {
		f.backendErrors.Add(1)
		if !f.failOpen {
			return zero, 0, false, fmt.Errorf("%w: read %q: %w", ErrBackend, key, err)
		}
		f.logger.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		f.misses.Add(1)
		return zero, 0, false, nil
	}
	if !ok {
		f.misses.Add(1)
		return zero, 0, false, nil
	}

	var v T
	if err := f.codec.Unmarshal(entry.Payload, &v); err != nil {
		f.logger.Warn("cached payload undecodable", slog.String("key", key), slog.String("codec", f.codec.Name()), slog.String("error", err.Error()))
		f.misses.Add(1)
		return zero, 0, false, nil
	}

	f.hits.Add(1)
	return v, entry.Age(), true, nil
}

func fill[T any](ctx context.Context, f *Fetcher, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	var zero T

	v, err := produce(ctx)
	if err != nil {
		f.producerErrors.Add(1)
		return zero, err
	}

	if err := write(ctx, f, key, ttl, v); err != nil {
		return zero, err
	}
	return v, nil
}

func write[T any](ctx context.Context, f *Fetcher, key string, ttl time.Duration, v T) error {
	payload, err := f.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrEncode, key, err)
	}

	// The caller may be gone by now; the entry is still worth keeping.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
	defer cancel()

	if err := f.store.Set(ctx, key, payload, ttl); err != nil {
		f.backendErrors.Add(1)
		if !f.failOpen {
			return fmt.Errorf("%w: write %q: %w", ErrBackend, key, err)
		}
		f.logger.Warn("cache store failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return nil
}

func refresh[T any](f *Fetcher, key string, ttl time.Duration, produce Producer[T]) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.refreshTimeout)
		defer cancel()

		_, err, _ := f.refreshGroup.Do(key, func() (any, error) {
			v, err := produce(ctx)
			if err != nil {
				f.producerErrors.Add(1)
				return nil, err
			}
			return nil, write(ctx, f, key, ttl, v)
		})
		if err != nil {
			f.logger.Debug("background refresh failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()
}
