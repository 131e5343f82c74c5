package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	entry     Entry
	expiresAt time.Time
}

// fakeStore is an in-memory Store driven by a manual clock.
type fakeStore struct {
	mu       sync.Mutex
	now      time.Time
	items    map[string]fakeItem
	getErr   error
	setErr   error
	getCalls int
	setCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{now: time.Now(), items: make(map[string]fakeItem)}
}

func (s *fakeStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *fakeStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return Entry{}, false, s.getErr
	}
	it, ok := s.items[key]
	if !ok || !s.now.Before(it.expiresAt) {
		return Entry{}, false, nil
	}
	return it.entry, true, nil
}

func (s *fakeStore) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	s.items[key] = fakeItem{
		entry:     Entry{Payload: append([]byte(nil), payload...), StoredAt: time.Now()},
		expiresAt: s.now.Add(ttl),
	}
	return nil
}

func (s *fakeStore) put(key string, payload []byte, storedAt time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = fakeItem{
		entry:     Entry{Payload: payload, StoredAt: storedAt},
		expiresAt: s.now.Add(ttl),
	}
}

func (s *fakeStore) payload(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key].entry.Payload
}

func (s *fakeStore) ttlLeft(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key].expiresAt.Sub(s.now)
}

func (s *fakeStore) sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

type demoValue struct {
	Value int `json:"value" msgpack:"value"`
}

// changingProducer returns 42 on the first call and 99 afterwards.
func changingProducer(calls *atomic.Int32) Producer[demoValue] {
	return func(context.Context) (demoValue, error) {
		if calls.Add(1) == 1 {
			return demoValue{Value: 42}, nil
		}
		return demoValue{Value: 99}, nil
	}
}

func TestFetchWithoutStoreIsPassThrough(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream down")

	for _, f := range []*Fetcher{nil, New(nil)} {
		var calls atomic.Int32
		got, err := Fetch(ctx, f, "k", time.Minute, changingProducer(&calls))
		require.NoError(t, err)
		assert.Equal(t, demoValue{Value: 42}, got)

		got, err = Fetch(ctx, f, "k", time.Minute, changingProducer(&calls))
		require.NoError(t, err)
		assert.Equal(t, demoValue{Value: 99}, got, "no store means no memoization")

		_, err = Fetch(ctx, f, "k", time.Minute, func(context.Context) (demoValue, error) {
			return demoValue{}, boom
		})
		assert.ErrorIs(t, err, boom)
	}
}

func TestFetchHitSkipsProducer(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	f := New(store)

	var calls atomic.Int32
	first, err := Fetch(ctx, f, "demo:1", time.Minute, changingProducer(&calls))
	require.NoError(t, err)
	second, err := Fetch(ctx, f, "demo:1", time.Minute, changingProducer(&calls))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, f.Stats())
}

func TestFetchExpiryReinvokesProducer(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	f := New(store)

	var calls atomic.Int32
	_, err := Fetch(ctx, f, "demo:ttl", 5*time.Second, changingProducer(&calls))
	require.NoError(t, err)

	store.advance(6 * time.Second)

	got, err := Fetch(ctx, f, "demo:ttl", 5*time.Second, changingProducer(&calls))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, demoValue{Value: 99}, got)
}

func TestFetchDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	f := New(store)
	boom := errors.New("scrape failed")

	var calls atomic.Int32
	produce := func(context.Context) (demoValue, error) {
		if calls.Add(1) == 1 {
			return demoValue{}, boom
		}
		return demoValue{Value: 7}, nil
	}

	_, err := Fetch(ctx, f, "demo:fail", time.Minute, produce)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.setCalls)

	got, err := Fetch(ctx, f, "demo:fail", time.Minute, produce)
	require.NoError(t, err)
	assert.Equal(t, demoValue{Value: 7}, got)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(1), f.Stats().ProducerErrors)
}

func TestFetchBackendErrors(t *testing.T) {
	ctx := context.Background()
	down := errors.New("connection refused")

	t.Run("read fails open", func(t *testing.T) {
		store := newFakeStore()
		store.getErr = down
		f := New(store)

		got, err := Fetch(ctx, f, "demo:open", time.Minute, func(context.Context) (demoValue, error) {
			return demoValue{Value: 1}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, demoValue{Value: 1}, got)
		assert.Equal(t, uint64(1), f.Stats().BackendErrors)
	})

	t.Run("write fails open", func(t *testing.T) {
		store := newFakeStore()
		store.setErr = down
		f := New(store)

		got, err := Fetch(ctx, f, "demo:open", time.Minute, func(context.Context) (demoValue, error) {
			return demoValue{Value: 2}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, demoValue{Value: 2}, got)
	})

	t.Run("read fails closed", func(t *testing.T) {
		store := newFakeStore()
		store.getErr = down
		f := New(store, WithFailOpen(false))

		var calls atomic.Int32
		_, err := Fetch(ctx, f, "demo:closed", time.Minute, changingProducer(&calls))
		require.ErrorIs(t, err, ErrBackend)
		assert.ErrorIs(t, err, down)
		assert.Zero(t, calls.Load())
	})

	t.Run("write fails closed", func(t *testing.T) {
		store := newFakeStore()
		store.setErr = down
		f := New(store, WithFailOpen(false))

		var calls atomic.Int32
		_, err := Fetch(ctx, f, "demo:closed", time.Minute, changingProducer(&calls))
		require.ErrorIs(t, err, ErrBackend)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestFetchEncodeFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	f := New(store)

	_, err := Fetch(context.Background(), f, "demo:chan", time.Minute, func(context.Context) (chan int, error) {
		return make(chan int), nil
	})
	require.ErrorIs(t, err, ErrEncode)
	assert.Equal(t, 0, store.setCalls)
}

func TestFetchUndecodableEntryIsMiss(t *testing.T) {
	store := newFakeStore()
	store.put("demo:bad", []byte("not json"), time.Now(), time.Minute)
	f := New(store)

	got, err := Fetch(context.Background(), f, "demo:bad", time.Minute, func(context.Context) (demoValue, error) {
		return demoValue{Value: 5}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, demoValue{Value: 5}, got)
	assert.JSONEq(t, `{"value":5}`, string(store.payload("demo:bad")))
}

func TestFetchTTLFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("default ttl applies", func(t *testing.T) {
		store := newFakeStore()
		f := New(store, WithDefaultTTL(time.Minute))
		var calls atomic.Int32
		_, _ = Fetch(ctx, f, "demo:default", 0, changingProducer(&calls))
		_, _ = Fetch(ctx, f, "demo:default", 0, changingProducer(&calls))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("no ttl at all bypasses the store", func(t *testing.T) {
		store := newFakeStore()
		f := New(store)
		var calls atomic.Int32
		_, _ = Fetch(ctx, f, "demo:none", 0, changingProducer(&calls))
		_, _ = Fetch(ctx, f, "demo:none", 0, changingProducer(&calls))
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 0, store.getCalls)
	})
}

func TestFetchChangingUpstreamScenario(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	f := New(store)

	var calls atomic.Int32
	produce := changingProducer(&calls)

	first, err := Fetch(ctx, f, "demo:42", 5*time.Second, produce)
	require.NoError(t, err)
	store.advance(time.Second)
	second, err := Fetch(ctx, f, "demo:42", 5*time.Second, produce)
	require.NoError(t, err)
	store.advance(6 * time.Second)
	third, err := Fetch(ctx, f, "demo:42", 5*time.Second, produce)
	require.NoError(t, err)

	assert.Equal(t, demoValue{Value: 42}, first)
	assert.Equal(t, demoValue{Value: 42}, second)
	assert.Equal(t, demoValue{Value: 99}, third)
}

func TestFetchConcurrentMisses(t *testing.T) {
	const callers = 8

	run := func(f *Fetcher) int32 {
		var calls atomic.Int32
		release := make(chan struct{})
		produce := func(context.Context) (demoValue, error) {
			calls.Add(1)
			<-release
			return demoValue{Value: 3}, nil
		}

		var wg sync.WaitGroup
		results := make([]demoValue, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := Fetch(context.Background(), f, "demo:race", time.Minute, produce)
				assert.NoError(t, err)
				results[i] = v
			}()
		}

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		for _, v := range results {
			assert.Equal(t, demoValue{Value: 3}, v)
		}
		return calls.Load()
	}

	t.Run("without single flight every caller produces", func(t *testing.T) {
		assert.Equal(t, int32(callers), run(New(newFakeStore())))
	})

	t.Run("single flight collapses callers", func(t *testing.T) {
		assert.Equal(t, int32(1), run(New(newFakeStore(), WithSingleFlight())))
	})
}

func TestFetchRefreshAhead(t *testing.T) {
	store := newFakeStore()
	store.put("demo:old", []byte(`{"value":1}`), time.Now().Add(-time.Hour), 2*time.Hour)
	f := New(store, WithRefreshAhead(time.Minute, time.Second))

	got, err := Fetch(context.Background(), f, "demo:old", 2*time.Hour, func(context.Context) (demoValue, error) {
		return demoValue{Value: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, demoValue{Value: 1}, got, "stale-but-live entry is served")

	assert.Eventually(t, func() bool {
		return string(store.payload("demo:old")) == `{"value":2}`
	}, time.Second, 10*time.Millisecond)
}

func TestFetchRefreshAheadUsesCallerTTL(t *testing.T) {
	store := newFakeStore()
	store.put("demo:old", []byte(`{"value":1}`), time.Now().Add(-time.Hour), time.Hour)
	f := New(store, WithRefreshAhead(time.Minute, time.Second))

	_, err := Fetch(context.Background(), f, "demo:old", 3*time.Hour, func(context.Context) (demoValue, error) {
		return demoValue{Value: 2}, nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return store.sets() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3*time.Hour, store.ttlLeft("demo:old"))
}

func TestFetchRefreshAheadFailureKeepsEntry(t *testing.T) {
	store := newFakeStore()
	store.put("demo:old", []byte(`{"value":1}`), time.Now().Add(-time.Hour), 2*time.Hour)
	f := New(store, WithRefreshAhead(time.Minute, time.Second))

	got, err := Fetch(context.Background(), f, "demo:old", 2*time.Hour, func(context.Context) (demoValue, error) {
		return demoValue{}, errors.New("upstream down")
	})
	require.NoError(t, err)
	assert.Equal(t, demoValue{Value: 1}, got)

	assert.Eventually(t, func() bool { return f.Stats().ProducerErrors == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, store.sets())
	assert.Equal(t, `{"value":1}`, string(store.payload("demo:old")))
	assert.Equal(t, 2*time.Hour, store.ttlLeft("demo:old"))

	again, err := Fetch(context.Background(), f, "demo:old", 2*time.Hour, changingProducer(new(atomic.Int32)))
	require.NoError(t, err)
	assert.Equal(t, demoValue{Value: 1}, again)
}

func TestFetchSingleFlightSurvivesLeaderCancel(t *testing.T) {
	f := New(newFakeStore(), WithSingleFlight())

	var calls atomic.Int32
	produce := func(ctx context.Context) (demoValue, error) {
		calls.Add(1)
		select {
		case <-time.After(200 * time.Millisecond):
			return demoValue{Value: 7}, nil
		case <-ctx.Done():
			return demoValue{}, ctx.Err()
		}
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := Fetch(leaderCtx, f, "demo:shared", time.Minute, produce)
		leaderErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	type outcome struct {
		v   demoValue
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		v, err := Fetch(context.Background(), f, "demo:shared", time.Minute, produce)
		follower <- outcome{v, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, demoValue{Value: 7}, got.v)
	assert.Equal(t, int32(1), calls.Load())

	cached, err := Fetch(context.Background(), f, "demo:shared", time.Minute, produce)
	require.NoError(t, err)
	assert.Equal(t, demoValue{Value: 7}, cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchMsgpackCodec(t *testing.T) {
	store := newFakeStore()
	f := New(store, WithCodec(MsgpackCodec{}))

	var calls atomic.Int32
	first, err := Fetch(context.Background(), f, "demo:mp", time.Minute, changingProducer(&calls))
	require.NoError(t, err)
	second, err := Fetch(context.Background(), f, "demo:mp", time.Minute, changingProducer(&calls))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

type timedValue struct {
	At    time.Time        `json:"at" msgpack:"at"`
	Items []map[string]any `json:"items" msgpack:"items"`
}

func TestFetchMsgpackKeepsJSONShape(t *testing.T) {
	local := time.Local
	time.Local = time.FixedZone("JST", 9*60*60)
	t.Cleanup(func() { time.Local = local })

	store := newFakeStore()
	f := New(store, WithCodec(MsgpackCodec{}))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	produce := func(context.Context) (timedValue, error) {
		return timedValue{At: at, Items: []map[string]any{{"title": "Frieren", "seen": at, "n": 1.5}}}, nil
	}

	miss, err := Fetch(context.Background(), f, "demo:time", time.Minute, produce)
	require.NoError(t, err)
	hit, err := Fetch(context.Background(), f, "demo:time", time.Minute, produce)
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.Stats().Hits)

	missJSON, err := json.Marshal(miss)
	require.NoError(t, err)
	hitJSON, err := json.Marshal(hit)
	require.NoError(t, err)
	assert.JSONEq(t, string(missJSON), string(hitJSON))
	assert.Equal(t, time.UTC, hit.At.Location())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "zoro:search:q=one+piece", Key("zoro", "search", "q=one+piece"))
	assert.Equal(t, "zoro:trending", Key("zoro", "trending", ""))
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("gob")
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := EncodeEnvelope([]byte{0x81, 0xa5, 0x00}, at)
	require.NoError(t, err)

	entry, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0xa5, 0x00}, entry.Payload)
	assert.True(t, at.Equal(entry.StoredAt))
}
