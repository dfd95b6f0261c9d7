package memoize_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/Huskeys-Internal/aws-log-parser/pkg/cache"
	"github.com/Huskeys-Internal/aws-log-parser/pkg/memoize"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	URL    string
	Suffix string
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingFetch returns a Func that counts its invocations.
func countingFetch(calls *int) memoize.Func[request, []string] {
	return func(_ context.Context, req request) ([]string, error) {
		*calls++
		return []string{req.URL, req.Suffix}, nil
	}
}

// oneShot yields items from a sequence that refuses a second iteration.
func oneShot(calls *int, items ...string) memoize.SeqFunc[request, string] {
	return func(_ context.Context, _ request) iter.Seq2[string, error] {
		*calls++
		used := false
		return func(yield func(string, error) bool) {
			if used {
				yield("", errors.New("sequence already consumed"))
				return
			}
			used = true
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

func TestMemoizer_Call(t *testing.T) {
	ctx := context.Background()

	t.Run("second call is served from the cache", func(t *testing.T) {
		// Arrange
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		calls := 0
		fetch := memoize.Wrap(countingFetch(&calls), store, "test.fetch", zerolog.Nop())
		req := request{URL: "file:///logs", Suffix: ".log"}

		// Act
		first, err := fetch(ctx, req)
		require.NoError(t, err)
		second, err := fetch(ctx, req)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, 1, calls)
		assert.Equal(t, []string{"file:///logs", ".log"}, first)
		assert.Equal(t, first, second)
	})

	t.Run("different arguments are cached separately", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		calls := 0
		fetch := memoize.Wrap(countingFetch(&calls), store, "test.fetch", zerolog.Nop())

		_, err := fetch(ctx, request{URL: "a"})
		require.NoError(t, err)
		_, err = fetch(ctx, request{URL: "b"})
		require.NoError(t, err)
		_, err = fetch(ctx, request{URL: "a"})
		require.NoError(t, err)

		assert.Equal(t, 2, calls)
		assert.Equal(t, 2, store.Len())
	})

	t.Run("different identities do not share entries", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		calls := 0
		a := memoize.New(countingFetch(&calls), store, "one", zerolog.Nop())
		b := memoize.New(countingFetch(&calls), store, "two", zerolog.Nop())
		req := request{URL: "u"}

		assert.NotEqual(t, a.Key(req), b.Key(req))
		_, err := a.Call(ctx, req)
		require.NoError(t, err)
		_, err = b.Call(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("force refresh bypasses and overwrites the entry", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		version := 0
		fetch := memoize.Wrap(func(_ context.Context, _ request) (int, error) {
			version++
			return version, nil
		}, store, "test.version", zerolog.Nop())
		req := request{URL: "u"}

		got, err := fetch(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, got)

		got, err = fetch(ctx, req, memoize.ForceRefresh(true))
		require.NoError(t, err)
		assert.Equal(t, 2, got)

		got, err = fetch(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 2, got, "the forced result replaced the cached one")

		got, err = fetch(ctx, req, memoize.ForceRefresh(false))
		require.NoError(t, err)
		assert.Equal(t, 2, got)
	})

	t.Run("upstream errors propagate and nothing is stored", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		upstreamErr := errors.New("access denied")
		calls := 0
		fetch := memoize.Wrap(func(_ context.Context, _ request) ([]string, error) {
			calls++
			return nil, upstreamErr
		}, store, "test.failing", zerolog.Nop())

		_, err := fetch(ctx, request{URL: "s3://private"})
		assert.Same(t, upstreamErr, err)
		_, err = fetch(ctx, request{URL: "s3://private"})
		assert.ErrorIs(t, err, upstreamErr)

		assert.Equal(t, 2, calls)
		assert.Zero(t, store.Len())
	})

	t.Run("store write failures are reported", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		fetch := memoize.Wrap(func(_ context.Context, _ request) (chan int, error) {
			return make(chan int), nil
		}, store, "test.unencodable", zerolog.Nop())

		_, err := fetch(ctx, request{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "test.unencodable")
	})

	t.Run("store read failures are reported", func(t *testing.T) {
		calls := 0
		fetch := memoize.Wrap(countingFetch(&calls), failingStore{}, "test.fetch", zerolog.Nop())

		_, err := fetch(ctx, request{})
		assert.ErrorIs(t, err, errStoreDown)
		assert.Zero(t, calls)
	})

	t.Run("invalidate forces the next call upstream", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		calls := 0
		m := memoize.New(countingFetch(&calls), store, "test.fetch", zerolog.Nop())
		req := request{URL: "u"}

		_, err := m.Call(ctx, req)
		require.NoError(t, err)
		require.NoError(t, m.Invalidate(ctx, req))
		_, err = m.Call(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, 2, calls)
	})
}

func TestMemoizer_TTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	store, err := cache.NewDiskStore(cache.DiskConfig{Dir: t.TempDir(), TTL: time.Second}, zerolog.Nop(), cache.WithClock(clock.Now))
	require.NoError(t, err)

	calls := 0
	fetch := memoize.Wrap(countingFetch(&calls), store, "test.fetch", zerolog.Nop())
	req := request{URL: "u"}

	_, err = fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "t=0s computes")

	clock.Advance(500 * time.Millisecond)
	_, err = fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "t=0.5s is a hit")

	clock.Advance(time.Second)
	_, err = fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "t=1.5s recomputes")
}

func TestMemoizer_Seq(t *testing.T) {
	ctx := context.Background()

	t.Run("one-shot results can be iterated on every call", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		calls := 0
		lines := memoize.WrapSeq(oneShot(&calls, "a", "b", "c"), store, "test.lines", zerolog.Nop())

		first, err := lines(ctx, request{URL: "u"})
		require.NoError(t, err)
		second, err := lines(ctx, request{URL: "u"})
		require.NoError(t, err)

		want := []string{"a", "b", "c"}
		assert.Equal(t, want, first)
		assert.Equal(t, want, second)

		// Materialized results are plain slices, so re-iteration is safe.
		for range 2 {
			var seen []string
			for _, line := range first {
				seen = append(seen, line)
			}
			assert.Equal(t, want, seen)
		}
		assert.Equal(t, 1, calls)
	})

	t.Run("empty sequences are cached as empty slices", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		calls := 0
		lines := memoize.WrapSeq(oneShot(&calls), store, "test.lines", zerolog.Nop())

		got, err := lines(ctx, request{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)

		got, err = lines(ctx, request{})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 1, calls)
	})

	t.Run("errors mid-sequence are not cached", func(t *testing.T) {
		store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
		readErr := errors.New("connection reset")
		lines := memoize.WrapSeq(func(_ context.Context, _ request) iter.Seq2[string, error] {
			return func(yield func(string, error) bool) {
				if !yield("partial", nil) {
					return
				}
				yield("", readErr)
			}
		}, store, "test.lines", zerolog.Nop())

		_, err := lines(ctx, request{})
		assert.ErrorIs(t, err, readErr)
		assert.Zero(t, store.Len())
	})
}

func TestCollect(t *testing.T) {
	calls := 0
	items, err := memoize.Collect(oneShot(&calls, "x", "y")(context.Background(), request{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, items)
}

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) Get(context.Context, cache.Key, any) (bool, error) { return false, errStoreDown }
func (failingStore) Set(context.Context, cache.Key, any) error         { return errStoreDown }
func (failingStore) Delete(context.Context, cache.Key) error           { return errStoreDown }
func (failingStore) Clear(context.Context) error                       { return errStoreDown }
func (failingStore) ClearExpired(context.Context) (int, error)         { return 0, errStoreDown }

func TestMemoizer_JSONShapes(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
	calls := 0
	fetch := memoize.Wrap(func(_ context.Context, _ request) (map[string]any, error) {
		calls++
		return map[string]any{"n": 1, "tags": []string{"a"}}, nil
	}, store, "test.shapes", zerolog.Nop())

	live, err := fetch(ctx, request{})
	require.NoError(t, err)
	assert.Equal(t, 1, live["n"])
	assert.Equal(t, []string{"a"}, live["tags"])

	cached, err := fetch(ctx, request{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, float64(1), cached["n"], "interface-typed numbers decode as float64")
	assert.Equal(t, []any{"a"}, cached["tags"])
}

func TestMemoizer_ConcreteTypesSurvive(t *testing.T) {
	type summary struct {
		Count int
		When  time.Time
	}
	ctx := context.Background()
	store := cache.NewMemoryStore(time.Hour, zerolog.Nop())
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fetch := memoize.Wrap(func(_ context.Context, _ request) (summary, error) {
		return summary{Count: 3, When: when}, nil
	}, store, "test.summary", zerolog.Nop())

	_, err := fetch(ctx, request{})
	require.NoError(t, err)
	cached, err := fetch(ctx, request{})
	require.NoError(t, err)
	assert.Equal(t, 3, cached.Count)
	assert.True(t, when.Equal(cached.When))
}
