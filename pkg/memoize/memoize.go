// Package memoize wraps expensive operations, typically log fetches, so that
// repeated calls with identical arguments are served from a cache.Store.
package memoize

import (
	"context"
	"fmt"
	"iter"

	"github.com/Huskeys-Internal/aws-log-parser/pkg/cache"
	"github.com/rs/zerolog"
)

// Func is an operation whose results can be memoized. A struct argument
// contributes its exported fields to the cache key as keyword arguments.
//
// Results are stored as JSON, so V must survive an encoding/json round trip.
// On a hit, values held in interface-typed parts of V come back in their JSON
// shapes: numbers as float64, arrays as []any and objects as map[string]any.
// Use concrete types for V when the caller relies on the live types.
type Func[A any, V any] func(ctx context.Context, args A) (V, error)

// SeqFunc is an operation that yields its results lazily. The sequence is
// expected to be consumable only once.
type SeqFunc[A any, T any] func(ctx context.Context, args A) iter.Seq2[T, error]

// Memoized has the signature of the wrapped Func plus call options, which are
// never forwarded to the wrapped operation.
type Memoized[A any, V any] func(ctx context.Context, args A, opts ...CallOption) (V, error)

type callOptions struct {
	forceRefresh bool
}

// CallOption controls a single memoized call.
type CallOption func(*callOptions)

// ForceRefresh skips the cache lookup, always invokes the wrapped operation
// and overwrites the stored entry with its result.
func ForceRefresh(force bool) CallOption {
	return func(o *callOptions) { o.forceRefresh = force }
}

// Memoizer binds an operation to a store under a stable identity.
type Memoizer[A any, V any] struct {
	fn       Func[A, V]
	store    cache.Store
	identity string
	logger   zerolog.Logger
}

// New creates a Memoizer. The identity must be unique per distinct operation
// sharing the store, or their keys may collide.
func New[A any, V any](fn Func[A, V], store cache.Store, identity string, logger zerolog.Logger) *Memoizer[A, V] {
	return &Memoizer[A, V]{
		fn:       fn,
		store:    store,
		identity: identity,
		logger:   logger.With().Str("component", "Memoizer").Str("identity", identity).Logger(),
	}
}

// NewSeq creates a Memoizer for a lazily producing operation. The sequence is
// drained into a slice before it is stored or returned, so both the cached and
// the live result can be iterated any number of times.
func NewSeq[A any, T any](fn SeqFunc[A, T], store cache.Store, identity string, logger zerolog.Logger) *Memoizer[A, []T] {
	return New[A, []T](func(ctx context.Context, args A) ([]T, error) {
		return Collect(fn(ctx, args))
	}, store, identity, logger)
}

// Wrap returns fn memoized through store. Cached results are decoded from
// JSON into V, as described on Func.
func Wrap[A any, V any](fn Func[A, V], store cache.Store, identity string, logger zerolog.Logger) Memoized[A, V] {
	return New(fn, store, identity, logger).Call
}

// WrapSeq returns fn memoized through store, materialized as a slice.
func WrapSeq[A any, T any](fn SeqFunc[A, T], store cache.Store, identity string, logger zerolog.Logger) Memoized[A, []T] {
	return NewSeq(fn, store, identity, logger).Call
}

// Key returns the cache key used for args.
func (m *Memoizer[A, V]) Key(args A) cache.Key {
	return cache.KeyFromArgs(m.identity, args)
}

// Call returns the cached result for args when one is valid, and otherwise
// invokes the wrapped operation and stores its result. Errors from the wrapped
// operation are returned unchanged and nothing is stored for them.
func (m *Memoizer[A, V]) Call(ctx context.Context, args A, opts ...CallOption) (V, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	var zero V
	key := m.Key(args)

	if !co.forceRefresh {
		var cached V
		found, err := m.store.Get(ctx, key, &cached)
		if err != nil {
			return zero, fmt.Errorf("failed to read cache for %s: %w", m.identity, err)
		}
		if found {
			m.logger.Debug().Str("key", key.String()).Msg("Using cached data.")
			return cached, nil
		}
	}

	value, err := m.fn(ctx, args)
	if err != nil {
		return zero, err
	}

	if err := m.store.Set(ctx, key, value); err != nil {
		return zero, fmt.Errorf("failed to cache result of %s: %w", m.identity, err)
	}
	m.logger.Debug().Str("key", key.String()).Bool("forced", co.forceRefresh).Msg("Cached fresh result.")
	return value, nil
}

// Invalidate removes the cached result for args.
func (m *Memoizer[A, V]) Invalidate(ctx context.Context, args A) error {
	return m.store.Delete(ctx, m.Key(args))
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	items := make([]T, 0)
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
