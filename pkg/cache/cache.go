// Package cache provides TTL-expiring stores for memoized log-fetch results.
//
// Every store addresses entries purely by Key and encodes payloads with the
// versioned envelope in codec.go, so a cache directory, a Redis database or a
// GCS bucket written by one store can be read by another.
package cache

import (
	"context"
	"time"
)

// DefaultTTL applies when a store is configured without a TTL.
const DefaultTTL = 3600 * time.Second

// Store is the contract shared by all cache backends.
type Store interface {
	// Get decodes the entry for key into out, which must be a non-nil pointer.
	// A missing, expired or undecodable entry reports found=false with a nil
	// error. Errors are reserved for storage failures other than not-found.
	Get(ctx context.Context, key Key, out any) (found bool, err error)
	// Set persists value under key, replacing any previous entry and stamping
	// the write time as now.
	Set(ctx context.Context, key Key, value any) error
	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error
	// Clear removes every entry unconditionally.
	Clear(ctx context.Context) error
	// ClearExpired removes only entries older than the TTL and reports how many
	// were removed.
	ClearExpired(ctx context.Context) (int, error)
}

// Clock returns the current time. Stores accept one so expiry can be tested
// without sleeping.
type Clock func() time.Time

type options struct {
	now Clock
}

// Option customizes a store constructor.
type Option func(*options)

// WithClock replaces time.Now as the source of write and query times.
func WithClock(now Clock) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// expired reports whether an entry written at written has outlived ttl at now.
// An entry whose age equals the TTL is still valid.
func expired(written, now time.Time, ttl time.Duration) bool {
	return now.Sub(written) > ttl
}
