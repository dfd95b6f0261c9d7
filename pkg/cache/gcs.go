package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// writtenAtKey is the object metadata field holding the entry's write time.
const writtenAtKey = "written-at"

// GCSConfig holds configuration specific to the GCS store.
type GCSConfig struct {
	BucketName   string        `mapstructure:"bucket"`
	ObjectPrefix string        `mapstructure:"prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
}

// GCSStore keeps one object per key in a bucket so several hosts can share
// cached fetches. The write time travels in object metadata and falls back to
// the object's update time.
type GCSStore struct {
	client GCSClient
	config GCSConfig
	now    Clock
	logger zerolog.Logger
}

// NewGCSStore creates a store over the configured bucket.
func NewGCSStore(gcsClient GCSClient, config GCSConfig, logger zerolog.Logger, opts ...Option) (*GCSStore, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &GCSStore{
		client: gcsClient,
		config: config,
		now:    applyOptions(opts).now,
		logger: logger.With().Str("component", "GCSStore").Str("bucket", config.BucketName).Logger(),
	}, nil
}

func (s *GCSStore) objectName(key Key) string {
	return path.Join(s.config.ObjectPrefix, string(key)+entryExt)
}

func (s *GCSStore) object(key Key) GCSObjectHandle {
	return s.client.Bucket(s.config.BucketName).Object(s.objectName(key))
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key Key, out any) (bool, error) {
	obj := s.object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			s.logger.Debug().Str("key", key.String()).Msg("GCS cache miss.")
			return false, nil
		}
		return false, fmt.Errorf("failed to read attributes of %s: %w", s.objectName(key), err)
	}

	if expired(writtenAt(attrs), s.now(), s.config.TTL) {
		s.logger.Debug().Str("key", key.String()).Msg("GCS cache entry expired.")
		return false, nil
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open %s: %w", s.objectName(key), err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.objectName(key), err)
	}

	if err := Decode(data, out); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Str("reason", decodeReason(err)).Msg("Discarding undecodable cache entry.")
		return false, nil
	}
	s.logger.Debug().Str("key", key.String()).Msg("GCS cache hit.")
	return true, nil
}

// Set implements Store. GCS makes the object visible only once the writer is
// closed, so readers never observe a partial entry.
func (s *GCSStore) Set(ctx context.Context, key Key, value any) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}

	objectName := s.objectName(key)
	w := s.object(key).NewWriter(ctx, map[string]string{
		writtenAtKey: s.now().UTC().Format(time.RFC3339Nano),
	})
	_, writeErr := w.Write(data)
	closeErr := w.Close()

	if writeErr != nil {
		s.logger.Error().Err(writeErr).Str("object_name", objectName).Msg("Failed to write cache object.")
		return fmt.Errorf("failed to write GCS object %s: %w", objectName, writeErr)
	}
	if closeErr != nil {
		s.logger.Error().Err(closeErr).Str("object_name", objectName).Msg("Failed to finalize cache object.")
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	s.logger.Debug().Str("object_name", objectName).Int("bytes", len(data)).Msg("Stored cache object.")
	return nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, key Key) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", s.objectName(key), err)
	}
	return nil
}

// Clear implements Store.
func (s *GCSStore) Clear(ctx context.Context) error {
	_, err := s.sweep(ctx, func(*storage.ObjectAttrs) bool { return true })
	return err
}

// ClearExpired implements Store.
func (s *GCSStore) ClearExpired(ctx context.Context) (int, error) {
	now := s.now()
	return s.sweep(ctx, func(attrs *storage.ObjectAttrs) bool {
		return expired(writtenAt(attrs), now, s.config.TTL)
	})
}

func (s *GCSStore) sweep(ctx context.Context, match func(*storage.ObjectAttrs) bool) (int, error) {
	bucket := s.client.Bucket(s.config.BucketName)
	prefix := s.config.ObjectPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := bucket.Objects(ctx, prefix)
	removed := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to list cache objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, entryExt) || !match(attrs) {
			continue
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return removed, fmt.Errorf("failed to delete GCS object %s: %w", attrs.Name, err)
		}
		removed++
	}

	s.logger.Info().Int("removed", removed).Msg("Swept GCS cache objects.")
	return removed, nil
}

// writtenAt prefers the stamped write time and falls back to the object's
// last update.
func writtenAt(attrs *storage.ObjectAttrs) time.Time {
	if v, ok := attrs.Metadata[writtenAtKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return attrs.Updated
}
