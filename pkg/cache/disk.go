package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
)

// DefaultDirName is the cache directory created under the user's home when no
// directory is configured.
const DefaultDirName = ".aws_log_parser_cache"

const (
	entryExt = ".cache"
	// tmpSuffix follows the entry name of a file still being written.
	tmpSuffix = ".tmp."
)

// DiskConfig holds the configuration for a DiskStore.
type DiskConfig struct {
	Dir string        `mapstructure:"dir"`
	TTL time.Duration `mapstructure:"ttl"`
}

// DiskStore keeps one file per key in a single directory. The file's
// modification time is the entry's write time.
type DiskStore struct {
	dir    string
	ttl    time.Duration
	now    Clock
	logger zerolog.Logger
}

// DefaultDir returns ~/.aws_log_parser_cache.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// NewDiskStore creates the cache directory if needed and returns a store over it.
func NewDiskStore(cfg DiskConfig, logger zerolog.Logger, opts ...Option) (*DiskStore, error) {
	dir := cfg.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &DiskStore{
		dir:    dir,
		ttl:    ttl,
		now:    applyOptions(opts).now,
		logger: logger.With().Str("component", "DiskStore").Str("dir", dir).Logger(),
	}, nil
}

// Dir returns the directory holding the entries.
func (s *DiskStore) Dir() string { return s.dir }

// TTL returns the expiry applied to every entry.
func (s *DiskStore) TTL() time.Duration { return s.ttl }

// Path returns the file that holds the entry for key.
func (s *DiskStore) Path(key Key) string {
	return filepath.Join(s.dir, string(key)+entryExt)
}

// Get implements Store.
func (s *DiskStore) Get(ctx context.Context, key Key, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug().Str("key", key.String()).Msg("Cache miss.")
			return false, nil
		}
		return false, fmt.Errorf("failed to stat cache entry %s: %w", key, err)
	}

	if expired(info.ModTime(), s.now(), s.ttl) {
		s.logger.Debug().Str("key", key.String()).Time("written", info.ModTime()).Msg("Cache entry expired.")
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	if err := Decode(data, out); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Str("reason", decodeReason(err)).Msg("Discarding undecodable cache entry.")
		return false, nil
	}

	s.logger.Debug().Str("key", key.String()).Msg("Cache hit.")
	return true, nil
}

// Set implements Store. The entry is written to a temporary file and renamed
// into place, so readers see either the old entry or the new one.
func (s *DiskStore) Set(ctx context.Context, key Key, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(value)
	if err != nil {
		return err
	}

	path := s.Path(key)
	tmp := path + tmpSuffix + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		s.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to write cache entry.")
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}

	now := s.now()
	if err := os.Chtimes(tmp, now, now); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to stamp cache entry %s: %w", key, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		s.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to move cache entry into place.")
		return fmt.Errorf("failed to replace cache entry %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key.String()).Int("bytes", len(data)).Msg("Stored cache entry.")
	return nil
}

// Delete implements Store.
func (s *DiskStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// Clear implements Store.
func (s *DiskStore) Clear(ctx context.Context) error {
	_, err := s.sweep(ctx, func(fs.FileInfo) bool { return true })
	return err
}

// ClearExpired implements Store.
func (s *DiskStore) ClearExpired(ctx context.Context) (int, error) {
	now := s.now()
	return s.sweep(ctx, func(info fs.FileInfo) bool {
		return expired(info.ModTime(), now, s.ttl)
	})
}

// sweep removes every entry file for which match returns true and reports how
// many it removed. Temporary files left behind by an interrupted Set are
// removed once they are older than the TTL and are not counted.
func (s *DiskStore) sweep(ctx context.Context, match func(fs.FileInfo) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache directory %s: %w", s.dir, err)
	}

	var errs []error
	removed := 0
	orphans := 0
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		isTmp := strings.Contains(f.Name(), entryExt+tmpSuffix)
		if !isTmp && !strings.HasSuffix(f.Name(), entryExt) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if isTmp {
			// A younger temp file may belong to a Set still in flight.
			if !expired(info.ModTime(), now, s.ttl) {
				continue
			}
		} else if !match(info) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.Name())); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if isTmp {
			orphans++
			continue
		}
		removed++
	}

	s.logger.Debug().Int("removed", removed).Int("orphans", orphans).Msg("Swept cache directory.")
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to remove %d cache entries: %w", len(errs), errors.Join(errs...))
	}
	return removed, nil
}
