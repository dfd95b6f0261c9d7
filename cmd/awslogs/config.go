package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Huskeys-Internal/aws-log-parser/pkg/awsclient"
	"github.com/Huskeys-Internal/aws-log-parser/pkg/cache"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the merged result of the config file, AWSLOGS_* environment
// variables and command-line flags, in increasing order of precedence.
type Config struct {
	LogType      string           `mapstructure:"log_type"`
	FileSuffix   string           `mapstructure:"file_suffix"`
	RegexFilter  string           `mapstructure:"regex_filter"`
	ForceRefresh bool             `mapstructure:"force_refresh"`
	NoCache      bool             `mapstructure:"no_cache"`
	Verbose      bool             `mapstructure:"verbose"`
	AWS          awsclient.Config `mapstructure:"aws"`
	Cache        CacheConfig      `mapstructure:"cache"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	// Backend is one of disk, memory, redis or gcs.
	Backend    string            `mapstructure:"backend"`
	Dir        string            `mapstructure:"dir"`
	TTLSeconds int               `mapstructure:"ttl_seconds"`
	Redis      cache.RedisConfig `mapstructure:"redis"`
	GCS        cache.GCSConfig   `mapstructure:"gcs"`
}

// TTL converts the configured seconds, falling back to cache.DefaultTTL.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return cache.DefaultTTL
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

const configName = "awslogs"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_type", "CloudFront")
	v.SetDefault("cache.backend", "disk")
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.ttl_seconds", int(cache.DefaultTTL/time.Second))
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", cache.DefaultRedisKeyPrefix)
	v.SetDefault("cache.gcs.bucket", "")
	v.SetDefault("cache.gcs.prefix", "aws-log-parser")
	v.SetDefault("aws.role_session_name", awsclient.DefaultRoleSessionName)
}

// loadConfig reads configFile when given, and otherwise looks for awslogs.yaml
// in the working directory and ~/.config/awslogs. A missing file is not an error.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	v.SetEnvPrefix("AWSLOGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// newStore builds the configured backend. The returned close function releases
// any client the store holds and is never nil.
func newStore(ctx context.Context, cfg CacheConfig, logger zerolog.Logger) (cache.Store, func() error, error) {
	noop := func() error { return nil }
	ttl := cfg.TTL()

	switch strings.ToLower(cfg.Backend) {
	case "", "disk":
		store, err := cache.NewDiskStore(cache.DiskConfig{Dir: cfg.Dir, TTL: ttl}, logger)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil

	case "memory":
		return cache.NewMemoryStore(ttl, logger), noop, nil

	case "redis":
		redisCfg := cfg.Redis
		redisCfg.CacheTTL = ttl
		store, err := cache.NewRedisStore(ctx, &redisCfg, logger)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create GCS client: %w", err)
		}
		gcsCfg := cfg.GCS
		gcsCfg.TTL = ttl
		store, err := cache.NewGCSStore(cache.NewGCSClientAdapter(client), gcsCfg, logger)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
