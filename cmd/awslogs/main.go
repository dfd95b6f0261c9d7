// Command awslogs fetches CloudFront, load-balancer and WAF logs from local
// directories or S3 and caches the results on disk between runs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every subcommand needs once flags and config are resolved.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        Config
	logger     zerolog.Logger
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func newApp() *app {
	a := &app{v: viper.New()}
	setDefaults(a.v)
	return a
}

func newRootCmd() *cobra.Command {
	return newApp().rootCmd()
}

// rootCmd builds the command tree with every flag bound to a.v.
func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "awslogs",
		Short:         "Fetch and cache AWS CloudFront, load-balancer and WAF logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cmd.ErrOrStderr(), cfg.Verbose)
			if used := a.v.ConfigFileUsed(); used != "" {
				a.logger.Debug().Str("path", used).Msg("Using configuration file.")
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./awslogs.yaml or ~/.config/awslogs/awslogs.yaml)")
	flags.String("log-type", "CloudFront", "log type: CloudFront, LoadBalancer or WAF")
	flags.String("file-suffix", "", "only read objects ending with this suffix (default depends on --log-type)")
	flags.String("regex-filter", "", "only read objects whose name matches this regular expression")
	flags.String("profile", "", "AWS shared config profile")
	flags.String("region", "", "AWS region")
	flags.String("role-arn", "", "IAM role to assume before reading S3")
	flags.String("role-session-name", "", "session name for the assumed role")
	flags.String("external-id", "", "external ID for the assumed role")
	flags.String("endpoint", "", "S3 endpoint override, e.g. for LocalStack")
	flags.String("cache-dir", "", "cache directory (default ~/.aws_log_parser_cache)")
	flags.Int("cache-ttl", 0, "cache TTL in seconds (default 3600)")
	flags.String("cache-backend", "", "cache backend: disk, memory, redis or gcs")
	flags.Bool("force-refresh", false, "ignore cached results and refetch")
	flags.Bool("no-cache", false, "bypass the cache entirely")
	flags.BoolP("verbose", "v", false, "log cache hits and other debug output")

	for key, flag := range map[string]string{
		"log_type":              "log-type",
		"file_suffix":           "file-suffix",
		"regex_filter":          "regex-filter",
		"aws.profile":           "profile",
		"aws.region":            "region",
		"aws.role_arn":          "role-arn",
		"aws.role_session_name": "role-session-name",
		"aws.external_id":       "external-id",
		"aws.endpoint":          "endpoint",
		"cache.dir":             "cache-dir",
		"cache.ttl_seconds":     "cache-ttl",
		"cache.backend":         "cache-backend",
		"force_refresh":         "force-refresh",
		"no_cache":              "no-cache",
		"verbose":               "verbose",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(newFetchCmd(a), newCountCmd(a), newCacheCmd(a))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
