package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Huskeys-Internal/aws-log-parser/pkg/awsclient"
	"github.com/Huskeys-Internal/aws-log-parser/pkg/logsource"
	"github.com/Huskeys-Internal/aws-log-parser/pkg/memoize"
	"github.com/spf13/cobra"
)

// linesIdentity names the memoized line fetch in cache keys.
const linesIdentity = "logsource.Lines"

func (a *app) request(rawURL string) (logsource.Request, error) {
	logType, err := logsource.ParseLogType(a.cfg.LogType)
	if err != nil {
		return logsource.Request{}, err
	}
	url, err := logsource.ResolveURL(rawURL)
	if err != nil {
		return logsource.Request{}, err
	}
	return logsource.Request{
		URL:         url,
		LogType:     logType,
		FileSuffix:  a.cfg.FileSuffix,
		RegexFilter: a.cfg.RegexFilter,
	}, nil
}

func (a *app) newReader(ctx context.Context, url string) (*logsource.Reader, error) {
	if !strings.HasPrefix(url, "s3://") {
		return logsource.NewReader(nil, a.logger), nil
	}
	awsCfg, err := awsclient.Load(ctx, a.cfg.AWS, a.logger)
	if err != nil {
		return nil, err
	}
	return logsource.NewReader(awsclient.NewS3Client(awsCfg, a.cfg.AWS), a.logger), nil
}

// lines fetches every record under url, through the cache unless disabled.
func (a *app) lines(ctx context.Context, url string) ([]logsource.Line, error) {
	req, err := a.request(url)
	if err != nil {
		return nil, err
	}
	reader, err := a.newReader(ctx, url)
	if err != nil {
		return nil, err
	}

	if a.cfg.NoCache {
		return memoize.Collect(reader.Lines(ctx, req))
	}

	store, closeStore, err := newStore(ctx, a.cfg.Cache, a.logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeStore() }()

	fetch := memoize.WrapSeq[logsource.Request, logsource.Line](reader.Lines, store, linesIdentity, a.logger)
	return fetch(ctx, req, memoize.ForceRefresh(a.cfg.ForceRefresh))
}

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch URL",
		Short: "Print every log line under a file:// or s3:// URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := a.lines(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range lines {
				if _, err := fmt.Fprintln(out, line.Text); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count URL",
		Short: "Count log lines per source object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := a.lines(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			counts := make(map[string]int)
			for _, line := range lines {
				counts[line.Source]++
			}
			sources := make([]string, 0, len(counts))
			for source := range counts {
				sources = append(sources, source)
			}
			sort.Strings(sources)

			out := cmd.OutOrStdout()
			for _, source := range sources {
				fmt.Fprintf(out, "%d\t%s\n", counts[source], source)
			}
			fmt.Fprintf(out, "%d\ttotal\n", len(lines))
			return nil
		},
	}
}

func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached fetch results",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := newStore(cmd.Context(), a.cfg.Cache, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info().Msg("Cache cleared.")
			return nil
		},
	}

	clearExpiredCmd := &cobra.Command{
		Use:   "clear-expired",
		Short: "Remove cached entries older than the TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := newStore(cmd.Context(), a.cfg.Cache, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			removed, err := store.ClearExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
			return nil
		},
	}

	cacheCmd.AddCommand(clearCmd, clearExpiredCmd)
	return cacheCmd
}
