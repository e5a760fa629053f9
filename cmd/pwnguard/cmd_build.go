package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/pwnguard/pwnguard/internal/builder"
	"github.com/pwnguard/pwnguard/internal/hibp"
	"github.com/pwnguard/pwnguard/internal/queryserver"
)

func newCmd_Build() *cli.Command {
	var opts builder.Options
	var startPrefix, endPrefix string
	var metricsListen string

	return &cli.Command{
		Name:        "build",
		Usage:       "Fetch HIBP range shards and build (or refresh) a local filter",
		Description: "Walks the Have-I-Been-Pwned range API, checkpoints progress in a local shard catalog, and inserts every leaked password hash into a filter file suitable for serving with the `serve` command.",
		ArgsUsage:   "--base-path=<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "base-path",
				Usage:       "directory holding the catalog and filter files",
				Destination: &opts.BasePath,
				Required:    true,
			},
			&cli.DurationFlag{
				Name:        "max-age",
				Usage:       "shards fetched more recently than this are skipped as fresh; 0 always refetches",
				Value:       builder.DefaultMaxAge,
				Destination: &opts.MaxAge,
			},
			&cli.IntFlag{
				Name:        "parallel",
				Usage:       "maximum number of in-flight shard fetches",
				Value:       builder.DefaultParallel,
				Destination: &opts.Parallel,
			},
			&cli.StringFlag{
				Name:        "start",
				Usage:       "first shard prefix to fetch, as 5 hex characters",
				Value:       "00000",
				Destination: &startPrefix,
			},
			&cli.StringFlag{
				Name:        "end",
				Usage:       "last shard prefix to fetch, as 5 hex characters",
				Value:       hibp.ShardID(hibp.MaxShardID).Prefix(),
				Destination: &endPrefix,
			},
			&cli.Uint64Flag{
				Name:        "max-count",
				Usage:       "expected number of hashes, used to size a newly created filter",
				Value:       builder.DefaultMaxCount,
				Destination: &opts.MaxCount,
			},
			&cli.Float64Flag{
				Name:        "max-error-rate",
				Usage:       "target false-positive rate for a newly created filter",
				Value:       builder.DefaultMaxErrorRate,
				Destination: &opts.MaxErrorRate,
			},
			&cli.StringFlag{
				Name:        "base-url",
				Usage:       "override the range-API base URL",
				EnvVars:     []string{"PWNGUARD_RANGE_BASE_URL"},
				Destination: &opts.BaseURL,
			},
			&cli.Uint64Flag{
				Name:        "max-retries",
				Usage:       "per-shard retry attempts before giving up",
				Value:       5,
				Destination: &opts.MaxRetries,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "maximum outbound requests per second; 0 disables the limiter",
				Destination: &opts.RateLimit,
			},
			&cli.IntFlag{
				Name:        "catalog-flush-every",
				Usage:       "number of shard upserts grouped per catalog transaction",
				Value:       builder.DefaultCatalogFlushEvery,
				Destination: &opts.CatalogFlushEvery,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "classify shards as fresh/stale without performing network I/O or mutating the filter",
				Destination: &opts.DryRun,
			},
			&cli.StringFlag{
				Name:  "metrics-listen",
				Usage: "Prometheus metrics listen address; empty disables it",
				Value: "",
			},
		},
		Before: func(c *cli.Context) error {
			metricsListen = c.String("metrics-listen")
			start, err := hibp.ParseShardID(startPrefix)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			end, err := hibp.ParseShardID(endPrefix)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if end < start {
				return fmt.Errorf("--end %s precedes --start %s", endPrefix, startPrefix)
			}
			opts.Start, opts.End = start, end
			return nil
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context

			if metricsListen != "" {
				stop := serveMetrics(ctx, metricsListen, queryserver.MetricsHandler())
				defer stop()
			}

			summary, err := builder.Run(ctx, opts)
			if summary != nil {
				klog.Info(summary.String())
			}
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}
			return nil
		},
	}
}
