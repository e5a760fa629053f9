package builder

import (
	"time"

	"github.com/pwnguard/pwnguard/internal/hibp"
	"github.com/pwnguard/pwnguard/internal/shardfetcher"
)

// Options configures one Run. Zero values are replaced with the
// defaults documented per field.
type Options struct {
	// BasePath is the directory holding the catalog and filter files.
	BasePath string
	// StateDBName is the catalog filename, relative to BasePath.
	StateDBName string
	// FilterName is the filter filename, relative to BasePath.
	FilterName string

	// MaxAge: shards whose catalog updated_at is newer than
	// now-MaxAge are skipped as fresh. Zero means "no shard is ever
	// fresh", i.e. always refetch; this is a deliberate, distinct
	// setting from "unset" and is therefore never defaulted away by
	// withDefaults — callers who want the spec's "default max_age"
	// idempotence property (testable property 4: a second back-to-back
	// run performs zero HTTP GETs) must supply DefaultMaxAge
	// themselves, which is what the CLI's --max-age flag does.
	MaxAge time.Duration

	// Parallel bounds concurrent in-flight shard fetches. Default 50.
	Parallel int

	// Start and End bound the inclusive shard-ID range to process.
	// Default the full [0, hibp.MaxShardID] range.
	Start, End hibp.ShardID

	// MaxCount and MaxErrorRate size a newly created filter; ignored
	// (with a warning) when an existing filter file is opened instead.
	MaxCount     uint64
	MaxErrorRate float64

	// BaseURL overrides the range-API endpoint.
	BaseURL string
	// MaxRetries bounds per-shard retry attempts.
	MaxRetries uint64
	// RateLimit bounds outbound requests per second; 0 disables it.
	RateLimit float64

	// CatalogFlushEvery groups catalog writes into transactions of
	// this many upserts.
	CatalogFlushEvery int

	// DryRun enumerates and classifies shards (fresh/stale) without
	// performing network I/O or mutating the filter.
	DryRun bool
}

const (
	DefaultParallel          = 50
	DefaultMaxCount          = 1_000_000_000
	DefaultMaxErrorRate      = 1e-7
	DefaultCatalogFlushEvery = 500
	// DefaultMaxAge is the refresh cadence the CLI applies when the
	// operator does not pass --max-age, matching HIBP's own guidance
	// that range contents change infrequently enough for a daily
	// freshness window to be safe.
	DefaultMaxAge = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.StateDBName == "" {
		o.StateDBName = "catalog.db"
	}
	if o.FilterName == "" {
		o.FilterName = "filter.rsqf"
	}
	if o.Parallel <= 0 {
		o.Parallel = DefaultParallel
	}
	if o.End == 0 {
		o.End = hibp.MaxShardID
	}
	if o.MaxCount == 0 {
		o.MaxCount = DefaultMaxCount
	}
	if o.MaxErrorRate == 0 {
		o.MaxErrorRate = DefaultMaxErrorRate
	}
	if o.BaseURL == "" {
		o.BaseURL = shardfetcher.DefaultBaseURL
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.CatalogFlushEvery <= 0 {
		o.CatalogFlushEvery = DefaultCatalogFlushEvery
	}
	return o
}
