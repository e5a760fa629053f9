package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/pwnguard/pwnguard/internal/hibp"
	"github.com/pwnguard/pwnguard/internal/rsqf"
	"github.com/pwnguard/pwnguard/internal/shardcatalog"
	"github.com/pwnguard/pwnguard/internal/shardfetcher"
)

type fetchResult struct {
	id      hibp.ShardID
	outcome shardfetcher.Outcome
	err     error
	skipped bool // shard was fresh in the catalog; no fetch was attempted
}

// Run executes one build: it opens or creates the catalog and filter
// under opts.BasePath, fetches every shard in [opts.Start, opts.End]
// not considered fresh, inserts parsed hashes into the filter, and
// commits both the catalog (incrementally) and the filter (once, at
// the end) before returning.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("builder: create base path: %w", err)
	}

	catalogPath := filepath.Join(opts.BasePath, opts.StateDBName)
	cat, err := shardcatalog.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("builder: open catalog: %w", err)
	}
	defer cat.Close()

	filterPath := filepath.Join(opts.BasePath, opts.FilterName)
	filt, err := openOrCreateFilter(filterPath, opts)
	if err != nil {
		return nil, fmt.Errorf("builder: open filter: %w", err)
	}

	summary := newSummary()
	summary.FilterCapacity = filt.Capacity()
	summary.FilterEntries = filt.Len()

	if dc := newDiskCollector(opts.BasePath); dc != nil {
		_ = prometheus.Register(dc)
		defer prometheus.Unregister(dc)
	}

	if opts.DryRun {
		classifyDryRun(ctx, cat, opts, summary)
		return summary, nil
	}

	fetcher := shardfetcher.New(
		shardfetcher.WithBaseURL(opts.BaseURL),
		shardfetcher.WithMaxRetries(opts.MaxRetries),
		shardfetcher.WithRateLimit(opts.RateLimit),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := int64(opts.End) - int64(opts.Start) + 1
	bar := progressbar.Default(total, "building filter")

	results := make(chan fetchResult, opts.Parallel*2)
	sem := semaphore.NewWeighted(int64(opts.Parallel))
	now := time.Now()

	go feedShards(runCtx, cat, fetcher, opts, now, sem, results, bar)

	batch, err := cat.NewBatch(runCtx, opts.CatalogFlushEvery)
	if err != nil {
		return nil, fmt.Errorf("builder: start catalog batch: %w", err)
	}

	for res := range results {
		if summary.Aborted {
			continue // draining: a capacity-exceeded abort is already in effect
		}
		bar.Add(1)

		if res.skipped {
			summary.SkippedFresh++
			shardsFetched.WithLabelValues("skipped_fresh").Inc()
			continue
		}

		if res.err != nil {
			summary.Failed[res.id] = res.err
			shardsFetched.WithLabelValues("failed").Inc()
			continue
		}

		switch res.outcome.Status {
		case shardfetcher.Modified:
			aborted, abortErr := insertAll(filt, res.outcome.Entries)
			if aborted {
				summary.Aborted = true
				summary.AbortReason = abortErr
				cancel()
				continue
			}
			if err := batch.Upsert(runCtx, res.id, res.outcome.ETag, time.Now()); err != nil {
				summary.Failed[res.id] = err
				continue
			}
			summary.Fetched++
			hashesInserted.Add(float64(len(res.outcome.Entries)))
			shardsFetched.WithLabelValues("modified").Inc()

		case shardfetcher.Unchanged:
			if err := batch.Upsert(runCtx, res.id, res.outcome.ETag, time.Now()); err != nil {
				summary.Failed[res.id] = err
				continue
			}
			summary.Unchanged++
			shardsFetched.WithLabelValues("unchanged").Inc()
		}
	}

	summary.FilterEntries = filt.Len()
	filterLoad.Set(summary.Load())

	if summary.Aborted {
		batch.Close(context.Background())
		klog.Errorf("builder: run aborted: %v", summary.AbortReason)
		return summary, summary.AbortReason
	}

	if err := batch.Close(context.Background()); err != nil {
		return summary, fmt.Errorf("builder: flush catalog: %w", err)
	}

	if err := filt.WriteTo(filterPath); err != nil {
		return summary, fmt.Errorf("builder: commit filter: %w", err)
	}

	klog.Infof("builder: run complete: fetched=%s unchanged=%s skipped_fresh=%s failed=%d load=%.6f",
		humanize.Comma(int64(summary.Fetched)),
		humanize.Comma(int64(summary.Unchanged)),
		humanize.Comma(int64(summary.SkippedFresh)),
		len(summary.Failed), summary.Load())

	return summary, nil
}

// insertAll inserts every entry into filt. If capacity is exhausted it
// stops immediately and reports the abort; entries already inserted
// from this shard remain (insert is otherwise idempotent and
// order-independent, so a partially-applied shard does not corrupt
// membership — it only means the catalog is not advanced for it,
// which is safe per the upsert-after-insert ordering rule).
func insertAll(filt *rsqf.Filter, entries []hibp.Hash) (aborted bool, err error) {
	for _, h := range entries {
		if err := filt.Insert(h); err != nil {
			if errors.Is(err, rsqf.ErrCapacityExceeded) {
				return true, err
			}
			return false, err
		}
	}
	return false, nil
}

func feedShards(
	ctx context.Context,
	cat *shardcatalog.Catalog,
	fetcher *shardfetcher.Fetcher,
	opts Options,
	now time.Time,
	sem *semaphore.Weighted,
	results chan<- fetchResult,
	bar *progressbar.ProgressBar,
) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(results)
	}()

	freshCutoff := now.Add(-opts.MaxAge)

	for id := opts.Start; ; id++ {
		if ctx.Err() != nil {
			return
		}

		rec, ok, err := cat.Get(ctx, id)
		if err == nil && ok && opts.MaxAge > 0 && rec.UpdatedAt.After(freshCutoff) {
			select {
			case results <- fetchResult{id: id, skipped: true}:
			case <-ctx.Done():
				return
			}
			if id == opts.End {
				return
			}
			continue
		}

		priorETag := ""
		if ok {
			priorETag = rec.ETag
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(id hibp.ShardID, priorETag string) {
			defer wg.Done()
			defer sem.Release(1)

			started := time.Now()
			outcome, err := fetcher.Fetch(ctx, id, priorETag)
			shardFetchLatency.Observe(time.Since(started).Seconds())

			select {
			case results <- fetchResult{id: id, outcome: outcome, err: err}:
			case <-ctx.Done():
			}
		}(id, priorETag)

		if id == opts.End {
			return
		}
	}
}

func classifyDryRun(ctx context.Context, cat *shardcatalog.Catalog, opts Options, summary *Summary) {
	now := time.Now()
	freshCutoff := now.Add(-opts.MaxAge)
	for id := opts.Start; ; id++ {
		rec, ok, err := cat.Get(ctx, id)
		if err == nil && ok && opts.MaxAge > 0 && rec.UpdatedAt.After(freshCutoff) {
			summary.SkippedFresh++
		} else {
			summary.Fetched++ // "would fetch", counted under Fetched for dry runs
		}
		if id == opts.End {
			return
		}
	}
}

func openOrCreateFilter(path string, opts Options) (*rsqf.Filter, error) {
	if _, err := os.Stat(path); err == nil {
		filt, err := rsqf.Open(path)
		if err != nil {
			return nil, fmt.Errorf("deserialize existing filter: %w", err)
		}
		if filt.Capacity() != opts.MaxCount || filt.FPR() != opts.MaxErrorRate {
			klog.Warningf("builder: ignoring max_count/max_error_rate, existing filter was sized (%d, %g)",
				filt.Capacity(), filt.FPR())
		}
		return filt, nil
	}
	return rsqf.New(opts.MaxCount, opts.MaxErrorRate)
}
