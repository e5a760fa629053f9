package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var shardsFetched = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pwnguard_builder_shards_total",
		Help: "Shards processed by a build run, by outcome.",
	},
	[]string{"outcome"},
)

var hashesInserted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "pwnguard_builder_hashes_inserted_total",
		Help: "Hashes inserted into the filter across all build runs.",
	},
)

var filterLoad = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "pwnguard_builder_filter_load",
		Help: "Fraction of filter capacity filled as of the last shard processed.",
	},
)

var shardFetchLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pwnguard_builder_shard_fetch_latency_seconds",
		Help:    "Latency of a single shard fetch, including retries.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	},
)
