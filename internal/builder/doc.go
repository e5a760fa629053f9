// Package builder drives the bounded-concurrency fetch → parse →
// insert pipeline that bulk-loads HIBP range shards into a filter,
// coordinating the filter and the shard catalog: catalog writes are
// committed in batches during the run, the filter once at its end.
package builder
