// Package shardfetcher performs the one HTTP operation the builder
// needs: a conditional GET of a single HIBP range-API shard, with
// exponential-backoff retry on transient failures and text-body
// parsing into reconstructed hashes.
package shardfetcher
