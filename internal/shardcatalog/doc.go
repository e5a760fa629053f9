// Package shardcatalog persists, per shard ID, the ETag and last
// successful fetch time the builder needs to decide whether a shard is
// still fresh. It is backed by a single embedded SQLite file opened
// through database/sql.
package shardcatalog
