package shardcatalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

const schema = `
CREATE TABLE IF NOT EXISTS shards (
	id         INTEGER PRIMARY KEY,
	etag       TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

// Record is one shard's catalog entry.
type Record struct {
	ID        hibp.ShardID
	ETag      string
	UpdatedAt time.Time
}

// Catalog is a durable key-value store keyed by shard ID, backed by a
// single SQLite file.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if absent) the catalog file at path and applies
// its schema.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: open %s: %w", path, err)
	}
	// One connection for an open Batch transaction (the only writer) and
	// one for point reads issued while it is open; WAL lets them overlap.
	db.SetMaxOpenConns(2)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("shardcatalog: apply schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Get returns the record for id, and false if none has ever been
// written.
func (c *Catalog) Get(ctx context.Context, id hibp.ShardID) (Record, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT etag, updated_at FROM shards WHERE id = ?`, uint32(id))
	var etag string
	var updatedAtUnix int64
	if err := row.Scan(&etag, &updatedAtUnix); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("shardcatalog: get %d: %w", id, err)
	}
	return Record{ID: id, ETag: etag, UpdatedAt: time.Unix(updatedAtUnix, 0).UTC()}, true, nil
}

// Upsert atomically writes id's etag and updated_at. Together with
// Batch.Upsert it is the only mutating operation; callers are expected to have already committed
// every hash from this shard into the filter before calling Upsert,
// since a crash between the two would otherwise make the catalog claim
// a shard is current when its entries were lost.
func (c *Catalog) Upsert(ctx context.Context, id hibp.ShardID, etag string, updatedAt time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO shards (id, etag, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, updated_at = excluded.updated_at
	`, uint32(id), etag, updatedAt.Unix())
	if err != nil {
		return fmt.Errorf("shardcatalog: upsert %d: %w", id, err)
	}
	return nil
}

// Batch accumulates upserts and flushes them in a single transaction,
// so a crash mid-run loses at most the last unflushed group rather than
// serializing every shard individually.
type Batch struct {
	cat      *Catalog
	tx       *sql.Tx
	stmt     *sql.Stmt
	pending  int
	flushAt  int
}

// NewBatch starts a batch that auto-flushes every flushAt upserts.
func (c *Catalog) NewBatch(ctx context.Context, flushAt int) (*Batch, error) {
	if flushAt < 1 {
		flushAt = 1
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shards (id, etag, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("shardcatalog: prepare batch statement: %w", err)
	}
	return &Batch{cat: c, tx: tx, stmt: stmt, flushAt: flushAt}, nil
}

// Upsert queues a write, flushing and starting a fresh transaction once
// flushAt writes have accumulated.
func (b *Batch) Upsert(ctx context.Context, id hibp.ShardID, etag string, updatedAt time.Time) error {
	if _, err := b.stmt.ExecContext(ctx, uint32(id), etag, updatedAt.Unix()); err != nil {
		return fmt.Errorf("shardcatalog: batch upsert %d: %w", id, err)
	}
	b.pending++
	if b.pending >= b.flushAt {
		return b.flush(ctx)
	}
	return nil
}

func (b *Batch) flush(ctx context.Context) error {
	if err := b.stmt.Close(); err != nil {
		return err
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("shardcatalog: commit batch: %w", err)
	}
	tx, err := b.cat.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("shardcatalog: begin next batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shards (id, etag, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("shardcatalog: prepare next batch statement: %w", err)
	}
	b.tx = tx
	b.stmt = stmt
	b.pending = 0
	return nil
}

// Close flushes any pending writes and commits the final transaction.
func (b *Batch) Close(ctx context.Context) error {
	if b.pending == 0 {
		b.stmt.Close()
		return b.tx.Rollback()
	}
	if err := b.stmt.Close(); err != nil {
		return err
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("shardcatalog: final batch commit: %w", err)
	}
	return nil
}
