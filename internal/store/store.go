// Package store defines the persistence interface spec.md §6 calls the
// "persistent key-value store" collaborator, with a default embedded
// sqlite3 implementation and an alternate pgx (Postgres) implementation
// behind the same interface — both driven through database/sql so the
// Message Bus, Shared Workspace, Scheduler and Cron Scheduler share one
// persistence contract regardless of backend.
package store

import "context"

// Record is an opaque row: a table name, a primary key, and the JSON-encoded
// body. The core treats persistence as opaque per spec §6 ("the core uses
// opaque persist(record)/load_all() on startup") — callers own their own
// encoding.
type Record struct {
	Table string
	Key   string
	Body  []byte
}

// Store is the persistence contract every component (bus/workspace/
// scheduler/cron) depends on.
type Store interface {
	// Put upserts a record by (Table, Key).
	Put(ctx context.Context, rec Record) error

	// LoadAll returns every record in a table, in no particular order;
	// callers sort as needed (the bus re-sorts by priority/created_at itself).
	LoadAll(ctx context.Context, table string) ([]Record, error)

	// Delete removes a record by (Table, Key). Deleting a missing key is not
	// an error — eviction callers call this speculatively.
	Delete(ctx context.Context, table, key string) error

	// Close releases underlying connections.
	Close() error
}
