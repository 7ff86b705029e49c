package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default embedded Store, grounded on the teacher's
// component.Manager connection-pooling pattern (pool sized small: this is a
// single-process, single-user core, not a multi-tenant service).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite3-backed Store at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers anyway; avoid lock contention
	if err := runMigrations(db, "sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (tbl, key, body) VALUES (?, ?, ?)
		 ON CONFLICT(tbl, key) DO UPDATE SET body = excluded.body`,
		rec.Table, rec.Key, rec.Body)
	return err
}

func (s *SQLite) LoadAll(ctx context.Context, table string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tbl, key, body FROM records WHERE tbl = ?`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Table, &r.Key, &r.Body); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND key = ?`, table, key)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
