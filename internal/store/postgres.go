package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the alternate backing store for multi-process deployments of
// the same core (the teacher ships both a lib/pq and a pgx-style SQL layer
// across its component manager; this module standardizes on pgx alone —
// see DESIGN.md for why lib/pq and go-sql-driver/mysql were dropped).
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a pgx-backed Store at dsn (a postgres:// URL).
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	if err := runMigrations(db, "pgx"); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Put(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO records (tbl, key, body) VALUES ($1, $2, $3)
		 ON CONFLICT (tbl, key) DO UPDATE SET body = excluded.body`,
		rec.Table, rec.Key, rec.Body)
	return err
}

func (p *Postgres) LoadAll(ctx context.Context, table string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tbl, key, body FROM records WHERE tbl = $1`, table)
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

func (p *Postgres) Delete(ctx context.Context, table, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = $1 AND key = $2`, table, key)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }
