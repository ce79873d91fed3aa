// Package postgres provides a Postgres-backed record store for server-side
// replicas, using pgx through database/sql. It mirrors the sqlite driver:
// the committed working state lives in memory, hydrated at open time, and
// every context commit is written through inside a single transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	create_date TIMESTAMPTZ,
	update_date TIMESTAMPTZ,
	is_loaded BOOLEAN NOT NULL DEFAULT FALSE,
	pending_delete BOOLEAN NOT NULL DEFAULT FALSE,
	attrs JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS relations (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	target_id TEXT NOT NULL,
	to_many BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (kind, id, name, target_id)
);

CREATE INDEX IF NOT EXISTS idx_records_kind_update ON records(kind, update_date);
`

// Store is a Postgres-backed record store.
type Store struct {
	*store.Base
	db *sql.DB
}

// Open connects to the database named by dsn, applies the schema and
// hydrates the working state.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	s.Base = store.NewBase(s.flush)
	if err := s.hydrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) hydrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, id, create_date, update_date, is_loaded, pending_delete, attrs FROM records`)
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	data := map[entity.Container]*store.RecordData{}
	for rows.Next() {
		var d store.RecordData
		var kind string
		var attrs []byte
		var createDate, updateDate sql.NullTime
		if err := rows.Scan(&kind, &d.ID, &createDate, &updateDate, &d.Loaded, &d.PendingDelete, &attrs); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		d.Kind = entity.Kind(kind)
		if createDate.Valid {
			t := createDate.Time
			d.CreateDate = &t
		}
		if updateDate.Valid {
			t := updateDate.Time
			d.UpdateDate = &t
		}
		if err := json.Unmarshal(attrs, &d.Attrs); err != nil {
			return fmt.Errorf("record %s/%s: invalid attrs: %w", kind, d.ID, err)
		}
		data[entity.Container{Kind: d.Kind, ID: d.ID}] = &d
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	relRows, err := s.db.QueryContext(ctx, `SELECT kind, id, name, target_id, to_many FROM relations`)
	if err != nil {
		return fmt.Errorf("select relations: %w", err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var kind, id, name, target string
		var toMany bool
		if err := relRows.Scan(&kind, &id, &name, &target, &toMany); err != nil {
			return fmt.Errorf("scan relation: %w", err)
		}
		d, ok := data[entity.Container{Kind: entity.Kind(kind), ID: id}]
		if !ok {
			continue
		}
		if toMany {
			if d.ToMany == nil {
				d.ToMany = map[string][]string{}
			}
			d.ToMany[name] = append(d.ToMany[name], target)
		} else {
			if d.ToOne == nil {
				d.ToOne = map[string]string{}
			}
			d.ToOne[name] = target
		}
	}
	if err := relRows.Err(); err != nil {
		return fmt.Errorf("iterate relations: %w", err)
	}

	for _, d := range data {
		s.Base.Seed(store.FromData(*d))
	}
	return nil
}

func (s *Store) flush(changed []store.RecordData, deleted []entity.Container) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, h := range deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE kind = $1 AND id = $2`, string(h.Kind), h.ID); err != nil {
			return fmt.Errorf("delete record %s: %w", h, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE kind = $1 AND id = $2`, string(h.Kind), h.ID); err != nil {
			return fmt.Errorf("delete relations of %s: %w", h, err)
		}
	}

	for _, d := range changed {
		attrs, err := json.Marshal(d.Attrs)
		if err != nil {
			return fmt.Errorf("encode attrs of %s/%s: %w", d.Kind, d.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (kind, id, create_date, update_date, is_loaded, pending_delete, attrs)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (kind, id) DO UPDATE SET
				create_date = excluded.create_date,
				update_date = excluded.update_date,
				is_loaded = excluded.is_loaded,
				pending_delete = excluded.pending_delete,
				attrs = excluded.attrs`,
			string(d.Kind), d.ID, d.CreateDate, d.UpdateDate, d.Loaded, d.PendingDelete, attrs); err != nil {
			return fmt.Errorf("upsert record %s/%s: %w", d.Kind, d.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE kind = $1 AND id = $2`, string(d.Kind), d.ID); err != nil {
			return fmt.Errorf("clear relations of %s/%s: %w", d.Kind, d.ID, err)
		}
		for name, target := range d.ToOne {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO relations (kind, id, name, target_id, to_many) VALUES ($1, $2, $3, $4, FALSE)`,
				string(d.Kind), d.ID, name, target); err != nil {
				return fmt.Errorf("insert relation %s/%s.%s: %w", d.Kind, d.ID, name, err)
			}
		}
		for name, targets := range d.ToMany {
			for _, target := range targets {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO relations (kind, id, name, target_id, to_many) VALUES ($1, $2, $3, $4, TRUE)`,
					string(d.Kind), d.ID, name, target); err != nil {
					return fmt.Errorf("insert relation %s/%s.%s: %w", d.Kind, d.ID, name, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
