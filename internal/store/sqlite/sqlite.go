// Package sqlite provides the embedded SQLite store driver.
//
// The database runs in embedded mode with WAL enabled so readers are not
// blocked during flushes. Records are kept in two generic tables: one row
// per record with the scalar attributes as a JSON column, and one row per
// relationship edge. The committed working state lives in memory and every
// context commit is written through inside a single transaction.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	create_date TEXT,
	update_date TEXT,
	is_loaded INTEGER NOT NULL DEFAULT 0,
	pending_delete INTEGER NOT NULL DEFAULT 0,
	attrs TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS relations (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	target_id TEXT NOT NULL,
	to_many INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (kind, id, name, target_id)
);

CREATE INDEX IF NOT EXISTS idx_records_kind_update ON records(kind, update_date);
`

// Store is a SQLite-backed record store.
type Store struct {
	*store.Base
	conn *sql.DB
	path string
}

// Open creates or opens the replica database at path. The caller must call
// Close when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{conn: conn, path: path}
	s.Base = store.NewBase(s.flush)
	if err := s.hydrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// hydrate loads every persisted record into the in-memory working state.
func (s *Store) hydrate() error {
	rows, err := s.conn.Query(`SELECT kind, id, create_date, update_date, is_loaded, pending_delete, attrs FROM records`)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	data := map[entity.Container]*store.RecordData{}
	for rows.Next() {
		var d store.RecordData
		var kind, id, attrs string
		var createDate, updateDate sql.NullString
		var loaded, pending int
		if err := rows.Scan(&kind, &id, &createDate, &updateDate, &loaded, &pending, &attrs); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		d.Kind = entity.Kind(kind)
		d.ID = id
		d.Loaded = loaded != 0
		d.PendingDelete = pending != 0
		if d.CreateDate, err = parseTime(createDate); err != nil {
			return fmt.Errorf("record %s/%s: %w", kind, id, err)
		}
		if d.UpdateDate, err = parseTime(updateDate); err != nil {
			return fmt.Errorf("record %s/%s: %w", kind, id, err)
		}
		if err := json.Unmarshal([]byte(attrs), &d.Attrs); err != nil {
			return fmt.Errorf("record %s/%s: invalid attrs: %w", kind, id, err)
		}
		data[entity.Container{Kind: d.Kind, ID: d.ID}] = &d
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate records: %w", err)
	}

	relRows, err := s.conn.Query(`SELECT kind, id, name, target_id, to_many FROM relations`)
	if err != nil {
		return fmt.Errorf("failed to load relations: %w", err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var kind, id, name, target string
		var toMany int
		if err := relRows.Scan(&kind, &id, &name, &target, &toMany); err != nil {
			return fmt.Errorf("failed to scan relation: %w", err)
		}
		d, ok := data[entity.Container{Kind: entity.Kind(kind), ID: id}]
		if !ok {
			continue
		}
		if toMany != 0 {
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
		return fmt.Errorf("failed to iterate relations: %w", err)
	}

	for _, d := range data {
		s.Base.Seed(store.FromData(*d))
	}
	return nil
}

// flush writes one committed change set through in a single transaction.
func (s *Store) flush(changed []store.RecordData, deleted []entity.Container) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, h := range deleted {
		if _, err := tx.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, string(h.Kind), h.ID); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", h, err)
		}
		if _, err := tx.Exec(`DELETE FROM relations WHERE kind = ? AND id = ?`, string(h.Kind), h.ID); err != nil {
			return fmt.Errorf("failed to delete relations of %s: %w", h, err)
		}
	}

	for _, d := range changed {
		attrs, err := json.Marshal(d.Attrs)
		if err != nil {
			return fmt.Errorf("failed to encode attrs of %s/%s: %w", d.Kind, d.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO records (kind, id, create_date, update_date, is_loaded, pending_delete, attrs)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, id) DO UPDATE SET
				create_date = excluded.create_date,
				update_date = excluded.update_date,
				is_loaded = excluded.is_loaded,
				pending_delete = excluded.pending_delete,
				attrs = excluded.attrs`,
			string(d.Kind), d.ID, formatTime(d.CreateDate), formatTime(d.UpdateDate),
			boolInt(d.Loaded), boolInt(d.PendingDelete), string(attrs)); err != nil {
			return fmt.Errorf("failed to upsert record %s/%s: %w", d.Kind, d.ID, err)
		}

		// Relations are rewritten wholesale for the record; the set is small
		// and the alternative is diffing edge by edge.
		if _, err := tx.Exec(`DELETE FROM relations WHERE kind = ? AND id = ?`, string(d.Kind), d.ID); err != nil {
			return fmt.Errorf("failed to clear relations of %s/%s: %w", d.Kind, d.ID, err)
		}
		for name, target := range d.ToOne {
			if _, err := tx.Exec(`INSERT INTO relations (kind, id, name, target_id, to_many) VALUES (?, ?, ?, ?, 0)`,
				string(d.Kind), d.ID, name, target); err != nil {
				return fmt.Errorf("failed to insert relation %s/%s.%s: %w", d.Kind, d.ID, name, err)
			}
		}
		for name, targets := range d.ToMany {
			for _, target := range targets {
				if _, err := tx.Exec(`INSERT INTO relations (kind, id, name, target_id, to_many) VALUES (?, ?, ?, ?, 1)`,
					string(d.Kind), d.ID, name, target); err != nil {
					return fmt.Errorf("failed to insert relation %s/%s.%s: %w", d.Kind, d.ID, name, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", v.String, err)
	}
	return &t, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
