package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver registered as "sqlite"

	"grimm.is/rampart/internal/clock"
)

// SQLiteOptions configures the SQLite policy store.
type SQLiteOptions struct {
	Path    string
	WALMode bool
	Clock   clock.Clock
}

// DefaultSQLiteOptions returns options for a WAL-mode database at path.
func DefaultSQLiteOptions(path string) SQLiteOptions {
	return SQLiteOptions{Path: path, WALMode: true}
}

// SQLiteBackend stores policy objects as ordered attribute rows.
type SQLiteBackend struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteBackend opens (and if needed creates) the policy database.
func NewSQLiteBackend(opts SQLiteOptions) (*SQLiteBackend, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteBackend{db: db, clock: clock.OrReal(opts.Clock)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (type, name)
		);

		CREATE TABLE IF NOT EXISTS attributes (
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			key TEXT NOT NULL,
			idx INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (type, name, key, idx)
		);

		CREATE INDEX IF NOT EXISTS idx_objects_seq ON objects(type, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ask implements Backend.
func (s *SQLiteBackend) Ask(ctx context.Context, typ ObjectType, name, key string, multi bool) ([]string, error) {
	query := `SELECT value FROM attributes WHERE type = ? AND name = ? AND key = ? ORDER BY idx`
	if !multi {
		query += ` LIMIT 1`
	}
	rows, err := s.db.QueryContext(ctx, query, typ.String(), name, key)
	if err != nil {
		return nil, fmt.Errorf("ask %s %s %s: %w", typ, name, key, err)
	}
	defer rows.Close()

	var vals []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return vals, nil
}

// List implements Backend.
func (s *SQLiteBackend) List(ctx context.Context, typ ObjectType) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM objects WHERE type = ? ORDER BY seq`, typ.String())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", typ, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Set replaces the values of key on the named object, creating the object.
func (s *SQLiteBackend) Set(ctx context.Context, typ ObjectType, name, key string, values ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.setTx(ctx, tx, typ, name, key, values); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) setTx(ctx context.Context, tx *sql.Tx, typ ObjectType, name, key string, values []string) error {
	now := s.clock.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO objects (type, name, seq, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM objects WHERE type = ?), ?)
		ON CONFLICT(type, name) DO UPDATE SET updated_at = excluded.updated_at`,
		typ.String(), name, typ.String(), now)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", typ, name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE type = ? AND name = ? AND key = ?`,
		typ.String(), name, key); err != nil {
		return fmt.Errorf("clear %s %s %s: %w", typ, name, key, err)
	}

	idx := 0
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO attributes (type, name, key, idx, value) VALUES (?, ?, ?, ?, ?)`,
			typ.String(), name, key, idx, v); err != nil {
			return fmt.Errorf("insert %s %s %s: %w", typ, name, key, err)
		}
		idx++
	}
	return nil
}

// Delete removes an object and all of its attributes.
func (s *SQLiteBackend) Delete(ctx context.Context, typ ObjectType, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE type = ? AND name = ?`, typ.String(), name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE type = ? AND name = ?`, typ.String(), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Import replaces the whole store with the contents of m in one transaction.
func (s *SQLiteBackend) Import(ctx context.Context, m *MemoryBackend) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM attributes`, `DELETE FROM objects`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for typ := range typeNames {
		names, _ := m.List(ctx, typ)
		for _, name := range names {
			for _, key := range m.Keys(typ, name) {
				vals, err := m.Ask(ctx, typ, name, key, true)
				if err != nil && err != ErrNotFound {
					return err
				}
				if err := s.setTx(ctx, tx, typ, name, key, vals); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)
