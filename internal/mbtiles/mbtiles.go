// Package mbtiles writes tiles into an mbtiles (sqlite) archive.
package mbtiles

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// DB is an open mbtiles archive. WriteTile is safe for concurrent use.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or reuses) the archive and prepares its schema. The
// exclusive-mode pragmas trade recoverability for bulk-insert speed, which
// is the right trade for a from-scratch build.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mbtiles %s: %w", path, err)
	}
	stmts := []string{
		"PRAGMA synchronous=0",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=DELETE",
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index if not exists name on metadata (name);",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row);",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare mbtiles schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// WriteMetadata inserts or replaces one metadata row.
func (m *DB) WriteMetadata(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec("insert or replace into metadata (name, value) values (?, ?);", name, value)
	return err
}

// WriteMetadataMap writes extra metadata entries; non-string values are
// JSON-encoded.
func (m *DB) WriteMetadataMap(md map[string]interface{}) error {
	for name, value := range md {
		var text string
		if s, ok := value.(string); ok {
			text = s
		} else {
			b, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode metadata %q: %w", name, err)
			}
			text = string(b)
		}
		if err := m.WriteMetadata(name, text); err != nil {
			return err
		}
	}
	return nil
}

// WriteTile stores one encoded tile. The row is flipped into the TMS
// scheme the mbtiles format uses.
func (m *DB) WriteTile(zoom, x, y uint, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmsY := (uint(1) << zoom) - 1 - y
	_, err := m.db.Exec("insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
		zoom, x, tmsY, data)
	return err
}

// Close analyzes and closes the archive.
func (m *DB) Close() error {
	if m.db == nil {
		return nil
	}
	if _, err := m.db.Exec("ANALYZE;"); err != nil {
		m.db.Close()
		return err
	}
	return m.db.Close()
}
