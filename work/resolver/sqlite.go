package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore reads instances and entity routes from the settings database
// maintained by the surrounding CRUD layer. The proxy never writes to it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the settings database at path and verifies the
// expected tables exist, creating them when the database is fresh so a
// first run does not fail.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS entity_routes (
			entity_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare instance schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// InstanceByID implements Store.
func (s *SQLiteStore) InstanceByID(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, api_key, enabled FROM instances WHERE id = ?`, id)

	var inst Instance
	var enabled int
	if err := row.Scan(&inst.ID, &inst.Address, &inst.APIKey, &enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("instance query: %w", err)
	}
	inst.Enabled = enabled != 0
	return &inst, nil
}

// InstanceForEntity implements Store.
func (s *SQLiteStore) InstanceForEntity(ctx context.Context, entityID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id FROM entity_routes WHERE entity_id = ?`, entityID)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("entity route query: %w", err)
	}
	return id, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
