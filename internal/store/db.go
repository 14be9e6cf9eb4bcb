// Package store opens the SQLite databases used by solrqueue and provides
// generic access to CMS records.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) a SQLite database in WAL mode with a single writer
// connection and initializes the queue schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect to database: %w", err)
	}

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return db, nil
}

// InitSchema creates the queue tables and indexes if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// InitCoreTables creates minimal pages and tt_content tables. Real
// deployments point the record store at the CMS database instead.
func InitCoreTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range CoreTablesSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create core table: %w", err)
		}
	}
	return nil
}
