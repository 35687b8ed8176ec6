// Package db keeps the agent's session journal in SQLite: link
// transitions, the peers seen on the channel, their status updates and the
// outcome of every query.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database is a single-connection SQLite handle. One connection serializes
// writers, which SQLite requires, and keeps ":memory:" databases alive.
type Database struct {
	db   *sql.DB
	path string
}

// NewDatabase opens or creates a SQLite database at the given path.
func NewDatabase(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return &Database{db: db, path: dbPath}, nil
}

// dsn applies the connection pragmas through the driver so they hold for
// every connection the pool opens.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Migrate brings the schema up to len(steps). Each step runs once, in its
// own transaction, and the applied count is kept in PRAGMA user_version.
func (d *Database) Migrate(steps []string) (from, to int, err error) {
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&from); err != nil {
		return 0, 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if from > len(steps) {
		return from, from, fmt.Errorf("schema version %d is newer than this build (%d)", from, len(steps))
	}

	for v := from; v < len(steps); v++ {
		step := steps[v]
		err := d.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(step); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return from, v, fmt.Errorf("migration %d failed: %w", v+1, err)
		}
	}

	if from != len(steps) {
		log.Info().Int("from", from).Int("to", len(steps)).Msg("database schema migrated")
	}
	return from, len(steps), nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Exec executes a query without returning rows (INSERT, UPDATE, DELETE).
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows. The rows hold the only
// connection until closed.
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction runs fn in a transaction, committing when it returns nil.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
