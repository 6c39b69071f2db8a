// Package storage persists room records and user accounts in SQLite.
package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// DB wraps the relay's SQLite database.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database at path and ensures the schema exists.
// ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrap(err, "create database dir")
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure database")
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			room_id    TEXT NOT NULL,
			body       TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			username   TEXT NOT NULL DEFAULT '',
			file_id    TEXT NOT NULL DEFAULT '',
			file_name  TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS records_room_seq ON records (room_id, seq);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create records table")
	}

	// Migration: attachment columns for databases created before them
	db.Exec(`ALTER TABLE records ADD COLUMN file_id TEXT NOT NULL DEFAULT ''`)
	db.Exec(`ALTER TABLE records ADD COLUMN file_name TEXT NOT NULL DEFAULT ''`)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL DEFAULT '',
			password_hash BLOB NOT NULL,
			created_at    INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create users table")
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			message    TEXT NOT NULL,
			type       TEXT NOT NULL DEFAULT 'info',
			is_read    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS notifications_user_created ON notifications (user_id, created_at);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create notifications table")
	}

	log.Infof("database ready at %s", path)
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
