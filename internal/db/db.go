// Package db persists everything the tracing core keeps on device: raw
// handshakes from the capture layer, aggregated contacts, disclosed known
// cases, computed exposure days, the auxiliary location hashes, and a small
// key-value table for blob state (key chain, ephid cache, sync checkpoint).
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS handshakes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ephid BLOB NOT NULL,
	timestamp INTEGER NOT NULL,
	tx_power_level INTEGER NOT NULL,
	rssi INTEGER NOT NULL,
	latitude REAL NULL,
	longitude REAL NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	date INTEGER NOT NULL,
	ephid BLOB NOT NULL,
	window_count INTEGER NOT NULL,
	associated_known_case INTEGER NOT NULL DEFAULT 0,
	UNIQUE (date, ephid)
);

CREATE TABLE IF NOT EXISTS known_cases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key BLOB NOT NULL UNIQUE,
	onset INTEGER NOT NULL,
	bucket_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exposure_days (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exposed_date INTEGER NOT NULL UNIQUE,
	report_date INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS loc_hashes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	direction TEXT NOT NULL CHECK (direction IN ('broadcast', 'received')),
	hash TEXT NOT NULL,
	time INTEGER NOT NULL,
	UNIQUE (direction, hash, time)
);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handshakes_timestamp ON handshakes(timestamp);
CREATE INDEX IF NOT EXISTS idx_contacts_date ON contacts(date);
CREATE INDEX IF NOT EXISTS idx_contacts_case ON contacts(associated_known_case);
`

type DB struct {
	*sql.DB
}

// New opens (and if necessary creates) the device database at path. Pass
// ":memory:" for an ephemeral database in tests.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &DB{db}, nil
}

// millis converts a time to the unix-millisecond representation stored in
// every timestamp column.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
