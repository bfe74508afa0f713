package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GetKV returns the value stored under key, with ok reporting whether the
// key exists.
func (db *DB) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get kv %q: %w", key, err)
	}
	return value, true, nil
}

// SetKV stores value under key, replacing any previous value in a single
// statement so readers never observe a partial write.
func (db *DB) SetKV(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set kv %q: %w", key, err)
	}
	return nil
}

// DeleteKV removes key. Deleting an absent key is not an error.
func (db *DB) DeleteKV(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete kv %q: %w", key, err)
	}
	return nil
}
