package db

import (
	"context"
	"fmt"
	"time"
)

// Direction of a stored location hash: hashes we broadcast ourselves versus
// hashes computed from observed identifiers.
const (
	LocHashBroadcast = "broadcast"
	LocHashReceived  = "received"
)

// AddLocHashes stores a set of location digests for one observation or
// broadcast. Duplicates are ignored.
func (db *DB) AddLocHashes(ctx context.Context, direction string, hashes []string, t time.Time) error {
	query := `
		INSERT OR IGNORE INTO loc_hashes (direction, hash, time) VALUES (?, ?, ?)
	`
	for _, hash := range hashes {
		if _, err := db.ExecContext(ctx, query, direction, hash, millis(t)); err != nil {
			return fmt.Errorf("failed to add location hash: %w", err)
		}
	}
	return nil
}

// GetLocHashes returns all stored hashes in the given direction.
func (db *DB) GetLocHashes(ctx context.Context, direction string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT hash FROM loc_hashes WHERE direction = ? ORDER BY id`, direction)
	if err != nil {
		return nil, fmt.Errorf("failed to get location hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan location hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return hashes, nil
}
