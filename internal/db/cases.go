package db

import (
	"context"
	"fmt"
	"time"
)

// KnownCase is a disclosed case: the secret key a confirmed-positive peer
// published, the onset day it became valid, and the bucket boundary up to
// which it could have been broadcast.
type KnownCase struct {
	ID         int64
	Key        []byte
	Onset      time.Time
	BucketTime time.Time
}

// AddKnownCase stores a disclosed case, deduplicated by key value. The
// returned flag reports whether the case was new; a replayed key keeps its
// stored row untouched and returns that row's id, so callers can re-link
// contacts after an interrupted run.
func (db *DB) AddKnownCase(ctx context.Context, key []byte, onset, bucketTime time.Time) (int64, bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO known_cases (key, onset, bucket_time) VALUES (?, ?, ?)`,
		key, millis(onset), millis(bucketTime),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to add known case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var id int64
		if err := db.QueryRowContext(ctx, `SELECT id FROM known_cases WHERE key = ?`, key).Scan(&id); err != nil {
			return 0, false, fmt.Errorf("failed to get case id: %w", err)
		}
		return id, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get case id: %w", err)
	}
	return id, true, nil
}

// GetKnownCases returns all stored cases, oldest first.
func (db *DB) GetKnownCases(ctx context.Context) ([]*KnownCase, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, key, onset, bucket_time FROM known_cases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get known cases: %w", err)
	}
	defer rows.Close()

	var cases []*KnownCase
	for rows.Next() {
		kc := &KnownCase{}
		var onset, bucket int64
		if err := rows.Scan(&kc.ID, &kc.Key, &onset, &bucket); err != nil {
			return nil, fmt.Errorf("failed to scan known case: %w", err)
		}
		kc.Onset = fromMillis(onset)
		kc.BucketTime = fromMillis(bucket)
		cases = append(cases, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cases, nil
}
