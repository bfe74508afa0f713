package db

import (
	"context"
	"fmt"
	"time"

	"github.com/shalteor/tracekit/internal/dayclock"
)

// Handshake is one raw observation delivered by the capture layer: an
// identifier seen over the air plus signal metadata and, when the location
// path is enabled, where the device was at the time.
type Handshake struct {
	ID           int64
	EphID        []byte
	Timestamp    time.Time
	TxPowerLevel int
	RSSI         int
	Latitude     *float64
	Longitude    *float64
}

// Contact is a handshake aggregate: one identifier on one day, with the
// number of distinct epochs it was seen in. AssociatedKnownCase is 0 until
// matching links the contact to a disclosed case.
type Contact struct {
	ID                  int64
	Date                time.Time
	EphID               []byte
	WindowCount         int
	AssociatedKnownCase int64
}

// AddHandshake records a raw observation. Safe to call while a sync is
// running; the two paths never touch the same rows.
func (db *DB) AddHandshake(ctx context.Context, h *Handshake) error {
	query := `
		INSERT INTO handshakes (ephid, timestamp, tx_power_level, rssi, latitude, longitude)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := db.ExecContext(ctx, query,
		h.EphID, millis(h.Timestamp), h.TxPowerLevel, h.RSSI, h.Latitude, h.Longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to add handshake: %w", err)
	}
	h.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get handshake id: %w", err)
	}
	return nil
}

// GetHandshakes returns all handshakes observed strictly before maxTime.
func (db *DB) GetHandshakes(ctx context.Context, maxTime time.Time) ([]*Handshake, error) {
	query := `
		SELECT id, ephid, timestamp, tx_power_level, rssi, latitude, longitude
		FROM handshakes
		WHERE timestamp < ?
		ORDER BY id
	`
	rows, err := db.QueryContext(ctx, query, millis(maxTime))
	if err != nil {
		return nil, fmt.Errorf("failed to get handshakes: %w", err)
	}
	defer rows.Close()

	var handshakes []*Handshake
	for rows.Next() {
		h := &Handshake{}
		var ts int64
		if err := rows.Scan(&h.ID, &h.EphID, &ts, &h.TxPowerLevel, &h.RSSI, &h.Latitude, &h.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan handshake: %w", err)
		}
		h.Timestamp = fromMillis(ts)
		handshakes = append(handshakes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return handshakes, nil
}

// GenerateContactsFromHandshakes merges handshakes from completed epochs
// into per-(day, identifier) contacts and deletes the merged handshakes.
// The window count of a contact is the number of distinct epochs the
// identifier was seen in on that day; re-running after new handshakes
// arrive adds their windows onto the existing row.
func (db *DB) GenerateContactsFromHandshakes(ctx context.Context, now time.Time) error {
	epochStart := dayclock.EpochStart(now)
	handshakes, err := db.GetHandshakes(ctx, epochStart)
	if err != nil {
		return err
	}
	if len(handshakes) == 0 {
		return nil
	}

	type dayEphID struct {
		day   dayclock.Day
		ephID string
	}
	windows := make(map[dayEphID]map[int]struct{})
	for _, h := range handshakes {
		key := dayEphID{day: dayclock.DayOf(h.Timestamp), ephID: string(h.EphID)}
		if windows[key] == nil {
			windows[key] = make(map[int]struct{})
		}
		windows[key][dayclock.EpochIndex(h.Timestamp)] = struct{}{}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO contacts (date, ephid, window_count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, ephid) DO UPDATE SET
			window_count = window_count + excluded.window_count
	`
	for key, epochs := range windows {
		if _, err := tx.ExecContext(ctx, upsert, millis(key.day.Start()), []byte(key.ephID), len(epochs)); err != nil {
			return fmt.Errorf("failed to upsert contact: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM handshakes WHERE timestamp < ?`, millis(epochStart)); err != nil {
		return fmt.Errorf("failed to delete merged handshakes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contacts: %w", err)
	}
	return nil
}

// GetContacts returns contacts whose date lies in [from, until).
func (db *DB) GetContacts(ctx context.Context, from, until time.Time) ([]*Contact, error) {
	query := `
		SELECT id, date, ephid, window_count, associated_known_case
		FROM contacts
		WHERE date >= ? AND date < ?
		ORDER BY id
	`
	return db.queryContacts(ctx, query, millis(from), millis(until))
}

// GetAllMatchedContacts returns every contact linked to a known case.
func (db *DB) GetAllMatchedContacts(ctx context.Context) ([]*Contact, error) {
	query := `
		SELECT id, date, ephid, window_count, associated_known_case
		FROM contacts
		WHERE associated_known_case != 0
		ORDER BY id
	`
	return db.queryContacts(ctx, query)
}

func (db *DB) queryContacts(ctx context.Context, query string, args ...any) ([]*Contact, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c := &Contact{}
		var date int64
		if err := rows.Scan(&c.ID, &date, &c.EphID, &c.WindowCount, &c.AssociatedKnownCase); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.Date = fromMillis(date)
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return contacts, nil
}

// MarkContactMatched links a contact to the case whose key produced its
// identifier. Linking an already-linked contact is a no-op, which keeps
// re-matching a batch idempotent.
func (db *DB) MarkContactMatched(ctx context.Context, contactID, caseID int64) error {
	query := `
		UPDATE contacts SET associated_known_case = ?
		WHERE id = ? AND associated_known_case = 0
	`
	if _, err := db.ExecContext(ctx, query, caseID, contactID); err != nil {
		return fmt.Errorf("failed to mark contact matched: %w", err)
	}
	return nil
}
