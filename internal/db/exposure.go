package db

import (
	"context"
	"fmt"
	"time"
)

// ExposureDay records that the aggregated exposure weight crossed the
// threshold on a day. Inserted at most once per day.
type ExposureDay struct {
	ID         int64
	ExposedDay time.Time
	ReportDate time.Time
}

// AddExposureDay inserts an exposure day if absent and reports whether a
// new row was created. A duplicate insert is a no-op, not an error.
func (db *DB) AddExposureDay(ctx context.Context, exposedDay, reportDate time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO exposure_days (exposed_date, report_date) VALUES (?, ?)`,
		millis(exposedDay), millis(reportDate),
	)
	if err != nil {
		return false, fmt.Errorf("failed to add exposure day: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetExposureDays returns all exposure days ordered by exposed date.
func (db *DB) GetExposureDays(ctx context.Context) ([]*ExposureDay, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, exposed_date, report_date FROM exposure_days ORDER BY exposed_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to get exposure days: %w", err)
	}
	defer rows.Close()

	var days []*ExposureDay
	for rows.Next() {
		d := &ExposureDay{}
		var exposed, report int64
		if err := rows.Scan(&d.ID, &exposed, &report); err != nil {
			return nil, fmt.Errorf("failed to scan exposure day: %w", err)
		}
		d.ExposedDay = fromMillis(exposed)
		d.ReportDate = fromMillis(report)
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return days, nil
}

// RemoveOldData prunes aged-out rows: contacts, cases, handshakes and
// location hashes older than dataCutoff, and exposure days whose report
// date is older than exposureCutoff. An exposure day inside its window
// survives even after its supporting contacts are gone.
func (db *DB) RemoveOldData(ctx context.Context, dataCutoff, exposureCutoff time.Time) error {
	statements := []struct {
		query  string
		cutoff time.Time
	}{
		{`DELETE FROM known_cases WHERE bucket_time < ?`, dataCutoff},
		{`DELETE FROM contacts WHERE date < ?`, dataCutoff},
		{`DELETE FROM handshakes WHERE timestamp < ?`, dataCutoff},
		{`DELETE FROM loc_hashes WHERE time < ?`, dataCutoff},
		{`DELETE FROM exposure_days WHERE report_date < ?`, exposureCutoff},
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.query, millis(stmt.cutoff)); err != nil {
			return fmt.Errorf("failed to remove old data: %w", err)
		}
	}
	return nil
}
