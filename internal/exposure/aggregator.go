// Package exposure turns matched contacts into per-day exposure verdicts.
package exposure

import (
	"context"
	"time"

	"github.com/shalteor/tracekit/internal/crypto"
	"github.com/shalteor/tracekit/internal/dayclock"
	"github.com/shalteor/tracekit/internal/db"
)

// Aggregator recomputes exposure days from the full set of matched
// contacts. Recomputation is idempotent: a day already promoted stays
// promoted and is never inserted twice.
type Aggregator struct {
	db *db.DB
}

// NewAggregator creates an aggregator over the device database.
func NewAggregator(database *db.DB) *Aggregator {
	return &Aggregator{db: database}
}

// Recompute groups all matched contacts by day, sums their window counts,
// and promotes every day at or above threshold to an exposure day, skipping
// days that have already aged past the exposure retention window. It
// returns whether at least one new exposure day was inserted, so callers
// can tell "newly exposed" apart from "recomputed, nothing new".
func (a *Aggregator) Recompute(ctx context.Context, now time.Time, threshold int) (bool, error) {
	matched, err := a.db.GetAllMatchedContacts(ctx)
	if err != nil {
		return false, err
	}

	weightByDay := make(map[dayclock.Day]int)
	for _, contact := range matched {
		weightByDay[dayclock.DayOf(contact.Date)] += contact.WindowCount
	}

	maxAge := dayclock.DayOf(now).Sub(crypto.KeepExposedDays)
	newlyExposed := false
	for day, weight := range weightByDay {
		if day.Before(maxAge) {
			continue
		}
		if weight < threshold {
			continue
		}
		inserted, err := a.db.AddExposureDay(ctx, day.Start(), now)
		if err != nil {
			return newlyExposed, err
		}
		if inserted {
			newlyExposed = true
		}
	}
	return newlyExposed, nil
}
