package crypto

import (
	"time"

	"github.com/shalteor/tracekit/internal/dayclock"
)

// Candidate is the matcher's view of a stored contact: just enough to test
// set membership and report which row matched.
type Candidate struct {
	ID    int64
	EphID EphID
}

// GetContactsFunc returns stored contacts observed in [from, until).
type GetContactsFunc func(from, until time.Time) ([]Candidate, error)

// MatchFunc is invoked once per contact whose identifier the disclosed key
// could have produced.
type MatchFunc func(Candidate) error

// CheckContacts walks every day a disclosed key was valid, from onsetDay
// through the earlier of bucketTime's day and now's day, derives that day's
// full identifier set, and tests the locally observed contacts of the same
// day against it.
//
// The per-day observation window is half open, [start(d), min(start(d+1),
// bucketTime)), so a case's bucket boundary is never counted twice across
// batches. The day key is chained forward from the disclosed key exactly as
// the owner would have rotated it. An onset day after bucketTime yields an
// empty walk and no matches.
//
// Matching is pure given its inputs; callers re-running it over unchanged
// contacts get the same matches, and recording a match must itself be
// idempotent (the storage layer ignores an already-linked contact).
func CheckContacts(key SecretKey, onsetDay dayclock.Day, bucketTime time.Time, now time.Time, getContacts GetContactsFunc, matched MatchFunc) error {
	day := onsetDay
	dayKey := key
	today := dayclock.DayOf(now)

	for !day.Start().After(bucketTime) && !today.Before(day) {
		from := day.Start()
		until := day.Next().Start()
		if bucketTime.Before(until) {
			until = bucketTime
		}

		contacts, err := getContacts(from, until)
		if err != nil {
			return err
		}
		if len(contacts) > 0 {
			ids, err := DeriveEphIDs(dayKey)
			if err != nil {
				return err
			}
			idSet := make(map[EphID]struct{}, len(ids))
			for _, id := range ids {
				idSet[id] = struct{}{}
			}
			for _, contact := range contacts {
				if _, ok := idSet[contact.EphID]; ok {
					if err := matched(contact); err != nil {
						return err
					}
				}
			}
		}

		day = day.Next()
		dayKey = NextDayKey(dayKey)
	}
	return nil
}
