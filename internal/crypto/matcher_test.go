package crypto

import (
	"testing"
	"time"

	"github.com/shalteor/tracekit/internal/dayclock"
)

// contactTable backs GetContactsFunc with fixed observations.
type contactTable struct {
	contacts []struct {
		at time.Time
		c  Candidate
	}
}

func (ct *contactTable) add(id int64, ephID EphID, at time.Time) {
	ct.contacts = append(ct.contacts, struct {
		at time.Time
		c  Candidate
	}{at, Candidate{ID: id, EphID: ephID}})
}

func (ct *contactTable) get(from, until time.Time) ([]Candidate, error) {
	var out []Candidate
	for _, entry := range ct.contacts {
		if !entry.at.Before(from) && entry.at.Before(until) {
			out = append(out, entry.c)
		}
	}
	return out, nil
}

func collectMatches(matches *[]int64) MatchFunc {
	return func(c Candidate) error {
		*matches = append(*matches, c.ID)
		return nil
	}
}

func TestCheckContacts(t *testing.T) {
	onset := dayclock.DayOf(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	key := testKey(0x55)
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

	idsOnset, err := DeriveEphIDs(key)
	if err != nil {
		t.Fatalf("DeriveEphIDs failed: %v", err)
	}
	idsNext, err := DeriveEphIDs(NextDayKey(key))
	if err != nil {
		t.Fatalf("DeriveEphIDs failed: %v", err)
	}

	t.Run("matches an observation on the onset day", func(t *testing.T) {
		table := &contactTable{}
		table.add(1, idsOnset[10], onset.Start().Add(3*time.Hour))

		var matches []int64
		err := CheckContacts(key, onset, onset.Next().Next().Start(), now, table.get, collectMatches(&matches))
		if err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(matches) != 1 || matches[0] != 1 {
			t.Errorf("Expected match for contact 1, got %v", matches)
		}
	})

	t.Run("attributes later days to the chained key", func(t *testing.T) {
		table := &contactTable{}
		// Observed the day after onset; only the rotated key derives it.
		table.add(2, idsNext[20], onset.Next().Start().Add(5*time.Hour))

		var matches []int64
		err := CheckContacts(key, onset, onset.Next().Next().Start(), now, table.get, collectMatches(&matches))
		if err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(matches) != 1 || matches[0] != 2 {
			t.Errorf("Expected match for contact 2, got %v", matches)
		}
	})

	t.Run("onset-day identifiers do not match on other days", func(t *testing.T) {
		table := &contactTable{}
		table.add(3, idsOnset[10], onset.Next().Start().Add(5*time.Hour))

		var matches []int64
		err := CheckContacts(key, onset, onset.Next().Next().Start(), now, table.get, collectMatches(&matches))
		if err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(matches) != 0 {
			t.Errorf("Expected no matches, got %v", matches)
		}
	})

	t.Run("window stops at the bucket boundary", func(t *testing.T) {
		bucketTime := onset.Next().Start().Add(6 * time.Hour)
		table := &contactTable{}
		table.add(4, idsNext[30], bucketTime.Add(-time.Minute))
		table.add(5, idsNext[31], bucketTime) // at the boundary, not yet covered

		var matches []int64
		err := CheckContacts(key, onset, bucketTime, now, table.get, collectMatches(&matches))
		if err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(matches) != 1 || matches[0] != 4 {
			t.Errorf("Expected only contact 4, got %v", matches)
		}
	})

	t.Run("onset after the bucket yields no walk", func(t *testing.T) {
		table := &contactTable{}
		table.add(6, idsOnset[0], onset.Start())

		var matches []int64
		lateOnset := dayclock.DayOf(now).Next()
		err := CheckContacts(key, lateOnset, onset.Next().Start(), now, table.get, collectMatches(&matches))
		if err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(matches) != 0 {
			t.Errorf("Expected no matches, got %v", matches)
		}
	})

	t.Run("walk never runs past today", func(t *testing.T) {
		// A bucket far in the future must still stop at now's day.
		table := &contactTable{}
		table.add(7, idsOnset[5], onset.Start().Add(time.Hour))

		var matches []int64
		farBucket := now.Add(100 * 24 * time.Hour)
		err := CheckContacts(key, onset, farBucket, now, table.get, collectMatches(&matches))
		if err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(matches) != 1 {
			t.Errorf("Expected one match, got %v", matches)
		}
	})

	t.Run("rerunning over unchanged contacts matches identically", func(t *testing.T) {
		table := &contactTable{}
		table.add(8, idsOnset[40], onset.Start().Add(2*time.Hour))
		table.add(9, idsNext[41], onset.Next().Start().Add(2*time.Hour))

		bucketTime := onset.Next().Next().Start()
		var first, second []int64
		if err := CheckContacts(key, onset, bucketTime, now, table.get, collectMatches(&first)); err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if err := CheckContacts(key, onset, bucketTime, now, table.get, collectMatches(&second)); err != nil {
			t.Fatalf("CheckContacts failed: %v", err)
		}
		if len(first) != 2 || len(second) != 2 {
			t.Fatalf("Expected 2 matches each run, got %v then %v", first, second)
		}
		for i := range first {
			if first[i] != second[i] {
				t.Errorf("Runs diverged: %v vs %v", first, second)
			}
		}
	})
}
