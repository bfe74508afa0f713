// Package dayclock converts wall-clock time into the protocol's calendar-day
// and epoch indices. Day boundaries are fixed at UTC midnight and are not
// timezone-adjusted; every device on the planet agrees on the same Day for a
// given instant.
package dayclock

import (
	"fmt"
	"time"
)

const (
	// EpochsPerDay is the number of broadcast epochs in one day.
	EpochsPerDay = 24 * 4

	// EpochLength is the duration of a single broadcast epoch.
	EpochLength = 24 * time.Hour / EpochsPerDay
)

// Day identifies a calendar day as the number of whole days since the Unix
// epoch.
type Day int64

// DayOf returns the Day containing t.
func DayOf(t time.Time) Day {
	secs := t.Unix()
	if secs < 0 && secs%86400 != 0 {
		return Day(secs/86400 - 1)
	}
	return Day(secs / 86400)
}

// Start returns the first instant of the day.
func (d Day) Start() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

// Next returns the following day.
func (d Day) Next() Day {
	return d + 1
}

// Sub returns the day n days earlier.
func (d Day) Sub(n int) Day {
	return d - Day(n)
}

// Before reports whether d is strictly earlier than other.
func (d Day) Before(other Day) bool {
	return d < other
}

// String formats the day as an ISO date.
func (d Day) String() string {
	return d.Start().Format("2006-01-02")
}

// EpochIndex returns the index of t's epoch within its day, in [0, EpochsPerDay).
func EpochIndex(t time.Time) int {
	return int(t.Sub(DayOf(t).Start()) / EpochLength)
}

// EpochStart returns the first instant of t's epoch.
func EpochStart(t time.Time) time.Time {
	d := DayOf(t)
	return d.Start().Add(time.Duration(EpochIndex(t)) * EpochLength)
}

// ParseDay parses an ISO date produced by Day.String.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse day: %w", err)
	}
	return DayOf(t), nil
}
