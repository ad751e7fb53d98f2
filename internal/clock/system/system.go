// Package system provides the wall clock behind run ledger timestamps.
package system

import "time"

// Precision matches the resolution of Postgres timestamptz columns, so a ledger
// row read back compares equal to the value that was recorded.
const Precision = time.Microsecond

// Clock reads the wall clock in UTC, truncated to Precision. Truncation also
// drops the monotonic reading.
type Clock struct {
	now func() time.Time
}

// New returns a Clock over time.Now.
func New() Clock {
	return Clock{now: time.Now}
}

// Now implements extract.Clock.
func (c Clock) Now() time.Time {
	now := c.now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Truncate(Precision)
}
