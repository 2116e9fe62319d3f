// Package system provides the wall clock used by a live crawl.
package system

import "time"

// Clock implements crawl.Clock. Times are UTC so reports, checkpoint
// snapshots and ledger rows agree regardless of host zone.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
