// Package system provides the wall-clock implementation of scraper.Clock.
package system

import "time"

// Clock reports UTC wall time for record timestamps and session start.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
