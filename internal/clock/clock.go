// Package clock abstracts wall-clock access so services can be tested
// against a controlled time source.
package clock

import "time"

// Clock returns the current time. All services read time through this
// interface instead of calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock pinned to a single instant. Tests advance it by
// replacing the value.
type Fixed struct {
	At time.Time
}

// Now returns the pinned instant.
func (f *Fixed) Now() time.Time { return f.At }
