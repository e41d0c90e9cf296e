package application

import "time"

// Clock abstracts time so lifecycle timestamps are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default implementation.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. For tests.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
