package engine

import "time"

// Clock abstracts time for deterministic SLA and audit timestamps in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
