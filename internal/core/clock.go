package core

import "time"

// Clock supplies "now" to the engine. Tests drive a manual clock so timing
// rules are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
