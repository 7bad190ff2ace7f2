package ratelimit

import "time"

// Clock abstracts time so limiter behavior is deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
