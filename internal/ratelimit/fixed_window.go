package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when a key has exhausted its window budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBlocked is returned while a key is under a hard block. A hard block
	// overrides window accounting until it expires.
	ErrBlocked = errors.New("temporarily blocked")
)

// FixedWindow is a per-key fixed-window counter with an optional hard-block
// escalation.
//
// Each key gets an independent counter that silently resets once the window
// elapses. When BlockOnBreach is non-zero, the attempt that breaches the
// ceiling additionally places the key under a hard block for that duration;
// while blocked, every attempt fails with ErrBlocked regardless of window
// state. The escalation exists to blunt room-code brute-forcing, which is a
// different attacker profile than ordinary burst abuse.
type FixedWindow struct {
	clock  Clock
	limit  int
	window time.Duration

	// BlockOnBreach, when > 0, is the hard-block duration applied on a
	// ceiling breach.
	blockOnBreach time.Duration

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count        int
	resetAt      time.Time
	blockedUntil time.Time
	lastTouch    time.Time
}

func NewFixedWindow(clock Clock, limit int, window, blockOnBreach time.Duration) *FixedWindow {
	if clock == nil {
		clock = RealClock{}
	}
	return &FixedWindow{
		clock:         clock,
		limit:         limit,
		window:        window,
		blockOnBreach: blockOnBreach,
		entries:       make(map[string]*windowEntry),
	}
}

// Allow records an attempt for key and reports whether it is admitted.
//
// A limit <= 0 disables the limiter entirely.
func (l *FixedWindow) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[key]
	if e == nil {
		e = &windowEntry{}
		l.entries[key] = e
	}
	e.lastTouch = now

	if e.blockedUntil.After(now) {
		return ErrBlocked
	}

	if now.After(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(l.window)
	}

	e.count++
	if e.count > l.limit {
		if l.blockOnBreach > 0 {
			e.blockedUntil = now.Add(l.blockOnBreach)
			return ErrBlocked
		}
		return ErrRateLimited
	}
	return nil
}

// Blocked reports whether key is currently under a hard block.
func (l *FixedWindow) Blocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	return e != nil && e.blockedUntil.After(l.clock.Now())
}

// Sweep removes entries untouched for longer than maxIdle and returns how
// many were dropped. It bounds memory growth from one-off abusive keys.
func (l *FixedWindow) Sweep(maxIdle time.Duration) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastTouch) > maxIdle && !e.blockedUntil.After(now) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
