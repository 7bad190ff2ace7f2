package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow enforces the same fixed-window + hard-block semantics as
// FixedWindow, but against a shared Redis backend so the window is consistent
// across gateway processes.
//
// The window is expressed as an atomic INCR plus a set-TTL-if-first-increment;
// a breach sets a separate block key with its own TTL. Store failures degrade
// to a process-local fallback limiter instead of stalling or rejecting.
type RedisWindow struct {
	client    *redis.Client
	prefix    string
	limit     int
	window    time.Duration
	block     time.Duration
	opTimeout time.Duration
	log       *slog.Logger

	fallback *FixedWindow
}

type RedisWindowConfig struct {
	Client        *redis.Client
	KeyPrefix     string
	Limit         int
	Window        time.Duration
	BlockOnBreach time.Duration
	OpTimeout     time.Duration
	Logger        *slog.Logger
	Clock         Clock

	// Fallback, when set, is the local window used while the store is
	// unavailable. Sharing it with the caller keeps its entries visible to
	// the caller's sweep schedule. When nil a private window is created.
	Fallback *FixedWindow
}

func NewRedisWindow(cfg RedisWindowConfig) *RedisWindow {
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = NewFixedWindow(cfg.Clock, cfg.Limit, cfg.Window, cfg.BlockOnBreach)
	}
	return &RedisWindow{
		client:    cfg.Client,
		prefix:    cfg.KeyPrefix,
		limit:     cfg.Limit,
		window:    cfg.Window,
		block:     cfg.BlockOnBreach,
		opTimeout: opTimeout,
		log:       log,
		fallback:  fallback,
	}
}

// Allow records an attempt for key. The check completes before the caller may
// proceed; it holds a bounded timeout so a slow store cannot stall the event
// path.
func (l *RedisWindow) Allow(ctx context.Context, key string) error {
	if l.limit <= 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	blockKey := l.prefix + "block:" + key
	blocked, err := l.client.Exists(opCtx, blockKey).Result()
	if err != nil {
		return l.degrade(key, err)
	}
	if blocked > 0 {
		return ErrBlocked
	}

	countKey := l.prefix + "count:" + key
	n, err := l.client.Incr(opCtx, countKey).Result()
	if err != nil {
		return l.degrade(key, err)
	}
	if n == 1 {
		if err := l.client.Expire(opCtx, countKey, l.window).Err(); err != nil {
			return l.degrade(key, err)
		}
	}
	if n <= int64(l.limit) {
		return nil
	}

	if l.block > 0 {
		if err := l.client.Set(opCtx, blockKey, "1", l.block).Err(); err != nil {
			l.log.Warn("rate limit block write failed", "key", key, "err", err)
		}
		return ErrBlocked
	}
	return ErrRateLimited
}

func (l *RedisWindow) degrade(key string, err error) error {
	l.log.Warn("rate limit store unavailable, using local window", "err", err)
	return l.fallback.Allow(key)
}

// Sweep reclaims idle entries from the local fallback window. Redis-side keys
// expire on their own TTLs; only the in-process map needs sweeping.
func (l *RedisWindow) Sweep(maxIdle time.Duration) int {
	return l.fallback.Sweep(maxIdle)
}
