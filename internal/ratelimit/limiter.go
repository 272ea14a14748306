// Package ratelimit enforces per-key request rates and daily token budgets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult is the outcome of a rate limit check. RetryAfter is set only
// when the request was refused and is the time until the oldest request in
// the window expires.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a sliding-window-log limiter. With Redis the log lives in a
// sorted set shared by every gateway replica; without it each process keeps
// its own log.
type Limiter struct {
	rdb *redis.Client
	now func() time.Time

	mu     sync.Mutex
	local  map[string][]time.Time
	checks int
}

// sweepEvery bounds how often idle local windows are dropped.
const sweepEvery = 1024

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now, local: make(map[string][]time.Time)}
}

// KEYS[1] window key. ARGV: window start, now (unix micro), limit, ttl seconds.
// Returns {count, allowed, oldest score}.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. redis.call('INCR', key .. ':seq'))
    redis.call('EXPIRE', key .. ':seq', ARGV[4])
    count = count + 1
    allowed = 1
end
redis.call('EXPIRE', key, ARGV[4])

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then first = tonumber(oldest[2]) end
return {count, allowed, first}
`)

// Check records a request against key if fewer than limit requests were
// admitted in the trailing window.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error) {
	if l == nil {
		return LimitResult{Allowed: true, Remaining: limit}, nil
	}
	now := l.now()
	if l.rdb == nil {
		return l.checkLocal(key, limit, window, now), nil
	}

	res, err := windowScript.Run(ctx, l.rdb, []string{"meridian:rl:" + key},
		now.Add(-window).UnixMicro(), now.UnixMicro(), limit, int64(window/time.Second)+1,
	).Int64Slice()
	if err != nil {
		slog.Warn("rate limit check failed, falling back to local window", "key", key, "error", err)
		return l.checkLocal(key, limit, window, now), nil
	}
	if len(res) != 3 {
		return LimitResult{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	return result(res[0], res[1] == 1, time.UnixMicro(res[2]), limit, window, now), nil
}

func (l *Limiter) checkLocal(key string, limit int64, window time.Duration, now time.Time) LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checks++
	if l.checks%sweepEvery == 0 {
		l.sweep(now, window)
	}

	log := prune(l.local[key], now.Add(-window))
	allowed := int64(len(log)) < limit
	if allowed {
		log = append(log, now)
	}
	l.local[key] = log

	oldest := now
	if len(log) > 0 {
		oldest = log[0]
	}
	return result(int64(len(log)), allowed, oldest, limit, window, now)
}

// sweep drops windows with no entries newer than the window start. Windows
// of a different length than the current check may be cut early, which only
// ever admits more.
func (l *Limiter) sweep(now time.Time, window time.Duration) {
	for k, log := range l.local {
		if len(prune(log, now.Add(-window))) == 0 {
			delete(l.local, k)
		}
	}
}

// prune removes entries at or before start. The log is in admission order.
func prune(log []time.Time, start time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(start) {
		i++
	}
	return log[i:]
}

func result(count int64, allowed bool, oldest time.Time, limit int64, window time.Duration, now time.Time) LimitResult {
	r := LimitResult{
		Allowed:   allowed,
		Remaining: max(limit-count, 0),
		ResetAt:   oldest.Add(window),
	}
	if !allowed {
		r.RetryAfter = max(r.ResetAt.Sub(now), 0)
	}
	return r
}
