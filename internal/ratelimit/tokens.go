package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBudgetResult is the outcome of a daily token budget check.
type TokenBudgetResult struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (r TokenBudgetResult) Remaining() int64 { return max(r.Limit-r.Used, 0) }

// TokenBudget counts tokens per gateway key per UTC day, in Redis when a
// client is configured and in process otherwise or when Redis fails.
type TokenBudget struct {
	rdb *redis.Client
	now func() time.Time

	mu    sync.Mutex
	day   string
	local map[string]int64
}

func NewTokenBudget(rdb *redis.Client) *TokenBudget {
	return &TokenBudget{rdb: rdb, now: time.Now, local: make(map[string]int64)}
}

// today returns the UTC date stamp and the start of the next UTC day.
func (b *TokenBudget) today() (string, time.Time) {
	now := b.now().UTC()
	y, m, d := now.Date()
	return now.Format(time.DateOnly), time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func dailyKey(keyID, day string) string {
	return fmt.Sprintf("meridian:tokens:daily:%s:%s", keyID, day)
}

// Check reports whether keyID is still under limit tokens today. A limit of
// zero or less is unlimited.
func (b *TokenBudget) Check(ctx context.Context, keyID string, limit int64) (TokenBudgetResult, error) {
	if b == nil || limit <= 0 {
		return TokenBudgetResult{Allowed: true, Limit: limit}, nil
	}
	day, reset := b.today()
	res := TokenBudgetResult{Allowed: true, Limit: limit, ResetAt: reset}

	used, err := b.used(ctx, keyID, day)
	if err != nil {
		return res, err
	}
	res.Used = used
	res.Allowed = used < limit
	return res, nil
}

func (b *TokenBudget) used(ctx context.Context, keyID, day string) (int64, error) {
	if b.rdb != nil {
		n, err := b.rdb.Get(ctx, dailyKey(keyID, day)).Int64()
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, redis.Nil):
			return 0, nil
		}
		slog.Warn("token budget read failed, using local count", "key_id", keyID, "error", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover(day)
	return b.local[keyID], nil
}

// Record adds tokens to keyID's counter for today.
func (b *TokenBudget) Record(ctx context.Context, keyID string, tokens int64) error {
	if b == nil || tokens <= 0 || keyID == "" {
		return nil
	}
	day, reset := b.today()

	if b.rdb != nil {
		key := dailyKey(keyID, day)
		pipe := b.rdb.Pipeline()
		pipe.IncrBy(ctx, key, tokens)
		// Keep the counter an hour past midnight for late readers.
		pipe.ExpireAt(ctx, key, reset.Add(time.Hour))
		_, err := pipe.Exec(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("token budget write failed, counting locally", "key_id", keyID, "error", err)
	}

	b.mu.Lock()
	b.rollover(day)
	b.local[keyID] += tokens
	b.mu.Unlock()
	return nil
}

// rollover drops local counts from previous days. Callers hold mu.
func (b *TokenBudget) rollover(day string) {
	if b.day != day {
		b.day = day
		clear(b.local)
	}
}
