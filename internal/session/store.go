// Package session remembers per-session token usage so later requests can
// size compaction from what the provider actually reported.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderSessionID carries the client's session identifier.
const HeaderSessionID = "X-Session-ID"

// DefaultID is shared by every caller that sent neither a session header
// nor a gateway key.
const DefaultID = "default"

const redisKeyPrefix = "meridian:session:"

// Usage is the token usage a provider reported for one response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Stats is the accumulated usage of a session.
type Stats struct {
	LastInputTokens   int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCachedTokens int64
	Requests          int64
}

type memEntry struct {
	stats     Stats
	expiresAt time.Time
}

// Store keeps session stats in a Redis hash per session. With a nil client,
// or when Redis fails, it falls back to process memory.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time

	mu  sync.Mutex
	mem map[string]memEntry
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now, mem: make(map[string]memEntry)}
}

// ResolveID picks the session id: the X-Session-ID header, else the gateway
// key id, else DefaultID.
func ResolveID(r *http.Request, keyID string) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderSessionID)); id != "" {
		return id
	}
	if keyID != "" {
		return keyID
	}
	return DefaultID
}

// LastInputTokens returns the input token count of the session's most
// recent response, if one was recorded. DefaultID has none: its counts mix
// unrelated callers.
func (s *Store) LastInputTokens(ctx context.Context, id string) (int, bool) {
	if id == DefaultID {
		return 0, false
	}
	stats, ok := s.Get(ctx, id)
	if !ok || stats.LastInputTokens <= 0 {
		return 0, false
	}
	return stats.LastInputTokens, true
}

// Get returns the session's stats.
func (s *Store) Get(ctx context.Context, id string) (Stats, bool) {
	if s == nil {
		return Stats{}, false
	}
	if s.rdb != nil {
		stats, ok, err := s.getRedis(ctx, id)
		if err == nil {
			return stats, ok
		}
		slog.Warn("session read failed, using memory", "session_id", id, "error", err)
	}
	return s.getMem(id)
}

// Record adds usage to the session and resets its expiry.
func (s *Store) Record(ctx context.Context, id string, u Usage) {
	if s == nil || (u.InputTokens <= 0 && u.OutputTokens <= 0) {
		return
	}
	if s.rdb != nil {
		err := s.recordRedis(ctx, id, u)
		if err == nil {
			return
		}
		slog.Warn("session write failed, using memory", "session_id", id, "error", err)
	}
	s.recordMem(id, u)
}

func (s *Store) getRedis(ctx context.Context, id string) (Stats, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return Stats{}, false, fmt.Errorf("read session: %w", err)
	}
	if len(vals) == 0 {
		return Stats{}, false, nil
	}
	var stats Stats
	var last int64
	for field, dest := range map[string]*int64{
		"last_input_tokens":   &last,
		"total_input_tokens":  &stats.TotalInputTokens,
		"total_output_tokens": &stats.TotalOutputTokens,
		"total_cached_tokens": &stats.TotalCachedTokens,
		"requests":            &stats.Requests,
	} {
		if v, ok := vals[field]; ok {
			fmt.Sscan(v, dest)
		}
	}
	stats.LastInputTokens = int(last)
	return stats, true, nil
}

func (s *Store) recordRedis(ctx context.Context, id string, u Usage) error {
	key := redisKeyPrefix + id
	pipe := s.rdb.TxPipeline()
	if u.InputTokens > 0 {
		pipe.HSet(ctx, key, "last_input_tokens", u.InputTokens)
	}
	pipe.HIncrBy(ctx, key, "total_input_tokens", int64(u.InputTokens))
	pipe.HIncrBy(ctx, key, "total_output_tokens", int64(u.OutputTokens))
	pipe.HIncrBy(ctx, key, "total_cached_tokens", int64(u.CachedTokens))
	pipe.HIncrBy(ctx, key, "requests", 1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record session usage: %w", err)
	}
	return nil
}

func (s *Store) getMem(id string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.mem[id]
	if !ok {
		return Stats{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.mem, id)
		return Stats{}, false
	}
	return e.stats, true
}

func (s *Store) recordMem(id string, u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.mem[id]
	if !ok || now.After(e.expiresAt) {
		e = memEntry{}
	}
	if u.InputTokens > 0 {
		e.stats.LastInputTokens = u.InputTokens
	}
	e.stats.TotalInputTokens += int64(u.InputTokens)
	e.stats.TotalOutputTokens += int64(u.OutputTokens)
	e.stats.TotalCachedTokens += int64(u.CachedTokens)
	e.stats.Requests++
	e.expiresAt = now.Add(s.ttl)
	s.mem[id] = e

	s.sweepLocked(now)
}

// sweepLocked drops expired entries once the map grows past a bound.
func (s *Store) sweepLocked(now time.Time) {
	if len(s.mem) < 1024 {
		return
	}
	for id, e := range s.mem {
		if now.After(e.expiresAt) {
			delete(s.mem, id)
		}
	}
}
