package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

const (
	cachePrefix = "meridian:key:"

	// Cached in place of metadata for hashes that matched no active key.
	cacheMiss = "-"

	defaultNegativeTTL = 30 * time.Second
)

// KeyStore looks up API key metadata by hash. A nil result with a nil error
// means the key does not exist.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// DB is the part of pgx the key store needs. *pgxpool.Pool and *pgx.Conn
// both satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CachedKeyStore reads api_keys from Postgres behind a Redis cache. Unknown
// hashes are cached too, for a shorter time, so a client retrying a bad key
// does not reach the database on every request.
type CachedKeyStore struct {
	db          DB
	redis       *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
}

func NewCachedKeyStore(db DB, rdb *redis.Client, ttl time.Duration) *CachedKeyStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedKeyStore{db: db, redis: rdb, ttl: ttl, negativeTTL: min(defaultNegativeTTL, ttl)}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if meta, hit := s.cached(ctx, keyHash); hit {
		return meta, nil
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	s.store(ctx, keyHash, meta)
	return meta, nil
}

// cached reports a cache hit; a hit may carry nil metadata for a known-bad
// hash.
func (s *CachedKeyStore) cached(ctx context.Context, keyHash string) (*KeyMetadata, bool) {
	if s.redis == nil {
		return nil, false
	}
	raw, err := s.redis.Get(ctx, cachePrefix+keyHash).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false
	case err != nil:
		slog.Warn("key cache read failed", "error", err)
		return nil, false
	case string(raw) == cacheMiss:
		return nil, true
	}
	var meta KeyMetadata
	if err := json.Unmarshal(raw, &meta); err != nil || !meta.ExpiresAt.After(time.Now()) {
		return nil, false
	}
	return &meta, true
}

func (s *CachedKeyStore) store(ctx context.Context, keyHash string, meta *KeyMetadata) {
	if s.redis == nil {
		return
	}
	var (
		val any = cacheMiss
		ttl     = s.negativeTTL
	)
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return
		}
		val = data
		// Never cache past the key's own expiry.
		ttl = min(s.ttl, time.Until(meta.ExpiresAt))
	}
	if ttl <= 0 {
		return
	}
	if err := s.redis.Set(ctx, cachePrefix+keyHash, val, ttl).Err(); err != nil {
		slog.Warn("key cache write failed", "error", err)
	}
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	var (
		meta    KeyMetadata
		allowed []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, environment, allowed_models, rpm_limit, daily_token_limit, expires_at
		FROM api_keys
		WHERE key_hash = $1 AND status = 'active' AND expires_at > NOW()
	`, keyHash).Scan(&meta.ID, &meta.Name, &meta.Environment, &allowed, &meta.RPMLimit, &meta.DailyTokenLimit, &meta.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api_keys: %w", err)
	}
	if len(allowed) > 0 {
		if err := json.Unmarshal(allowed, &meta.AllowedModels); err != nil {
			slog.Warn("invalid allowed_models for key", "key_id", meta.ID, "error", err)
		}
	}

	go s.touch(meta.ID)
	return &meta, nil
}

// touch records last use. It runs after the cache miss only, so
// last_used_at has cache-TTL resolution.
func (s *CachedKeyStore) touch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.db.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
		slog.Debug("failed to record key use", "key_id", id, "error", err)
	}
}

// NewKey describes a key to insert. Zero limits are stored as NULL, which
// selects the gateway defaults.
type NewKey struct {
	Hash            string
	Prefix          string
	Name            string
	Environment     string
	AllowedModels   []string
	RPMLimit        int
	DailyTokenLimit int64
	ExpiresAt       time.Time
}

// CreateKey inserts k and returns the new key id.
func CreateKey(ctx context.Context, db DB, k NewKey) (string, error) {
	models := k.AllowedModels
	if models == nil {
		models = []string{}
	}
	allowed, err := json.Marshal(models)
	if err != nil {
		return "", err
	}
	var id string
	err = db.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, environment, allowed_models, rpm_limit, daily_token_limit, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, k.Hash, k.Prefix, k.Name, k.Environment, allowed, nullIfZero(k.RPMLimit), nullIfZero(k.DailyTokenLimit), k.ExpiresAt).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}

// Revoke marks every active key with the given display prefix revoked and
// evicts them from the cache. It returns the number of keys revoked.
func Revoke(ctx context.Context, db DB, rdb *redis.Client, prefix string) (int, error) {
	rows, err := db.Query(ctx, `
		UPDATE api_keys SET status = 'revoked'
		WHERE key_prefix = $1 AND status = 'active'
		RETURNING key_hash
	`, prefix)
	if err != nil {
		return 0, fmt.Errorf("revoke api keys: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("revoke api keys: %w", err)
	}
	if rdb != nil && len(hashes) > 0 {
		keys := make([]string, len(hashes))
		for i, h := range hashes {
			keys[i] = cachePrefix + h
		}
		if err := rdb.Del(ctx, keys...).Err(); err != nil {
			return len(hashes), fmt.Errorf("evict revoked keys: %w", err)
		}
	}
	return len(hashes), nil
}

func nullIfZero[T int | int64](v T) *T {
	if v == 0 {
		return nil
	}
	return &v
}
