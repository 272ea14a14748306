package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one completed gateway request.
type Event struct {
	RequestID  string
	KeyID      string
	SessionID  string
	Route      string
	Model      string
	Provider   string
	StatusCode int
	Tokens     Tokens
	Compacted  bool
	DurationMs int64
}

// Recorder writes usage events to the usage_events table. A nil Recorder or
// pool discards events.
type Recorder struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewRecorder(db *pgxpool.Pool) *Recorder {
	return &Recorder{db: db, timeout: 2 * time.Second}
}

// Record inserts e in the background; failures are logged and dropped.
func (r *Recorder) Record(e Event) {
	if r == nil || r.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.insert(ctx, e); err != nil {
			slog.Warn("usage event dropped", "request_id", e.RequestID, "error", err)
		}
	}()
}

func (r *Recorder) insert(ctx context.Context, e Event) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_events (
			request_id, key_id, session_id, route, model, provider, status_code,
			prompt_tokens, completion_tokens, cached_tokens, compacted, duration_ms
		) VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.RequestID, e.KeyID, e.SessionID, e.Route, e.Model, e.Provider, e.StatusCode,
		e.Tokens.PromptTokens, e.Tokens.CompletionTokens, e.Tokens.CachedTokens, e.Compacted, e.DurationMs)
	return err
}
