package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveID(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	assert.Equal(t, DefaultID, ResolveID(r, ""))
	assert.Equal(t, "key-1", ResolveID(r, "key-1"))

	r.Header.Set(HeaderSessionID, " sess-42 ")
	assert.Equal(t, "sess-42", ResolveID(r, "key-1"))
}

func TestStore_MemoryRecordAndGet(t *testing.T) {
	s := NewStore(nil, time.Minute)
	ctx := context.Background()

	_, ok := s.LastInputTokens(ctx, "sess")
	assert.False(t, ok)

	s.Record(ctx, "sess", Usage{InputTokens: 1200, OutputTokens: 300, CachedTokens: 1000})
	s.Record(ctx, "sess", Usage{InputTokens: 1800, OutputTokens: 200})

	last, ok := s.LastInputTokens(ctx, "sess")
	require.True(t, ok)
	assert.Equal(t, 1800, last)

	stats, ok := s.Get(ctx, "sess")
	require.True(t, ok)
	assert.Equal(t, int64(3000), stats.TotalInputTokens)
	assert.Equal(t, int64(500), stats.TotalOutputTokens)
	assert.Equal(t, int64(1000), stats.TotalCachedTokens)
	assert.Equal(t, int64(2), stats.Requests)
}

func TestStore_OutputOnlyKeepsLastInput(t *testing.T) {
	s := NewStore(nil, time.Minute)
	ctx := context.Background()

	s.Record(ctx, "sess", Usage{InputTokens: 900})
	s.Record(ctx, "sess", Usage{OutputTokens: 40})

	last, ok := s.LastInputTokens(ctx, "sess")
	require.True(t, ok)
	assert.Equal(t, 900, last)
}

func TestStore_DefaultSessionHasNoHint(t *testing.T) {
	s := NewStore(nil, time.Minute)
	ctx := context.Background()

	s.Record(ctx, DefaultID, Usage{InputTokens: 150000, OutputTokens: 10})

	_, ok := s.LastInputTokens(ctx, DefaultID)
	assert.False(t, ok, "shared fallback session must not size another caller's request")

	stats, ok := s.Get(ctx, DefaultID)
	require.True(t, ok, "totals are still kept for /session/stats")
	assert.Equal(t, int64(150000), stats.TotalInputTokens)
}

func TestStore_EmptyUsageIgnored(t *testing.T) {
	s := NewStore(nil, time.Minute)
	s.Record(context.Background(), "sess", Usage{})

	_, ok := s.Get(context.Background(), "sess")
	assert.False(t, ok)
}

func TestStore_Expiry(t *testing.T) {
	s := NewStore(nil, time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Record(ctx, "sess", Usage{InputTokens: 100})
	now = now.Add(2 * time.Minute)

	_, ok := s.LastInputTokens(ctx, "sess")
	assert.False(t, ok)
}

func TestStore_Nil(t *testing.T) {
	var s *Store
	s.Record(context.Background(), "sess", Usage{InputTokens: 1})
	_, ok := s.LastInputTokens(context.Background(), "sess")
	assert.False(t, ok)
}
