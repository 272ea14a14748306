package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/config"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func rlCfg(enabled bool, tokens int64) func() config.RateLimitConfig {
	return func() config.RateLimitConfig {
		return config.RateLimitConfig{Enabled: enabled, DefaultRPM: 60, DefaultDailyTokens: tokens}
	}
}

func serveWithAuth(t *testing.T, mw func(http.Handler) http.Handler, info *auth.AuthInfo) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if info != nil {
		req = req.WithContext(auth.ContextWithAuth(req.Context(), info))
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")
	handler.ServeHTTP(rec, req)
	return rec, called
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	mw := Middleware(NewLimiter(nil), NewTokenBudget(nil), rlCfg(true, 0), nil)

	rec, _ := serveWithAuth(t, mw, &auth.AuthInfo{KeyID: "key-1", RPMLimit: intPtr(100)})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "100" {
		t.Errorf("expected X-RateLimit-Limit-Requests=100, got %s", h)
	}
	if h := rec.Header().Get(headerRateLimitRemainingRequests); h != "99" {
		t.Errorf("expected X-RateLimit-Remaining-Requests=99, got %s", h)
	}
	if h := rec.Header().Get(headerRateLimitReset); h == "" {
		t.Error("expected X-RateLimit-Reset-Requests header")
	}
	if h := rec.Header().Get(headerRateLimitTokens); h != "" {
		t.Errorf("expected no token header without a budget, got %s", h)
	}
}

func TestMiddleware_DefaultRPM(t *testing.T) {
	mw := Middleware(NewLimiter(nil), NewTokenBudget(nil), rlCfg(true, 0), nil)

	rec, _ := serveWithAuth(t, mw, &auth.AuthInfo{KeyID: "key-2"})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "60" {
		t.Errorf("expected default RPM=60, got %s", h)
	}
}

func TestMiddleware_TokenBudgetHeaders(t *testing.T) {
	mw := Middleware(NewLimiter(nil), NewTokenBudget(nil), rlCfg(true, 50000), nil)

	rec, called := serveWithAuth(t, mw, &auth.AuthInfo{KeyID: "key-3", DailyTokenLimit: int64Ptr(1000)})

	if !called {
		t.Fatal("expected handler to be called")
	}
	if h := rec.Header().Get(headerRateLimitTokens); h != "1000" {
		t.Errorf("expected per-key token limit 1000, got %s", h)
	}
	if h := rec.Header().Get(headerRateLimitRemainingTokens); h != "1000" {
		t.Errorf("expected 1000 remaining tokens, got %s", h)
	}
}

func TestMiddleware_NoAuth_PassThrough(t *testing.T) {
	mw := Middleware(NewLimiter(nil), NewTokenBudget(nil), rlCfg(true, 0), nil)

	rec, called := serveWithAuth(t, mw, nil)

	if !called {
		t.Error("expected handler to be called when no auth context")
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "" {
		t.Errorf("expected no rate limit headers, got %s", h)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	mw := Middleware(NewLimiter(nil), NewTokenBudget(nil), rlCfg(false, 0), nil)

	rec, called := serveWithAuth(t, mw, &auth.AuthInfo{KeyID: "key-4"})

	if !called {
		t.Error("expected handler to be called when rate limiting is disabled")
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "" {
		t.Errorf("expected no rate limit headers, got %s", h)
	}
}

func TestTokenLimit(t *testing.T) {
	cfg := config.RateLimitConfig{DefaultDailyTokens: 5000}

	if got := TokenLimit(&auth.AuthInfo{}, cfg); got != 5000 {
		t.Errorf("expected default 5000, got %d", got)
	}
	if got := TokenLimit(&auth.AuthInfo{DailyTokenLimit: int64Ptr(10)}, cfg); got != 10 {
		t.Errorf("expected per-key 10, got %d", got)
	}
	if got := TokenLimit(nil, config.RateLimitConfig{}); got != 0 {
		t.Errorf("expected unlimited, got %d", got)
	}
}

func TestMiddleware_RPMExceeded(t *testing.T) {
	mw := Middleware(NewLimiter(nil), NewTokenBudget(nil), rlCfg(true, 0), nil)
	info := &auth.AuthInfo{KeyID: "key-5", RPMLimit: intPtr(2)}

	for i := 0; i < 2; i++ {
		if rec, _ := serveWithAuth(t, mw, info); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec, called := serveWithAuth(t, mw, info)
	if called {
		t.Error("expected handler not to be called over the limit")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRetryAfter); h == "" || h == "0" {
		t.Errorf("expected a positive Retry-After, got %q", h)
	}
	if h := rec.Header().Get(headerRateLimitRemainingRequests); h != "0" {
		t.Errorf("expected 0 remaining, got %s", h)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		30 * time.Second:        30,
		30*time.Second + 1:      31,
		59*time.Second + 999e6: 60,
	}
	for d, want := range tests {
		if got := retryAfterSeconds(d); got != want {
			t.Errorf("retryAfterSeconds(%s): expected %d, got %d", d, want, got)
		}
	}
}

func TestMiddleware_TokenBudgetExceeded(t *testing.T) {
	budget := NewTokenBudget(nil)
	mw := Middleware(NewLimiter(nil), budget, rlCfg(true, 0), nil)
	info := &auth.AuthInfo{KeyID: "key-6", DailyTokenLimit: int64Ptr(100)}

	budget.Record(context.Background(), "key-6", 100)

	rec, called := serveWithAuth(t, mw, info)
	if called {
		t.Error("expected handler not to be called over the budget")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "token_budget_exceeded") {
		t.Errorf("expected token budget error code, got %s", rec.Body.String())
	}
	if h := rec.Header().Get(headerRateLimitRemainingTokens); h != "0" {
		t.Errorf("expected 0 remaining tokens, got %s", h)
	}
	if h := rec.Header().Get(headerRetryAfter); h == "" {
		t.Error("expected Retry-After until the budget resets")
	}
}

func TestRPMLimit(t *testing.T) {
	if got := RPMLimit(&auth.AuthInfo{RPMLimit: intPtr(5)}, config.RateLimitConfig{DefaultRPM: 10}); got != 5 {
		t.Errorf("expected per-key 5, got %d", got)
	}
	if got := RPMLimit(&auth.AuthInfo{}, config.RateLimitConfig{DefaultRPM: 10}); got != 10 {
		t.Errorf("expected configured 10, got %d", got)
	}
	if got := RPMLimit(nil, config.RateLimitConfig{}); got != defaultRPM {
		t.Errorf("expected built-in default, got %d", got)
	}
}
