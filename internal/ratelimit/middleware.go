package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/httputil"
	"github.com/af-corp/meridian-gateway/internal/telemetry"
)

const (
	defaultRPM = 60

	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRateLimitTokens            = "X-RateLimit-Limit-Tokens"
	headerRateLimitRemainingTokens   = "X-RateLimit-Remaining-Tokens"
	headerRateLimitResetTokens       = "X-RateLimit-Reset-Tokens"
	headerRetryAfter                 = "Retry-After"
)

// TokenLimit returns the daily token budget for info, falling back to the
// configured default. Zero means unlimited.
func TokenLimit(info *auth.AuthInfo, cfg config.RateLimitConfig) int64 {
	if info != nil && info.DailyTokenLimit != nil {
		return *info.DailyTokenLimit
	}
	return cfg.DefaultDailyTokens
}

// RPMLimit returns the requests-per-minute limit for info.
func RPMLimit(info *auth.AuthInfo, cfg config.RateLimitConfig) int {
	switch {
	case info != nil && info.RPMLimit != nil:
		return *info.RPMLimit
	case cfg.DefaultRPM > 0:
		return cfg.DefaultRPM
	}
	return defaultRPM
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	return max(int((d+time.Second-1)/time.Second), 1)
}

// admission holds the limit checks. Each check sets the rate-limit headers
// and returns nil to admit, or a func that writes the refusal.
type admission struct {
	limiter *Limiter
	budget  *TokenBudget
	metrics *telemetry.Metrics
}

func (a admission) checkRPM(w http.ResponseWriter, r *http.Request, info *auth.AuthInfo, cfg config.RateLimitConfig) (refused func(string)) {
	rpm := RPMLimit(info, cfg)
	res, _ := a.limiter.Check(r.Context(), "rpm:"+info.KeyID, int64(rpm), time.Minute)

	h := w.Header()
	h.Set(headerRateLimitRequests, strconv.Itoa(rpm))
	h.Set(headerRateLimitRemainingRequests, strconv.FormatInt(res.Remaining, 10))
	h.Set(headerRateLimitReset, res.ResetAt.Format(time.RFC3339))
	if res.Allowed {
		return nil
	}

	a.metrics.RecordRateLimitHit(info.KeyID, "rpm")
	h.Set(headerRetryAfter, strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
	return func(reqID string) {
		slog.Warn("rate limit exceeded", "request_id", reqID, "key_id", info.KeyID, "dimension", "rpm", "limit", rpm)
		httputil.WriteRateLimitError(w, reqID, fmt.Sprintf(
			"Rate limit exceeded: %d requests per minute. Retry after %s", rpm, res.ResetAt.Format(time.RFC3339)))
	}
}

func (a admission) checkBudget(w http.ResponseWriter, r *http.Request, info *auth.AuthInfo, cfg config.RateLimitConfig) (refused func(string)) {
	limit := TokenLimit(info, cfg)
	if limit <= 0 {
		return nil
	}
	res, _ := a.budget.Check(r.Context(), info.KeyID, limit)

	h := w.Header()
	h.Set(headerRateLimitTokens, strconv.FormatInt(limit, 10))
	h.Set(headerRateLimitRemainingTokens, strconv.FormatInt(res.Remaining(), 10))
	if !res.ResetAt.IsZero() {
		h.Set(headerRateLimitResetTokens, res.ResetAt.Format(time.RFC3339))
	}
	if res.Allowed {
		return nil
	}

	a.metrics.RecordRateLimitHit(info.KeyID, "tokens")
	if !res.ResetAt.IsZero() {
		h.Set(headerRetryAfter, strconv.Itoa(retryAfterSeconds(time.Until(res.ResetAt))))
	}
	return func(reqID string) {
		slog.Warn("daily token budget exceeded", "request_id", reqID, "key_id", info.KeyID, "used", res.Used, "limit", limit)
		httputil.WriteTokenBudgetError(w, reqID,
			fmt.Sprintf("Daily token budget exceeded: used %d of %d tokens", res.Used, limit))
	}
}

// Middleware enforces per-key RPM limits and daily token budgets. Requests
// without a gateway key are not limited.
func Middleware(limiter *Limiter, budget *TokenBudget, cfg func() config.RateLimitConfig, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	a := admission{limiter: limiter, budget: budget, metrics: metrics}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rl := cfg()
			info, ok := auth.AuthFromContext(r.Context())
			if !ok || info == nil || !rl.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			reqID := w.Header().Get("X-Request-ID")
			if refuse := a.checkRPM(w, r, info, rl); refuse != nil {
				refuse(reqID)
				return
			}
			if refuse := a.checkBudget(w, r, info, rl); refuse != nil {
				refuse(reqID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
