package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/filter"
	"github.com/af-corp/meridian-gateway/internal/filter/toolguard"
	"github.com/af-corp/meridian-gateway/internal/hooks"
	"github.com/af-corp/meridian-gateway/internal/httputil"
	"github.com/af-corp/meridian-gateway/internal/ratelimit"
	"github.com/af-corp/meridian-gateway/internal/router"
	"github.com/af-corp/meridian-gateway/internal/rules"
	"github.com/af-corp/meridian-gateway/internal/session"
	"github.com/af-corp/meridian-gateway/internal/telemetry"
	"github.com/af-corp/meridian-gateway/internal/tools"
	"github.com/af-corp/meridian-gateway/internal/usage"
)

// HeaderNormalize asks for a non-streaming response in chat-completion
// shape regardless of proxy.normalize_responses.
const HeaderNormalize = "X-Meridian-Normalize"

// Options are the collaborators of a Handler. Only Config, Models and
// Registry are required; every other field may be nil.
type Options struct {
	Config    func() *config.Config
	Models    func() *config.ModelsConfig
	Registry  *router.Registry
	Health    *router.HealthTracker
	Filters   *filter.Chain
	ToolGuard *toolguard.Guard
	Hooks     *hooks.Engine
	Rules     *rules.Engine
	Tools     *tools.Registry
	Sessions  *session.Store
	Budget    *ratelimit.TokenBudget
	Usage     *usage.Recorder
	Metrics   *telemetry.Metrics
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	cfg       func() *config.Config
	modelsCfg func() *config.ModelsConfig
	registry  *router.Registry
	health    *router.HealthTracker
	filters   *filter.Chain
	toolGuard *toolguard.Guard
	hooks     *hooks.Engine
	rules     *rules.Engine
	tools     *tools.Registry
	sessions  *session.Store
	budget    *ratelimit.TokenBudget
	usage     *usage.Recorder
	metrics   *telemetry.Metrics
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		cfg:       opts.Config,
		modelsCfg: opts.Models,
		registry:  opts.Registry,
		health:    opts.Health,
		filters:   opts.Filters,
		toolGuard: opts.ToolGuard,
		hooks:     opts.Hooks,
		rules:     opts.Rules,
		tools:     opts.Tools,
		sessions:  opts.Sessions,
		budget:    opts.Budget,
		usage:     opts.Usage,
		metrics:   opts.Metrics,
	}
}

// credentials picks the key sent upstream. Requests authenticated with a
// gateway key always use the provider's configured key; otherwise the
// caller's own key wins over the configured one.
func credentials(r *http.Request, p *router.Provider, info *auth.AuthInfo) string {
	if info != nil {
		return p.Config.APIKey
	}
	if key := auth.ExtractAPIKey(r); key != "" && !auth.IsGatewayKey(key) {
		return key
	}
	return p.Config.APIKey
}

// identity returns the gateway key id and environment, both empty for
// unauthenticated requests.
func identity(info *auth.AuthInfo) (keyID, environment string) {
	if info == nil {
		return "", ""
	}
	return info.KeyID, info.Environment
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}

var errBodyTooLarge = errors.New("request body too large")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Time      time.Time               `json:"time"`
	Providers []router.ProviderStatus `json:"providers,omitempty"`
}

// Health handles GET /health. The gateway stays up while providers are
// tripped; status becomes "degraded" when any circuit is not closed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	providers := h.health.Status()
	status := "ok"
	for _, p := range providers {
		if p.State != router.StateClosed.String() {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Service:   "meridian-gateway",
		Time:      time.Now().UTC(),
		Providers: providers,
	})
}

// ResetCircuit handles POST /admin/circuits/{provider}/reset. It needs a
// gateway key.
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	info, _ := auth.AuthFromContext(r.Context())
	if info == nil {
		httputil.WriteForbiddenError(w, reqID, "Circuit reset requires a gateway key")
		return
	}
	provider := chi.URLParam(r, "provider")
	if !h.health.Reset(provider) {
		httputil.WriteError(w, reqID, http.StatusNotFound, "not_found", "unknown_provider",
			"No circuit for provider "+provider)
		return
	}
	slog.Info("circuit reset", "request_id", reqID, "provider", provider, "key_id", info.KeyID)
	writeJSON(w, http.StatusOK, router.ProviderStatus{Provider: provider, State: router.StateClosed.String()})
}

type sessionResponse struct {
	SessionID         string `json:"session_id"`
	Requests          int64  `json:"request_count"`
	LastInputTokens   int    `json:"last_input_tokens"`
	TotalInputTokens  int64  `json:"total_input_tokens"`
	TotalOutputTokens int64  `json:"total_output_tokens"`
	TotalCachedTokens int64  `json:"total_cached_tokens"`
}

// SessionStats handles GET /session/stats for the caller's session.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	info, _ := auth.AuthFromContext(r.Context())
	keyID, _ := identity(info)
	id := session.ResolveID(r, keyID)

	stats, ok := h.sessions.Get(r.Context(), id)
	if !ok {
		httputil.WriteError(w, reqID, http.StatusNotFound, "not_found", "session_not_found", "No active session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:         id,
		Requests:          stats.Requests,
		LastInputTokens:   stats.LastInputTokens,
		TotalInputTokens:  stats.TotalInputTokens,
		TotalOutputTokens: stats.TotalOutputTokens,
		TotalCachedTokens: stats.TotalCachedTokens,
	})
}
