package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/compaction"
	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/filter"
	"github.com/af-corp/meridian-gateway/internal/hooks"
	"github.com/af-corp/meridian-gateway/internal/httputil"
	"github.com/af-corp/meridian-gateway/internal/router"
	"github.com/af-corp/meridian-gateway/internal/router/adapters"
	"github.com/af-corp/meridian-gateway/internal/rules"
	"github.com/af-corp/meridian-gateway/internal/session"
	"github.com/af-corp/meridian-gateway/internal/tokens"
	"github.com/af-corp/meridian-gateway/internal/types"
)

const defaultHookBlockReason = "Request blocked by hook"

// ChatCompletions handles POST /v1/chat/completions. The steps run in a
// fixed order and every admission check happens before the provider is
// contacted.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()
	ctx := r.Context()
	cfg := h.cfg()

	body, err := readBody(w, r, cfg.Proxy.MaxBodyBytes)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body: "+err.Error())
		return
	}

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	provider, err := h.registry.Resolve(req.Model)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	if !h.health.IsAvailable(provider.Name) {
		httputil.WriteServiceUnavailableError(w, reqID, fmt.Sprintf("Provider %s is temporarily unavailable", provider.Name))
		return
	}

	authInfo, _ := auth.AuthFromContext(ctx)
	apiKey := credentials(r, provider, authInfo)
	if apiKey == "" && adapters.RequiresKey(provider.Adapter) {
		httputil.WriteAuthError(w, reqID, fmt.Sprintf("No API key available for provider %s", provider.Name))
		return
	}
	if !authInfo.ModelAllowed(req.Model) {
		httputil.WriteForbiddenError(w, reqID, fmt.Sprintf("Model %s is not allowed for this API key", req.Model))
		return
	}

	keyID, environment := identity(authInfo)
	sessionID := session.ResolveID(r, keyID)
	logger := slog.With("request_id", reqID, "provider", provider.Name, "model", req.Model)

	if !h.runFilters(ctx, w, reqID, logger, &filter.Request{
		Chat:        &req,
		Provider:    provider.Name,
		KeyID:       keyID,
		Environment: environment,
	}) {
		return
	}

	promptInput := hooks.NewInput(hooks.UserPromptSubmit).
		WithSessionID(sessionID).
		WithPrompt(lastUserText(&req))
	promptResult := h.hooks.Run(ctx, hooks.UserPromptSubmit, promptInput)
	if !promptResult.Allowed {
		reason := promptResult.Reason()
		if reason == "" {
			reason = defaultHookBlockReason
		}
		logger.Warn("request blocked by hook", "event", hooks.UserPromptSubmit.Key(), "reason", reason)
		httputil.WriteForbiddenError(w, reqID, reason)
		return
	}

	if applyPromptOverride(&req, promptResult) {
		logger.Debug("prompt replaced by hook")
	}
	injectSystemMessages(&req, promptResult)

	extensions := rules.ExtractFromMessages(req.Messages)
	if text := h.rules.Combined(extensions); text != "" {
		injectSystemPrefix(&req, text)
		logger.Debug("rules injected", "extensions", extensions)
	}
	if n := h.tools.AppendTo(&req); n > 0 {
		logger.Debug("registry tools added", "count", n)
	}

	if reason, blocked := h.checkToolCalls(ctx, &req, sessionID, extensions); blocked {
		logger.Warn("request blocked by tool check", "reason", reason)
		httputil.WriteForbiddenError(w, reqID, reason)
		return
	}

	compacted := h.compact(ctx, &req, sessionID, cfg.Compaction, logger)
	h.trackTokens(&req, cfg.TokenTracking, logger)

	var payload []byte
	if thinking := provider.Config.Thinking; thinking.Enabled {
		payload, err = provider.Adapter.TransformRequestWithThinking(&req, thinking)
	} else {
		payload, err = provider.Adapter.TransformRequest(&req)
	}
	if err != nil {
		logger.Error("failed to transform request", "error", err)
		httputil.WriteBadRequestError(w, reqID, "Failed to transform request: "+err.Error())
		return
	}

	h.forward(w, r, call{
		reqID:      reqID,
		route:      "chat",
		provider:   provider,
		url:        provider.ChatURL(req.Model),
		header:     upstreamHeaders(provider, apiKey),
		body:       payload,
		stream:     req.IsStream(),
		normalize:  cfg.Proxy.NormalizeResponses || wantsNormalize(r),
		model:      req.Model,
		keyID:      keyID,
		sessionID:  sessionID,
		compacted:  compacted,
		receivedAt: receivedAt,
	})
}

func wantsNormalize(r *http.Request) bool {
	v, err := strconv.ParseBool(r.Header.Get(HeaderNormalize))
	return err == nil && v
}

// upstreamHeaders combines the adapter's headers with the provider's
// configured extras. Configured headers win.
func upstreamHeaders(p *router.Provider, apiKey string) http.Header {
	header := p.Adapter.Headers(apiKey)
	for k, v := range p.Config.Headers {
		header.Set(k, v)
	}
	return header
}

// runFilters runs the content filter chain and writes the 451 response when
// a filter blocks. It reports whether the request may continue.
func (h *Handler) runFilters(ctx context.Context, w http.ResponseWriter, reqID string, logger *slog.Logger, req *filter.Request) bool {
	results, blocked := h.filters.Run(ctx, req)
	if blocked != nil {
		logger.Warn("request blocked by filter",
			"filter", blocked.FilterName,
			"detections", blocked.Detections,
			"score", blocked.Score,
			"key_id", req.KeyID,
		)
		h.metrics.RecordFilterAction(blocked.FilterName, string(blocked.Action))
		httputil.WriteContentBlockedError(w, reqID, blocked.Message)
		return false
	}
	for _, fr := range results {
		if fr.Action == filter.ActionFlag {
			logger.Info("request flagged by filter", "filter", fr.FilterName, "score", fr.Score)
			h.metrics.RecordFilterAction(fr.FilterName, string(fr.Action))
		}
	}
	return true
}

// checkToolCalls vets every tool call in the history: the dangerous-pattern
// guard first, then the PreToolUse hooks. The first denial wins.
func (h *Handler) checkToolCalls(ctx context.Context, req *types.ChatRequest, sessionID string, extensions []string) (string, bool) {
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			name := tc.Function.Name

			if reason := h.toolGuard.Check(name, tc.Function.Arguments); reason != "" {
				return fmt.Sprintf("Tool '%s' blocked: %s", name, reason), true
			}

			input := hooks.NewInput(hooks.PreToolUse).
				WithSessionID(sessionID).
				WithTool(name, toolInput(tc.Function.Arguments))
			if len(extensions) > 0 {
				input = input.WithExtra("extensions", extensions)
			}

			res := h.hooks.Run(ctx, hooks.PreToolUse, input)
			if err := hooks.CheckBlocked(hooks.PreToolUse, res); err != nil {
				var blocked *hooks.BlockedError
				reason := err.Error()
				if errors.As(err, &blocked) {
					reason = blocked.Reason
				}
				return fmt.Sprintf("Tool '%s' blocked: %s", name, reason), true
			}
		}
	}
	return "", false
}

// toolInput passes JSON arguments through as an object and anything else
// as a JSON string.
func toolInput(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(arguments)
	return encoded
}

// compact shrinks req to fit the model's context window. Failures are
// logged and the request continues uncompacted.
func (h *Handler) compact(ctx context.Context, req *types.ChatRequest, sessionID string, cc config.CompactionConfig, logger *slog.Logger) bool {
	if !cc.Enabled {
		return false
	}

	cfg := compaction.ConfigForModel(req.Model).WithPreservation(compaction.Config{
		PreserveRecent:    cc.PreserveRecent,
		PreserveSystem:    cc.PreserveSystem,
		PreserveToolCalls: cc.PreserveToolCalls,
		SummaryPrompt:     cc.SummaryPrompt,
	})
	if cc.Threshold > 0 {
		cfg.Threshold = cc.Threshold
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("compaction disabled for request", "error", err)
		return false
	}

	opts := compaction.Options{SessionID: sessionID}
	if n, ok := h.sessions.LastInputTokens(ctx, sessionID); ok {
		opts.ActualInputTokens = &n
	}

	res, err := compaction.New(cfg, h.hooks).Compact(ctx, req, opts)
	var hookBlocked *compaction.HookBlockedError
	switch {
	case errors.As(err, &hookBlocked):
		logger.Warn("compaction blocked by hook", "reason", hookBlocked.Reason)
		h.metrics.RecordCompaction(req.Model, "blocked", 0)
		return false
	case errors.Is(err, compaction.ErrNoReduction):
		logger.Warn("compaction failed", "error", err)
		h.metrics.RecordCompaction(req.Model, "no_reduction", 0)
		return false
	case err != nil:
		logger.Warn("compaction failed", "error", err)
		return false
	case !res.Compacted:
		return false
	}

	logger.Info("context compacted",
		"original_tokens", res.OriginalTokens,
		"new_tokens", res.NewTokens,
		"messages_summarized", res.MessagesSummarized,
	)
	h.metrics.RecordCompaction(req.Model, "compacted", res.OriginalTokens-res.NewTokens)
	return true
}

// trackTokens logs the pre-flight estimate and warns when it nears the
// model's context window.
func (h *Handler) trackTokens(req *types.ChatRequest, tc config.TokenTrackingConfig, logger *slog.Logger) {
	if !tc.Enabled {
		return
	}

	estimated := tokens.EstimateRequestTokens(req)
	window := compaction.ContextWindow(req.Model)

	if tc.LogUsage {
		systemTokens := 0
		for _, m := range req.Messages {
			if m.Role == types.RoleSystem {
				systemTokens += tokens.EstimateMessageTokens(m)
			}
		}
		toolTokens := 0
		for _, t := range req.Tools {
			toolTokens += tokens.EstimateTokens(string(t))
		}
		logger.Info("turn token estimate",
			"estimated_input", estimated,
			"system_prompt_tokens", systemTokens,
			"tool_def_tokens", toolTokens,
			"context_window", window,
			"utilization_pct", fmt.Sprintf("%.1f", float64(estimated)/float64(window)*100),
		)
	}

	if tc.WarnThreshold > 0 && float64(estimated) > float64(window)*tc.WarnThreshold {
		logger.Warn("token usage approaching context window limit",
			"estimated", estimated,
			"threshold_pct", fmt.Sprintf("%.0f", tc.WarnThreshold*100),
			"context_window", window,
		)
	}
}
