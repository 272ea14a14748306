package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/httputil"
	"github.com/af-corp/meridian-gateway/internal/router"
	"github.com/af-corp/meridian-gateway/internal/router/adapters"
	"github.com/af-corp/meridian-gateway/internal/session"
	"github.com/af-corp/meridian-gateway/internal/types"
)

const (
	defaultCompletionsModel = "gpt-3.5-turbo-instruct"
	anthropicVersion        = "2023-06-01"
	liveModelsTimeout       = 10 * time.Second
)

// strippedRequestHeaders are never copied onto passthrough requests.
var strippedRequestHeaders = map[string]bool{
	"Host":                 true,
	"Content-Length":       true,
	"Authorization":        true,
	"X-Api-Key":            true,
	"X-Goog-Api-Key":       true,
	"Connection":           true,
	"Keep-Alive":           true,
	"Te":                   true,
	"Trailer":              true,
	"Transfer-Encoding":    true,
	"Upgrade":              true,
	"X-Session-Id":         true,
	"X-Meridian-Normalize": true,
}

// setProviderAuth writes apiKey in the header the provider expects.
func setProviderAuth(header http.Header, p *router.Provider, apiKey string) {
	if apiKey == "" {
		return
	}
	switch p.Adapter.Name() {
	case "anthropic":
		header.Set("x-api-key", apiKey)
		if header.Get("anthropic-version") == "" {
			header.Set("anthropic-version", anthropicVersion)
		}
	case "google":
		header.Set("x-goog-api-key", apiKey)
	default:
		header.Set("Authorization", "Bearer "+apiKey)
	}
}

// admit runs the checks shared by the raw routes: breaker state, upstream
// credentials and the key's model allow-list. It writes the error response
// and reports false when the request must stop. The key is empty for
// providers that take none.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, reqID string, p *router.Provider, model string) (string, bool) {
	if !h.health.IsAvailable(p.Name) {
		httputil.WriteServiceUnavailableError(w, reqID, fmt.Sprintf("Provider %s is temporarily unavailable", p.Name))
		return "", false
	}
	info, _ := auth.AuthFromContext(r.Context())
	apiKey := credentials(r, p, info)
	if apiKey == "" && adapters.RequiresKey(p.Adapter) {
		httputil.WriteAuthError(w, reqID, fmt.Sprintf("No API key available for provider %s", p.Name))
		return "", false
	}
	if model != "" && !info.ModelAllowed(model) {
		httputil.WriteForbiddenError(w, reqID, fmt.Sprintf("Model %s is not allowed for this API key", model))
		return "", false
	}
	return apiKey, true
}

func (h *Handler) rawCall(r *http.Request, reqID, route string, p *router.Provider, model string, body []byte) call {
	info, _ := auth.AuthFromContext(r.Context())
	keyID, _ := identity(info)
	return call{
		reqID:     reqID,
		route:     route,
		provider:  p,
		body:      body,
		stream:    gjson.GetBytes(body, "stream").Bool(),
		model:     model,
		keyID:     keyID,
		sessionID: session.ResolveID(r, keyID),
	}
}

// Completions handles POST /v1/completions. The body is forwarded as is,
// with a default model filled in when the client sent none.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, err := readBody(w, r, h.cfg().Proxy.MaxBodyBytes)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body: "+err.Error())
		return
	}
	if !gjson.ValidBytes(body) {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = defaultCompletionsModel
		if body, err = sjson.SetBytes(body, "model", model); err != nil {
			httputil.WriteBadRequestError(w, reqID, "Invalid request body: "+err.Error())
			return
		}
	}

	provider, err := h.registry.Resolve(model)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	apiKey, ok := h.admit(w, r, reqID, provider, model)
	if !ok {
		return
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	setProviderAuth(header, provider, apiKey)
	for k, v := range provider.Config.Headers {
		header.Set(k, v)
	}

	c := h.rawCall(r, reqID, "completions", provider, model, body)
	c.url = provider.URL("/v1/completions")
	c.header = header
	c.receivedAt = receivedAt
	h.forward(w, r, c)
}

// Messages handles POST /v1/messages, a raw Anthropic Messages API
// passthrough.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, err := readBody(w, r, h.cfg().Proxy.MaxBodyBytes)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body: "+err.Error())
		return
	}
	if !gjson.ValidBytes(body) {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON")
		return
	}

	provider, ok := h.registry.Get("anthropic")
	if !ok {
		httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("%s: anthropic", router.ErrProviderNotConfigured))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	apiKey, ok := h.admit(w, r, reqID, provider, model)
	if !ok {
		return
	}

	if body, err = stripCacheControlTTL(body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid request body: "+err.Error())
		return
	}

	header := provider.Adapter.Headers(apiKey)
	if beta := r.Header.Get("anthropic-beta"); beta != "" {
		header.Set("anthropic-beta", beta)
	}
	for k, v := range provider.Config.Headers {
		header.Set(k, v)
	}

	c := h.rawCall(r, reqID, "messages", provider, model, body)
	c.url = provider.URL("/v1/messages")
	c.header = header
	c.receivedAt = receivedAt
	h.forward(w, r, c)
}

// stripCacheControlTTL removes "ttl" from every cache_control object.
func stripCacheControlTTL(body []byte) ([]byte, error) {
	var paths []string
	collectTTLPaths(gjson.ParseBytes(body), "", &paths)

	var err error
	for _, p := range paths {
		if body, err = sjson.DeleteBytes(body, p); err != nil {
			return nil, fmt.Errorf("strip cache_control ttl: %w", err)
		}
	}
	return body, nil
}

func collectTTLPaths(v gjson.Result, prefix string, out *[]string) {
	isArray := v.IsArray()
	if !isArray && !v.IsObject() {
		return
	}
	i := 0
	v.ForEach(func(key, val gjson.Result) bool {
		var seg string
		if isArray {
			seg = strconv.Itoa(i)
			i++
		} else {
			seg = escapePath(key.String())
		}
		path := seg
		if prefix != "" {
			path = prefix + "." + seg
		}
		if !isArray && key.String() == "cache_control" && val.IsObject() && val.Get("ttl").Exists() {
			*out = append(*out, path+".ttl")
		}
		collectTTLPaths(val, path, out)
		return true
	})
}

// escapePath escapes the characters that are special in gjson/sjson paths.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '(', ')', '[', ']', '{', '}', ',', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListModels handles GET /v1/models. With ?live=true the configured list is
// extended with what each provider that supports listing reports.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	info, _ := auth.AuthFromContext(r.Context())

	var models []types.ModelInfo
	if h.modelsCfg != nil {
		models = h.modelsCfg().List()
	}
	if len(models) == 0 {
		models = config.DefaultModels().List()
	}

	if live, _ := strconv.ParseBool(r.URL.Query().Get("live")); live {
		models = append(models, h.liveModels(r.Context())...)
	}

	seen := make(map[string]bool, len(models))
	data := make([]types.ModelInfo, 0, len(models))
	for _, m := range models {
		if seen[m.ID] || !info.ModelAllowed(m.ID) {
			continue
		}
		seen[m.ID] = true
		data = append(data, m)
	}

	writeJSON(w, http.StatusOK, types.ModelList{Object: "list", Data: data})
}

// liveModels queries every provider with a models endpoint using its
// configured key. Failures are logged and skipped.
func (h *Handler) liveModels(ctx context.Context) []types.ModelInfo {
	ctx, cancel := context.WithTimeout(ctx, liveModelsTimeout)
	defer cancel()

	var out []types.ModelInfo
	for _, name := range h.registry.Names() {
		p, ok := h.registry.Get(name)
		if !ok || p.Adapter.ModelsEndpoint() == "" {
			continue
		}
		client := p.Client
		if client == nil {
			client = http.DefaultClient
		}
		models, err := adapters.FetchModels(ctx, client, p.Adapter, p.Config.BaseURL, p.Config.APIKey)
		if err != nil {
			slog.Warn("live model listing failed", "provider", name, "error", err)
			continue
		}
		out = append(out, models...)
	}
	return out
}

// Passthrough forwards any other /v1/* request to the default target
// provider with the client's headers and the provider's credentials.
func (h *Handler) Passthrough(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	target := h.registry.Target()
	provider, ok := h.registry.Get(target)
	if !ok {
		httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("%s: %s", router.ErrProviderNotConfigured, target))
		return
	}

	body, err := readBody(w, r, h.cfg().Proxy.MaxBodyBytes)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body: "+err.Error())
		return
	}
	model := ""
	if gjson.ValidBytes(body) {
		model = gjson.GetBytes(body, "model").String()
	}

	apiKey, ok := h.admit(w, r, reqID, provider, model)
	if !ok {
		return
	}

	header := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		if strippedRequestHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	setProviderAuth(header, provider, apiKey)
	for k, v := range provider.Config.Headers {
		header.Set(k, v)
	}

	url := provider.URL(r.URL.Path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	if len(body) == 0 {
		body = nil
	}
	c := h.rawCall(r, reqID, "passthrough", provider, model, body)
	c.method = r.Method
	c.url = url
	c.header = header
	c.stream = c.stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	c.receivedAt = receivedAt
	h.forward(w, r, c)
}
