package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/meridian-gateway/internal/httputil"
	"github.com/af-corp/meridian-gateway/internal/router"
	"github.com/af-corp/meridian-gateway/internal/session"
	"github.com/af-corp/meridian-gateway/internal/telemetry"
	"github.com/af-corp/meridian-gateway/internal/usage"
)

// maxResponseBytes bounds buffered non-streaming upstream bodies.
const maxResponseBytes = 64 << 20

// hopHeaders are not copied from upstream responses. X-Request-Id is the
// gateway's own.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"X-Request-Id":        true,
}

// call is one upstream request and the accounting attached to it.
type call struct {
	reqID    string
	route    string
	provider *router.Provider
	method   string
	url      string
	header   http.Header
	body     []byte
	stream   bool
	// normalize rewrites a non-streaming 2xx body into chat-completion shape.
	normalize bool

	model      string
	keyID      string
	sessionID  string
	compacted  bool
	receivedAt time.Time
}

// forward sends c once and relays the response. Non-2xx responses are
// relayed verbatim; network failures become 502.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, c call) {
	ctx := r.Context()
	if timeout := h.cfg().Proxy.UpstreamTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := c.method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	upReq, err := http.NewRequestWithContext(ctx, method, c.url, body)
	if err != nil {
		httputil.WriteInternalError(w, c.reqID, "Failed to build upstream request")
		return
	}
	upReq.Header = c.header.Clone()

	client := c.provider.Client
	if client == nil {
		client = http.DefaultClient
	}

	// The breaker slot is taken only once nothing can stop the call, so every
	// admitted call reports an outcome or releases the slot.
	if !h.health.Acquire(c.provider.Name) {
		httputil.WriteServiceUnavailableError(w, c.reqID, fmt.Sprintf("Provider %s is temporarily unavailable", c.provider.Name))
		h.finish(r, c, http.StatusServiceUnavailable, usage.Tokens{}, false, 0)
		return
	}

	upstreamStart := time.Now()
	resp, err := client.Do(upReq)
	if err != nil {
		slog.Error("upstream request failed", "request_id", c.reqID, "provider", c.provider.Name, "error", err)
		kind := upstreamErrorKind(err)
		if kind == "canceled" {
			h.health.Release(c.provider.Name)
		} else {
			h.health.RecordFailure(c.provider.Name)
		}
		h.metrics.RecordUpstreamError(c.provider.Name, kind)
		httputil.WriteBadGatewayError(w, c.reqID, "Upstream request failed: "+err.Error())
		h.finish(r, c, http.StatusBadGateway, usage.Tokens{}, false, time.Since(upstreamStart))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		h.health.RecordFailure(c.provider.Name)
		h.metrics.RecordUpstreamError(c.provider.Name, "status_"+strconv.Itoa(resp.StatusCode))
	} else {
		h.health.RecordSuccess(c.provider.Name)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode <= 299
	switch {
	case c.stream && success:
		tok, found, err := relayStream(w, resp)
		if err != nil {
			slog.Warn("stream relay interrupted", "request_id", c.reqID, "provider", c.provider.Name, "error", err)
		}
		h.finish(r, c, resp.StatusCode, tok, found, time.Since(upstreamStart))
	case !success:
		if _, err := relay(w, resp); err != nil {
			slog.Warn("error relay interrupted", "request_id", c.reqID, "provider", c.provider.Name, "error", err)
		}
		h.finish(r, c, resp.StatusCode, usage.Tokens{}, false, time.Since(upstreamStart))
	default:
		h.relayBuffered(w, r, c, resp, upstreamStart)
	}
}

// relayBuffered reads a successful non-streaming body, records its usage
// and optionally normalizes it before writing it to the client.
func (h *Handler) relayBuffered(w http.ResponseWriter, r *http.Request, c call, resp *http.Response, upstreamStart time.Time) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	upstreamDur := time.Since(upstreamStart)
	if err != nil {
		slog.Error("failed to read upstream response", "request_id", c.reqID, "provider", c.provider.Name, "error", err)
		httputil.WriteBadGatewayError(w, c.reqID, "Failed to read upstream response")
		h.finish(r, c, http.StatusBadGateway, usage.Tokens{}, false, upstreamDur)
		return
	}

	tok, found := usage.Extract(body)

	if c.normalize {
		normalized, err := c.provider.Adapter.TransformResponse(body)
		if err != nil {
			slog.Error("failed to normalize response", "request_id", c.reqID, "provider", c.provider.Name, "error", err)
			httputil.WriteBadGatewayError(w, c.reqID, "Invalid provider response: "+err.Error())
			h.finish(r, c, http.StatusBadGateway, tok, found, upstreamDur)
			return
		}
		if !found {
			tok = usage.Tokens{
				PromptTokens:     normalized.Usage.PromptTokens,
				CompletionTokens: normalized.Usage.CompletionTokens,
			}
			found = tok.Total() > 0
		}
		if body, err = json.Marshal(normalized); err != nil {
			httputil.WriteInternalError(w, c.reqID, "Failed to encode response")
			h.finish(r, c, http.StatusInternalServerError, tok, found, upstreamDur)
			return
		}
		resp.Header.Set("Content-Type", "application/json")
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	h.finish(r, c, resp.StatusCode, tok, found, upstreamDur)
}

// finish records usage and request metrics once the response is written.
// The writes outlive a client that disconnected mid-response.
func (h *Handler) finish(r *http.Request, c call, status int, tok usage.Tokens, found bool, upstreamDur time.Duration) {
	ctx := context.WithoutCancel(r.Context())
	cfg := h.cfg().TokenTracking
	total := time.Since(c.receivedAt)

	if found {
		h.sessions.Record(ctx, c.sessionID, session.Usage{
			InputTokens:  tok.PromptTokens,
			OutputTokens: tok.CompletionTokens,
			CachedTokens: tok.CachedTokens,
		})
		if err := h.budget.Record(ctx, c.keyID, int64(tok.Total())); err != nil {
			slog.Warn("failed to record token usage", "request_id", c.reqID, "key_id", c.keyID, "error", err)
		}
		if cfg.Enabled && cfg.LogUsage {
			slog.Info("provider token usage",
				"request_id", c.reqID,
				"session_id", c.sessionID,
				"input", tok.PromptTokens,
				"output", tok.CompletionTokens,
				"cache_read", tok.CachedTokens,
				"cache_write", tok.CacheCreationTokens,
			)
		}
	}

	h.metrics.RecordRequest(telemetry.RequestLabels{
		Route:            c.route,
		Model:            c.model,
		Provider:         c.provider.Name,
		Status:           strconv.Itoa(status),
		DurationMs:       float64(total.Milliseconds()),
		OverheadMs:       float64((total - upstreamDur).Milliseconds()),
		PromptTokens:     tok.PromptTokens,
		CompletionTokens: tok.CompletionTokens,
		CachedTokens:     tok.CachedTokens,
	})

	h.usage.Record(usage.Event{
		RequestID:  c.reqID,
		KeyID:      c.keyID,
		SessionID:  c.sessionID,
		Route:      c.route,
		Model:      c.model,
		Provider:   c.provider.Name,
		StatusCode: status,
		Tokens:     tok,
		Compacted:  c.compacted,
		DurationMs: total.Milliseconds(),
	})

	slog.Info("request completed",
		"request_id", c.reqID,
		"route", c.route,
		"model", c.model,
		"provider", c.provider.Name,
		"status_code", status,
		"stream", c.stream,
		"compacted", c.compacted,
		"prompt_tokens", tok.PromptTokens,
		"completion_tokens", tok.CompletionTokens,
		"duration_ms", total.Milliseconds(),
		"key_id", c.keyID,
	)
}

func upstreamErrorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "network"
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// relay copies resp to w unmodified, flushing after every read.
func relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// relayStream forwards a server-sent event or NDJSON stream line by line,
// flushing after each line. Lines are written unmodified; JSON payloads are
// inspected for usage reports.
func relayStream(w http.ResponseWriter, resp *http.Response) (usage.Tokens, bool, error) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	var (
		total usage.Tokens
		found bool
	)
	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return total, found, werr
			}
			flush()
			if tok, ok := streamLineUsage(line); ok {
				total.Merge(tok)
				found = true
			}
		}
		if errors.Is(err, io.EOF) {
			return total, found, nil
		}
		if err != nil {
			return total, found, err
		}
	}
}

// streamLineUsage reads usage from an SSE "data:" line or a bare JSON line.
func streamLineUsage(line []byte) (usage.Tokens, bool) {
	payload := bytes.TrimSpace(line)
	if data, ok := bytes.CutPrefix(payload, []byte("data:")); ok {
		payload = bytes.TrimSpace(data)
	}
	if len(payload) == 0 || payload[0] != '{' {
		return usage.Tokens{}, false
	}
	return usage.ExtractStreamEvent(payload)
}
