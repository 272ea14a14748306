package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req_123", http.StatusBadRequest, "invalid_request_error", "bad_request", "test message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Error.Message != "test message" {
		t.Errorf("expected message 'test message', got %q", resp.Error.Message)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("expected type 'invalid_request_error', got %q", resp.Error.Type)
	}
	if resp.Error.RequestID != "req_123" {
		t.Errorf("expected request_id 'req_123', got %q", resp.Error.RequestID)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAuthError(w, "req_456", "Invalid key")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != "invalid_api_key" {
		t.Errorf("expected code 'invalid_api_key', got %q", resp.Error.Code)
	}
}

func TestWriteStatusHelpers(t *testing.T) {
	tests := []struct {
		name  string
		write func(http.ResponseWriter, string, string)
		want  int
		code  string
	}{
		{"forbidden", WriteForbiddenError, http.StatusForbidden, "blocked"},
		{"content blocked", WriteContentBlockedError, 451, "content_blocked"},
		{"bad gateway", WriteBadGatewayError, http.StatusBadGateway, "bad_gateway"},
		{"token budget", WriteTokenBudgetError, http.StatusTooManyRequests, "token_budget_exceeded"},
		{"unavailable", WriteServiceUnavailableError, http.StatusServiceUnavailable, "service_unavailable"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		tt.write(w, "req_789", "nope")

		if w.Code != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.name, tt.want, w.Code)
		}
		var resp APIError
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Error.Code != tt.code {
			t.Errorf("%s: expected code %q, got %q", tt.name, tt.code, resp.Error.Code)
		}
	}
}

func TestWriteError_NoRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteBadRequestError(w, "", "bad")

	if _, ok := w.Header()["X-Request-Id"]; ok {
		t.Error("expected no X-Request-ID header without a request id")
	}
}

func TestAnthropicErrors(t *testing.T) {
	var flushed bool
	h := AnthropicErrors("/v1/messages")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("expected wrapped writer to keep http.Flusher")
		}
		flushed = true
		WriteRateLimitError(w, "req_1", "slow down")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	if !flushed || w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var resp AnthropicError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Type != "error" || resp.Error.Type != "rate_limit_error" || resp.Error.Message != "slow down" {
		t.Errorf("unexpected anthropic error body: %+v", resp)
	}
	if resp.RequestID != "req_1" {
		t.Errorf("expected request_id req_1, got %q", resp.RequestID)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	var openai APIError
	if err := json.Unmarshal(w.Body.Bytes(), &openai); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if openai.Error.Code != "rate_limit_exceeded" {
		t.Errorf("expected OpenAI envelope off the messages path, got %s", w.Body.String())
	}
}

func TestAnthropicType(t *testing.T) {
	tests := map[int]string{
		http.StatusBadRequest:            "invalid_request_error",
		http.StatusUnauthorized:          "authentication_error",
		StatusUnavailableForLegalReasons: "permission_error",
		http.StatusServiceUnavailable:    "overloaded_error",
		http.StatusBadGateway:            "api_error",
	}
	for status, want := range tests {
		if got := anthropicType(status); got != want {
			t.Errorf("anthropicType(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get("X-Request-ID")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-id" {
		t.Errorf("expected client id to be kept, got %q", seen)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen, "req_") || len(seen) != len("req_")+32 {
		t.Errorf("expected generated request id, got %q", seen)
	}
}
