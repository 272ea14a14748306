// Package httputil writes gateway error responses. Errors use the OpenAI
// envelope unless the response writer was wrapped by AnthropicErrors, in
// which case they use the Anthropic Messages envelope.
package httputil

import (
	"encoding/json"
	"net/http"
	"strings"
)

// APIError is the OpenAI-style error envelope.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// AnthropicError is the Messages API error envelope.
type AnthropicError struct {
	Type      string             `json:"type"`
	Error     AnthropicErrorBody `json:"error"`
	RequestID string             `json:"request_id,omitempty"`
}

type AnthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusUnavailableForLegalReasons is returned when a content filter blocks a
// request.
const StatusUnavailableForLegalReasons = http.StatusUnavailableForLegalReasons

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if requestID != "" {
		h.Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)

	var body any = APIError{Error: APIErrorBody{Message: message, Type: errType, Code: code, RequestID: requestID}}
	if _, ok := w.(*anthropicWriter); ok {
		body = AnthropicError{
			Type:      "error",
			Error:     AnthropicErrorBody{Type: anthropicType(statusCode), Message: message},
			RequestID: requestID,
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func anthropicType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden, StatusUnavailableForLegalReasons:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	}
	return "api_error"
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", "invalid_api_key", message)
}

func WriteForbiddenError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusForbidden, "permission_error", "blocked", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

// WriteTokenBudgetError reports an exhausted daily token budget.
func WriteTokenBudgetError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "token_budget_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

// WriteBadGatewayError reports an unreachable provider or a response the
// gateway could not translate.
func WriteBadGatewayError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, "upstream_error", "bad_gateway", message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "server_error", "service_unavailable", message)
}

func WriteContentBlockedError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, StatusUnavailableForLegalReasons, "content_filter_error", "content_blocked", message)
}

// anthropicWriter marks a response as belonging to the Messages API.
type anthropicWriter struct {
	http.ResponseWriter
}

func (w *anthropicWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *anthropicWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// AnthropicErrors makes gateway errors for requests under pathPrefix use the
// Anthropic envelope. Install it before middleware that can reject requests.
func AnthropicErrors(pathPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, pathPrefix) {
				w = &anthropicWriter{ResponseWriter: w}
			}
			next.ServeHTTP(w, r)
		})
	}
}
