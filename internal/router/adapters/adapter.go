// Package adapters translates the canonical chat request into each backend's
// native wire format and normalizes backend responses back.
package adapters

import (
	"net/http"
	"strings"

	"github.com/af-corp/meridian-gateway/internal/types"
)

// Adapter is the capability set every backend implements. Implementations
// hold no mutable state and are shared across requests.
type Adapter interface {
	Name() string
	// TransformRequest renders req as the backend's request body.
	TransformRequest(req *types.ChatRequest) ([]byte, error)
	// TransformRequestWithThinking is TransformRequest plus the backend's
	// reasoning controls. Backends without reasoning support ignore thinking.
	TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error)
	// TransformResponse normalizes a non-streaming backend response.
	TransformResponse(body []byte) (*types.ChatResponse, error)
	// ChatEndpoint is the path appended to the provider base URL.
	ChatEndpoint(model string) string
	Headers(apiKey string) http.Header
	// ModelsEndpoint is the model listing path, or "" when unsupported.
	ModelsEndpoint() string
}

// keyless is implemented by adapters whose backend takes no credentials.
type keyless interface {
	Keyless() bool
}

// RequiresKey reports whether the backend behind a needs an API key.
func RequiresKey(a Adapter) bool {
	k, ok := a.(keyless)
	return !ok || !k.Keyless()
}

var (
	anthropicAdapter = AnthropicAdapter{}
	openAIAdapter    = OpenAIAdapter{}
	googleAdapter    = GoogleAdapter{}
	zaiAdapter       = ZaiAdapter{}
	deepSeekAdapter  = DeepSeekAdapter{}
	qwenAdapter      = QwenAdapter{}
	ollamaAdapter    = OllamaAdapter{}
)

// Get returns the adapter for a provider name. Matching is case-insensitive
// and unknown names fall back to the OpenAI-compatible adapter.
func Get(name string) Adapter {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic", "claude":
		return anthropicAdapter
	case "google", "gemini":
		return googleAdapter
	case "zai", "glm", "zhipu":
		return zaiAdapter
	case "deepseek":
		return deepSeekAdapter
	case "qwen", "alibaba":
		return qwenAdapter
	case "ollama":
		return ollamaAdapter
	default:
		// openai, local, lmstudio, localai and anything unrecognized.
		return openAIAdapter
	}
}

// Names lists the canonical adapter names.
func Names() []string {
	return []string{"anthropic", "openai", "google", "zai", "deepseek", "qwen", "ollama"}
}

func jsonHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}

func bearerHeaders(apiKey string) http.Header {
	h := jsonHeaders()
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

// systemText joins the text of every system message with blank lines.
func systemText(messages []types.Message) (string, bool) {
	var texts []string
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			texts = append(texts, m.Content.String())
		}
	}
	if len(texts) == 0 {
		return "", false
	}
	return strings.Join(texts, "\n\n"), true
}

// toolCallNames maps tool call ids to function names across the history.
func toolCallNames(messages []types.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
		}
	}
	return names
}
