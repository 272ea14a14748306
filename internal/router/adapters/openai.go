package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/af-corp/meridian-gateway/internal/types"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultReasoningEffort = "medium"

// OpenAIAdapter speaks the OpenAI chat-completions API, which is also the
// canonical format. It serves every OpenAI-compatible local server too.
type OpenAIAdapter struct{}

func (OpenAIAdapter) Name() string { return "openai" }

func (OpenAIAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	return marshalCanonical(req)
}

// TransformRequestWithThinking sets reasoning_effort for o1/o3-style models.
func (a OpenAIAdapter) TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error) {
	body, err := a.TransformRequest(req)
	if err != nil || !thinking.Enabled {
		return body, err
	}
	effort := thinking.ReasoningEffort
	if effort == "" {
		effort = defaultReasoningEffort
	}
	return sjson.SetBytes(body, "reasoning_effort", effort)
}

func (OpenAIAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	return parseCanonical(body)
}

func (OpenAIAdapter) ChatEndpoint(string) string { return "/v1/chat/completions" }

func (OpenAIAdapter) Headers(apiKey string) http.Header { return bearerHeaders(apiKey) }

func (OpenAIAdapter) ModelsEndpoint() string { return "/v1/models" }

// ZaiAdapter speaks the Z.AI (GLM) API. Its base URL already carries the
// version segment.
type ZaiAdapter struct{}

func (ZaiAdapter) Name() string { return "zai" }

func (ZaiAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	return marshalCanonical(req)
}

// TransformRequestWithThinking always states the thinking mode explicitly;
// clear_thinking=false keeps earlier reasoning in context across turns.
func (a ZaiAdapter) TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error) {
	body, err := a.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	mode := "disabled"
	if thinking.Enabled {
		mode = "enabled"
	}
	if body, err = sjson.SetBytes(body, "thinking.type", mode); err != nil {
		return nil, err
	}
	if thinking.Enabled && thinking.PreserveAcrossTurns {
		return sjson.SetBytes(body, "clear_thinking", false)
	}
	return body, nil
}

func (ZaiAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	return parseCanonical(body)
}

func (ZaiAdapter) ChatEndpoint(string) string { return "/chat/completions" }

func (ZaiAdapter) Headers(apiKey string) http.Header { return bearerHeaders(apiKey) }

func (ZaiAdapter) ModelsEndpoint() string { return "" }

// DeepSeekAdapter speaks the OpenAI-compatible DeepSeek API.
type DeepSeekAdapter struct{}

func (DeepSeekAdapter) Name() string { return "deepseek" }

func (DeepSeekAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	return marshalCanonical(req)
}

func (a DeepSeekAdapter) TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error) {
	body, err := a.TransformRequest(req)
	if err != nil || !thinking.Enabled {
		return body, err
	}
	return sjson.SetBytes(body, "enable_thinking", true)
}

func (DeepSeekAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	return parseCanonical(body)
}

func (DeepSeekAdapter) ChatEndpoint(string) string { return "/v1/chat/completions" }

func (DeepSeekAdapter) Headers(apiKey string) http.Header { return bearerHeaders(apiKey) }

func (DeepSeekAdapter) ModelsEndpoint() string { return "" }

// QwenAdapter speaks Alibaba DashScope's OpenAI-compatible mode.
type QwenAdapter struct{}

func (QwenAdapter) Name() string { return "qwen" }

func (QwenAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	return marshalCanonical(req)
}

// TransformRequestWithThinking always sets enable_thinking; Qwen3 models
// default to thinking when the flag is absent.
func (a QwenAdapter) TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error) {
	body, err := a.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "enable_thinking", thinking.Enabled)
}

func (QwenAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	return parseCanonical(body)
}

func (QwenAdapter) ChatEndpoint(string) string { return "/v1/chat/completions" }

func (QwenAdapter) Headers(apiKey string) http.Header { return bearerHeaders(apiKey) }

func (QwenAdapter) ModelsEndpoint() string { return "" }

func marshalCanonical(req *types.ChatRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return body, nil
}

// parseCanonical decodes a response that is already in chat-completion form.
func parseCanonical(body []byte) (*types.ChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrInvalidResponse)
	}
	if !gjson.GetBytes(body, "choices").IsArray() {
		return nil, fmt.Errorf("%w: missing choices", ErrInvalidResponse)
	}
	var resp types.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}
