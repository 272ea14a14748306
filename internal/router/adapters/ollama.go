package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/meridian-gateway/internal/types"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// OllamaAdapter speaks the native Ollama chat API of a local server.
type OllamaAdapter struct{}

func (OllamaAdapter) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaRequestBody struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

func (OllamaAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	body := ollamaRequestBody{
		Model:    req.Model,
		Messages: make([]ollamaMessage, 0, len(req.Messages)),
		Stream:   req.IsStream(),
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ollamaMessage{Role: m.Role, Content: m.Content.String()})
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	for _, raw := range req.Tools {
		fn := gjson.GetBytes(raw, "function")
		if !fn.Get("name").Exists() {
			continue
		}
		params := json.RawMessage(`{}`)
		if p := fn.Get("parameters"); p.Exists() {
			params = json.RawMessage(p.Raw)
		}
		body.Tools = append(body.Tools, ollamaTool{
			Type: "function",
			Function: ollamaFunction{
				Name:        fn.Get("name").String(),
				Description: fn.Get("description").String(),
				Parameters:  params,
			},
		})
	}
	return marshalBody("ollama", body)
}

// TransformRequestWithThinking ignores thinking; the native API has no
// reasoning controls.
func (a OllamaAdapter) TransformRequestWithThinking(req *types.ChatRequest, _ types.ThinkingConfig) ([]byte, error) {
	return a.TransformRequest(req)
}

func (OllamaAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: ollama response is not valid JSON", ErrInvalidResponse)
	}
	root := gjson.ParseBytes(body)
	message := root.Get("message")
	if !message.Exists() {
		return nil, fmt.Errorf("%w: no message in ollama response", ErrInvalidResponse)
	}

	var calls []types.ToolCall
	for i, call := range message.Get("tool_calls").Array() {
		fn := call.Get("function")
		if !fn.Get("name").Exists() {
			continue
		}
		args := fn.Get("arguments")
		arguments := "{}"
		switch {
		case args.Type == gjson.String:
			arguments = args.String()
		case args.Exists():
			arguments = args.Raw
		}
		calls = append(calls, types.ToolCall{
			ID:       "call_" + strconv.Itoa(i),
			Type:     "function",
			Function: types.FunctionCall{Name: fn.Get("name").String(), Arguments: arguments},
		})
	}

	finish := types.FinishStop
	switch {
	case root.Get("done").Exists() && !root.Get("done").Bool():
		finish = types.FinishLength
	case len(calls) > 0:
		finish = types.FinishToolCalls
	}

	model := root.Get("model").String()
	if model == "" {
		model = "unknown"
	}
	in := int(root.Get("prompt_eval_count").Int())
	out := int(root.Get("eval_count").Int())

	return &types.ChatResponse{
		ID:      "ollama-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Message: types.Message{
				Role:      types.RoleAssistant,
				Content:   types.TextContent(message.Get("content").String()),
				ToolCalls: calls,
			},
			FinishReason: finish,
		}},
		Usage: types.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func (OllamaAdapter) ChatEndpoint(string) string { return "/api/chat" }

// Headers carries no credentials; a local Ollama server is unauthenticated.
func (OllamaAdapter) Headers(string) http.Header { return jsonHeaders() }

func (OllamaAdapter) Keyless() bool { return true }

// ModelsEndpoint uses Ollama's OpenAI-compatible listing.
func (OllamaAdapter) ModelsEndpoint() string { return "/v1/models" }
