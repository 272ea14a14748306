package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/meridian-gateway/internal/types"
	"github.com/tidwall/gjson"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
	anthropicDefaultBudget    = 10000
	anthropicMinBudget        = 1024
)

var ephemeral = &CacheControl{Type: "ephemeral"}

// AnthropicAdapter speaks the Anthropic Messages API.
type AnthropicAdapter struct{}

func (AnthropicAdapter) Name() string { return "anthropic" }

// CacheControl is Anthropic's prompt-cache marker.
type CacheControl struct {
	Type string `json:"type"`
}

type anthropicTextBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

// AnthropicTool is one entry of the Messages API tools list.
type AnthropicTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequestBody struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	System      []anthropicTextBlock `json:"system,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	Tools       []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage      `json:"tool_choice,omitempty"`
	Thinking    *anthropicThinking   `json:"thinking,omitempty"`
}

func (a AnthropicAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	return marshalBody("anthropic", a.buildRequest(req))
}

// TransformRequestWithThinking adds an extended-thinking block. Budgets below
// the API minimum are raised to it.
func (a AnthropicAdapter) TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error) {
	body := a.buildRequest(req)
	if thinking.Enabled {
		budget := anthropicDefaultBudget
		if thinking.BudgetTokens != nil {
			budget = *thinking.BudgetTokens
		}
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: max(budget, anthropicMinBudget)}
	}
	return marshalBody("anthropic", body)
}

func (AnthropicAdapter) buildRequest(req *types.ChatRequest) *anthropicRequestBody {
	body := &anthropicRequestBody{
		Model:       req.Model,
		Messages:    convertAnthropicMessages(req.Messages),
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      req.IsStream(),
		Tools:       ConvertToolsToAnthropic(req.Tools),
		ToolChoice:  convertAnthropicToolChoice(req.ToolChoice),
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}
	if system, ok := systemText(req.Messages); ok {
		body.System = []anthropicTextBlock{{Type: "text", Text: system, CacheControl: ephemeral}}
	}
	return body
}

// ConvertToolsToAnthropic converts OpenAI function tools to Anthropic tool
// definitions. Only the last tool carries the cache marker; the cache covers
// everything before the marker.
func ConvertToolsToAnthropic(tools []json.RawMessage) []AnthropicTool {
	var out []AnthropicTool
	for _, raw := range tools {
		fn := gjson.GetBytes(raw, "function")
		name := fn.Get("name")
		if !name.Exists() {
			continue
		}
		schema := json.RawMessage(`{}`)
		if p := fn.Get("parameters"); p.Exists() {
			schema = json.RawMessage(p.Raw)
		}
		out = append(out, AnthropicTool{
			Name:        name.String(),
			Description: fn.Get("description").String(),
			InputSchema: schema,
		})
	}
	if len(out) > 0 {
		out[len(out)-1].CacheControl = ephemeral
	}
	return out
}

// convertAnthropicToolChoice maps OpenAI tool_choice values. "none" and
// unrecognized values are dropped.
func convertAnthropicToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	choice := gjson.ParseBytes(raw)
	switch {
	case choice.Type == gjson.String && choice.String() == "auto":
		return json.RawMessage(`{"type":"auto"}`)
	case choice.Type == gjson.String && choice.String() == "required":
		return json.RawMessage(`{"type":"any"}`)
	case choice.Get("function.name").Exists():
		out, _ := json.Marshal(map[string]string{"type": "tool", "name": choice.Get("function.name").String()})
		return out
	}
	return nil
}

func convertAnthropicMessages(messages []types.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == types.RoleSystem:
			continue

		case m.Role == types.RoleTool:
			out = append(out, anthropicMessage{
				Role: types.RoleUser,
				Content: []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content.String(),
				}},
			})

		case m.Role == types.RoleAssistant && len(m.ToolCalls) > 0:
			var blocks []any
			if text := m.Content.String(); text != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(`{}`)
				if gjson.Valid(tc.Function.Arguments) && gjson.Parse(tc.Function.Arguments).IsObject() {
					input = json.RawMessage(tc.Function.Arguments)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": input,
				})
			}
			out = append(out, anthropicMessage{Role: types.RoleAssistant, Content: blocks})

		default:
			role := types.RoleUser
			if m.Role == types.RoleAssistant {
				role = types.RoleAssistant
			}
			out = append(out, anthropicMessage{Role: role, Content: anthropicContent(m.Content)})
		}
	}
	return out
}

func anthropicContent(c types.Content) []any {
	if !c.IsParts() {
		return []any{anthropicTextBlock{Type: "text", Text: c.String()}}
	}
	blocks := make([]any, 0, len(c.Parts()))
	for _, p := range c.Parts() {
		switch {
		case p.Text != nil:
			blocks = append(blocks, anthropicTextBlock{Type: "text", Text: *p.Text})
		case p.IsImage():
			blocks = append(blocks, map[string]any{"type": "image", "source": anthropicImageSource(p.ImageURL)})
		default:
			blocks = append(blocks, anthropicTextBlock{Type: "text", Text: ""})
		}
	}
	return blocks
}

// anthropicImageSource turns an OpenAI image_url into an Anthropic image
// source. Data URLs become base64 sources, anything else a URL source.
func anthropicImageSource(imageURL json.RawMessage) map[string]string {
	v := gjson.ParseBytes(imageURL)
	url := v.String()
	if v.IsObject() {
		url = v.Get("url").String()
	}
	if mediaType, data, ok := parseDataURL(url); ok {
		return map[string]string{"type": "base64", "media_type": mediaType, "data": data}
	}
	return map[string]string{"type": "url", "url": url}
}

// parseDataURL splits "data:<media>;base64,<data>".
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, _ = strings.CutSuffix(meta, ";base64")
	return mediaType, data, true
}

// TransformResponse converts a Messages API response into a chat completion.
func (AnthropicAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: anthropic response is not valid JSON", ErrInvalidResponse)
	}
	root := gjson.ParseBytes(body)
	content := root.Get("content")
	if !content.IsArray() {
		return nil, fmt.Errorf("%w: anthropic response has no content", ErrInvalidResponse)
	}

	var text strings.Builder
	var calls []types.ToolCall
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			calls = append(calls, types.ToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: types.FunctionCall{
					Name:      block.Get("name").String(),
					Arguments: args,
				},
			})
		}
	}

	id := root.Get("id").String()
	if id == "" {
		id = "msg_unknown"
	}
	model := root.Get("model").String()
	if model == "" {
		model = "unknown"
	}
	in := int(root.Get("usage.input_tokens").Int())
	out := int(root.Get("usage.output_tokens").Int())

	return &types.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.Message{
				Role:      types.RoleAssistant,
				Content:   types.TextContent(text.String()),
				ToolCalls: calls,
			},
			FinishReason: anthropicFinishReason(root.Get("stop_reason").String()),
		}},
		Usage: types.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func anthropicFinishReason(reason string) string {
	switch reason {
	case "tool_use":
		return types.FinishToolCalls
	case "max_tokens":
		return types.FinishLength
	default:
		return types.FinishStop
	}
}

func (AnthropicAdapter) ChatEndpoint(string) string { return "/v1/messages" }

func (AnthropicAdapter) Headers(apiKey string) http.Header {
	h := jsonHeaders()
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

func (AnthropicAdapter) ModelsEndpoint() string { return "" }

func marshalBody(provider string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}
	return data, nil
}
