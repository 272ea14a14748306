package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/meridian-gateway/internal/types"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	googleDefaultBudget = 8192
	googleMaxBudget     = 32768
)

// GoogleAdapter speaks the Gemini generateContent API.
type GoogleAdapter struct{}

func (GoogleAdapter) Name() string { return "google" }

type googleContent struct {
	Role  string `json:"role,omitempty"`
	Parts []any  `json:"parts"`
}

type googleThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type googleGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens *int                  `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *googleThinkingConfig `json:"thinkingConfig,omitempty"`
}

type googleFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type googleTool struct {
	FunctionDeclarations []googleFunctionDeclaration `json:"functionDeclarations"`
}

type googleRequestBody struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []googleTool            `json:"tools,omitempty"`
}

func (a GoogleAdapter) TransformRequest(req *types.ChatRequest) ([]byte, error) {
	return marshalBody("google", a.buildRequest(req))
}

// TransformRequestWithThinking sets a thinking budget, capped at the API
// maximum.
func (a GoogleAdapter) TransformRequestWithThinking(req *types.ChatRequest, thinking types.ThinkingConfig) ([]byte, error) {
	body := a.buildRequest(req)
	if thinking.Enabled {
		budget := googleDefaultBudget
		if thinking.BudgetTokens != nil {
			budget = *thinking.BudgetTokens
		}
		budget = min(max(budget, 0), googleMaxBudget)
		if body.GenerationConfig == nil {
			body.GenerationConfig = &googleGenerationConfig{}
		}
		body.GenerationConfig.ThinkingConfig = &googleThinkingConfig{ThinkingBudget: budget}
	}
	return marshalBody("google", body)
}

func (GoogleAdapter) buildRequest(req *types.ChatRequest) *googleRequestBody {
	body := &googleRequestBody{Contents: convertGoogleContents(req.Messages)}

	if system, ok := systemText(req.Messages); ok {
		body.SystemInstruction = &googleContent{Parts: []any{map[string]string{"text": system}}}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		body.GenerationConfig = &googleGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	if len(req.Tools) > 0 {
		var decls []googleFunctionDeclaration
		for _, raw := range req.Tools {
			fn := gjson.GetBytes(raw, "function")
			if !fn.Get("name").Exists() {
				continue
			}
			params := json.RawMessage(`{}`)
			if p := fn.Get("parameters"); p.Exists() {
				params = json.RawMessage(p.Raw)
			}
			decls = append(decls, googleFunctionDeclaration{
				Name:        fn.Get("name").String(),
				Description: fn.Get("description").String(),
				Parameters:  params,
			})
		}
		body.Tools = []googleTool{{FunctionDeclarations: decls}}
	}
	return body
}

func convertGoogleContents(messages []types.Message) []googleContent {
	names := toolCallNames(messages)
	out := make([]googleContent, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			continue
		case types.RoleTool:
			name := names[m.ToolCallID]
			if name == "" {
				name = m.Name
			}
			out = append(out, googleContent{
				Role: "user",
				Parts: []any{map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]string{"content": m.Content.String()},
					},
				}},
			})
			continue
		}

		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		parts := googleParts(m.Content)
		for _, tc := range m.ToolCalls {
			args := json.RawMessage(`{}`)
			if gjson.Valid(tc.Function.Arguments) && gjson.Parse(tc.Function.Arguments).IsObject() {
				args = json.RawMessage(tc.Function.Arguments)
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": tc.Function.Name, "args": args},
			})
		}
		out = append(out, googleContent{Role: role, Parts: parts})
	}
	return out
}

func googleParts(c types.Content) []any {
	if !c.IsParts() {
		return []any{map[string]string{"text": c.String()}}
	}
	parts := make([]any, 0, len(c.Parts()))
	for _, p := range c.Parts() {
		switch {
		case p.Text != nil:
			parts = append(parts, map[string]string{"text": *p.Text})
		case p.IsImage():
			parts = append(parts, googleImagePart(p.ImageURL))
		default:
			parts = append(parts, map[string]string{"text": ""})
		}
	}
	return parts
}

func googleImagePart(imageURL json.RawMessage) map[string]any {
	v := gjson.ParseBytes(imageURL)
	url := v.String()
	if v.IsObject() {
		url = v.Get("url").String()
	}
	if mediaType, data, ok := parseDataURL(url); ok {
		return map[string]any{"inlineData": map[string]string{"mimeType": mediaType, "data": data}}
	}
	return map[string]any{"fileData": map[string]string{"fileUri": url}}
}

// TransformResponse converts the first candidate into a chat completion.
func (GoogleAdapter) TransformResponse(body []byte) (*types.ChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: google response is not valid JSON", ErrInvalidResponse)
	}
	root := gjson.ParseBytes(body)
	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("%w: no candidates in google response", ErrInvalidResponse)
	}

	var text strings.Builder
	var calls []types.ToolCall
	for _, part := range candidate.Get("content.parts").Array() {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			calls = append(calls, types.ToolCall{
				ID:       "call_" + uuid.NewString(),
				Type:     "function",
				Function: types.FunctionCall{Name: fc.Get("name").String(), Arguments: args},
			})
		}
	}

	finish := googleFinishReason(candidate.Get("finishReason").String())
	if len(calls) > 0 && finish == types.FinishStop {
		finish = types.FinishToolCalls
	}

	model := root.Get("modelVersion").String()
	if model == "" {
		model = "gemini"
	}

	return &types.ChatResponse{
		ID:      "gemini-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Message: types.Message{
				Role:      types.RoleAssistant,
				Content:   types.TextContent(text.String()),
				ToolCalls: calls,
			},
			FinishReason: finish,
		}},
		Usage: types.Usage{
			PromptTokens:     int(root.Get("usageMetadata.promptTokenCount").Int()),
			CompletionTokens: int(root.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:      int(root.Get("usageMetadata.totalTokenCount").Int()),
		},
	}, nil
}

func googleFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return types.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// ChatEndpoint embeds the model in the path.
func (GoogleAdapter) ChatEndpoint(model string) string {
	if model == "" {
		model = "gemini-pro"
	}
	return "/v1beta/models/" + model + ":generateContent"
}

func (GoogleAdapter) Headers(apiKey string) http.Header {
	h := jsonHeaders()
	h.Set("x-goog-api-key", apiKey)
	return h
}

func (GoogleAdapter) ModelsEndpoint() string { return "" }
