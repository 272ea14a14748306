package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ChatRequest is the canonical chat-completion request. Every backend format is
// produced from this shape. Top-level keys the gateway does not model are kept
// in Extra and written back out unchanged.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	Stream      *bool
	Tools       []json.RawMessage
	ToolChoice  json.RawMessage

	Extra map[string]json.RawMessage
}

// knownRequestFields are decoded into typed fields instead of Extra.
var knownRequestFields = map[string]bool{
	"model":       true,
	"messages":    true,
	"temperature": true,
	"max_tokens":  true,
	"stream":      true,
	"tools":       true,
	"tool_choice": true,
}

type chatRequestWire struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stream      *bool             `json:"stream,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var wire chatRequestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*r = ChatRequest{
		Model:       wire.Model,
		Messages:    wire.Messages,
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		Stream:      wire.Stream,
		Tools:       wire.Tools,
		ToolChoice:  wire.ToolChoice,
	}
	for k, v := range all {
		if knownRequestFields[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+7)
	for k, v := range r.Extra {
		out[k] = v
	}

	wire, err := json.Marshal(chatRequestWire{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
		Tools:       r.Tools,
		ToolChoice:  r.ToolChoice,
	})
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(wire, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		out[k] = v
	}
	return json.Marshal(out)
}

// IsStream reports whether the client asked for a streamed response.
func (r *ChatRequest) IsStream() bool {
	return r.Stream != nil && *r.Stream
}

// Clone returns a copy whose message slice can be replaced without touching r.
func (r *ChatRequest) Clone() *ChatRequest {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	c.Tools = append([]json.RawMessage(nil), r.Tools...)
	return &c
}

// Validate checks message-level invariants.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages is required")
	}
	for i, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// LastUserIndex returns the index of the last user message, or -1.
func (r *ChatRequest) LastUserIndex() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// hasToolCalls records that the client sent a tool_calls key, even an empty one.
	hasToolCalls bool
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var probe struct {
		ToolCalls json.RawMessage `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*m = Message(a)
	m.hasToolCalls = len(probe.ToolCalls) > 0 && !bytes.Equal(probe.ToolCalls, []byte("null"))
	return nil
}

// Validate enforces the tool-linkage invariants of a single message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return errors.New("tool message requires tool_call_id")
		}
	case RoleAssistant:
		if m.hasToolCalls && len(m.ToolCalls) == 0 {
			return errors.New("assistant tool_calls must not be empty")
		}
	case RoleSystem, RoleUser:
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}

// HasToolLinkage reports whether the message takes part in a tool call exchange.
func (m Message) HasToolLinkage() bool {
	return m.Role == RoleTool || len(m.ToolCalls) > 0 || m.ToolCallID != ""
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentPart is one typed element of a multi-part message.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// IsImage reports whether the part references an image.
func (p ContentPart) IsImage() bool {
	return len(p.ImageURL) > 0
}

// Content is either plain text or an ordered list of parts. Exactly one
// representation is active; Parts != nil selects the multi-part form.
type Content struct {
	text  string
	parts []ContentPart
}

func TextContent(s string) Content {
	return Content{text: s}
}

func PartsContent(parts []ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{parts: parts}
}

func (c Content) IsParts() bool { return c.parts != nil }

// Parts returns the parts of a multi-part content, or nil for plain text.
func (c Content) Parts() []ContentPart { return c.parts }

// String returns the plain text form. Multi-part content is flattened with
// newlines between text parts; image parts are skipped.
func (c Content) String() string {
	if c.parts == nil {
		return c.text
	}
	texts := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		if p.Text != nil {
			texts = append(texts, *p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		*c = Content{}
		return nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case trimmed[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = PartsContent(parts)
		return nil
	}
	return fmt.Errorf("content must be a string or an array of parts")
}

// ThinkingConfig controls extended reasoning for backends that support it.
type ThinkingConfig struct {
	Enabled             bool   `yaml:"enabled" json:"enabled"`
	BudgetTokens        *int   `yaml:"budget_tokens" json:"budget_tokens,omitempty"`
	PreserveAcrossTurns bool   `yaml:"preserve_across_turns" json:"preserve_across_turns"`
	ReasoningEffort     string `yaml:"reasoning_effort" json:"reasoning_effort,omitempty"`
}
