// Package usage extracts token usage from provider responses and logs it.
package usage

import (
	"github.com/tidwall/gjson"
)

// Tokens is the usage reported in a provider response body.
type Tokens struct {
	PromptTokens        int
	CompletionTokens    int
	CachedTokens        int
	CacheCreationTokens int
}

// Total is prompt plus completion tokens.
func (t Tokens) Total() int { return t.PromptTokens + t.CompletionTokens }

// Extract reads usage from a non-streaming response body in any of the
// supported backend formats. ok is false when the body carries no usage.
func Extract(body []byte) (Tokens, bool) {
	if u := gjson.GetBytes(body, "usage"); u.Exists() {
		return fromUsage(u)
	}
	if t, ok := extractGoogle(body); ok {
		return t, true
	}
	return extractOllama(body)
}

// ExtractStreamEvent reads usage from one server-sent event payload.
// Anthropic reports input tokens in message_start and output tokens in
// message_delta, so callers Merge the results of every event.
func ExtractStreamEvent(data []byte) (Tokens, bool) {
	if u := gjson.GetBytes(data, "message.usage"); u.Exists() {
		return fromUsage(u)
	}
	return Extract(data)
}

// Merge keeps the larger value of each field.
func (t *Tokens) Merge(o Tokens) {
	t.PromptTokens = max(t.PromptTokens, o.PromptTokens)
	t.CompletionTokens = max(t.CompletionTokens, o.CompletionTokens)
	t.CachedTokens = max(t.CachedTokens, o.CachedTokens)
	t.CacheCreationTokens = max(t.CacheCreationTokens, o.CacheCreationTokens)
}

func fromUsage(u gjson.Result) (Tokens, bool) {
	t := Tokens{
		PromptTokens:        int(first(u, "prompt_tokens", "input_tokens").Int()),
		CompletionTokens:    int(first(u, "completion_tokens", "output_tokens").Int()),
		CachedTokens:        int(first(u, "cache_read_input_tokens", "prompt_tokens_details.cached_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
	}
	return t, t.PromptTokens > 0 || t.CompletionTokens > 0
}

func extractGoogle(body []byte) (Tokens, bool) {
	m := gjson.GetBytes(body, "usageMetadata")
	if !m.Exists() {
		return Tokens{}, false
	}
	t := Tokens{
		PromptTokens:     int(m.Get("promptTokenCount").Int()),
		CompletionTokens: int(m.Get("candidatesTokenCount").Int()),
		CachedTokens:     int(m.Get("cachedContentTokenCount").Int()),
	}
	return t, t.PromptTokens > 0 || t.CompletionTokens > 0
}

func extractOllama(body []byte) (Tokens, bool) {
	prompt := gjson.GetBytes(body, "prompt_eval_count")
	eval := gjson.GetBytes(body, "eval_count")
	if !prompt.Exists() && !eval.Exists() {
		return Tokens{}, false
	}
	t := Tokens{PromptTokens: int(prompt.Int()), CompletionTokens: int(eval.Int())}
	return t, t.PromptTokens > 0 || t.CompletionTokens > 0
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
