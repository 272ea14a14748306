package gateway

import (
	"testing"

	"github.com/af-corp/meridian-gateway/internal/hooks"
	"github.com/af-corp/meridian-gateway/internal/types"
)

func strPtr(s string) *string { return &s }

func result(outputs ...hooks.Output) hooks.Result {
	return hooks.Result{Allowed: true, Outputs: outputs}
}

func TestApplyPromptOverride(t *testing.T) {
	t.Run("text content", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{
			{Role: types.RoleUser, Content: types.TextContent("first")},
			{Role: types.RoleAssistant, Content: types.TextContent("ok")},
			{Role: types.RoleUser, Content: types.TextContent("second")},
		}}
		if !applyPromptOverride(req, result(hooks.Output{Prompt: "rewritten"})) {
			t.Fatal("expected override to apply")
		}
		if got := req.Messages[2].Content.String(); got != "rewritten" {
			t.Errorf("expected last user message replaced, got %q", got)
		}
		if got := req.Messages[0].Content.String(); got != "first" {
			t.Errorf("expected earlier messages untouched, got %q", got)
		}
	})

	t.Run("parts keep images", func(t *testing.T) {
		img := types.ContentPart{Type: "image_url", ImageURL: []byte(`{"url":"https://example.com/a.png"}`)}
		req := &types.ChatRequest{Messages: []types.Message{{
			Role: types.RoleUser,
			Content: types.PartsContent([]types.ContentPart{
				{Type: "text", Text: strPtr("describe")},
				img,
			}),
		}}}
		applyPromptOverride(req, result(hooks.Output{Prompt: "describe in French"}))

		parts := req.Messages[0].Content.Parts()
		if len(parts) != 2 {
			t.Fatalf("expected text plus image, got %d parts", len(parts))
		}
		if *parts[0].Text != "describe in French" || !parts[1].IsImage() {
			t.Errorf("unexpected parts: %+v", parts)
		}
	})

	t.Run("no override", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}}}
		if applyPromptOverride(req, result(hooks.Output{SystemMessage: "x"})) {
			t.Error("expected no override without a prompt")
		}
	})
}

func TestInjectSystemMessages(t *testing.T) {
	t.Run("appended to last user message", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}}}
		injectSystemMessages(req, result(hooks.Output{SystemMessage: "one"}, hooks.Output{SystemMessage: "two"}))

		want := "hi\n\n<system-reminder>\none\n\ntwo\n</system-reminder>"
		if got := req.Messages[0].Content.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})

	t.Run("parts get a new text part", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{
			Role:    types.RoleUser,
			Content: types.PartsContent([]types.ContentPart{{Type: "text", Text: strPtr("hi")}}),
		}}}
		injectSystemMessages(req, result(hooks.Output{SystemMessage: "note"}))

		parts := req.Messages[0].Content.Parts()
		if len(parts) != 2 || *parts[1].Text != "<system-reminder>\nnote\n</system-reminder>" {
			t.Errorf("unexpected parts: %+v", parts)
		}
	})

	t.Run("no user message", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{Role: types.RoleSystem, Content: types.TextContent("sys")}}}
		injectSystemMessages(req, result(hooks.Output{SystemMessage: "note"}))

		if len(req.Messages) != 2 || req.Messages[1].Role != types.RoleSystem {
			t.Fatalf("expected trailing system message, got %+v", req.Messages)
		}
	})

	t.Run("nothing to inject", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}}}
		if injectSystemMessages(req, result()) {
			t.Error("expected no injection")
		}
		if req.Messages[0].Content.String() != "hi" {
			t.Error("expected message untouched")
		}
	})
}

func TestInjectSystemPrefix(t *testing.T) {
	t.Run("extends leading system message", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{
			{Role: types.RoleSystem, Content: types.TextContent("You are helpful.")},
			{Role: types.RoleUser, Content: types.TextContent("hi")},
		}}
		injectSystemPrefix(req, "Use tabs.")

		if len(req.Messages) != 2 {
			t.Fatalf("expected no new message, got %d", len(req.Messages))
		}
		want := "You are helpful.\n\n<system-reminder>\nUse tabs.\n</system-reminder>"
		if got := req.Messages[0].Content.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})

	t.Run("inserts system message", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}}}
		injectSystemPrefix(req, "Use tabs.")

		if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem {
			t.Fatalf("expected leading system message, got %+v", req.Messages)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		req := &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}}}
		injectSystemPrefix(req, "")
		if len(req.Messages) != 1 {
			t.Error("expected no change for empty text")
		}
	})
}

func TestLastUserText(t *testing.T) {
	req := &types.ChatRequest{Messages: []types.Message{
		{Role: types.RoleUser, Content: types.TextContent("one")},
		{Role: types.RoleAssistant, Content: types.TextContent("two")},
	}}
	if got := lastUserText(req); got != "one" {
		t.Errorf("expected one, got %q", got)
	}
	if got := lastUserText(&types.ChatRequest{}); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
