package filter

import (
	"context"
	"testing"

	"github.com/af-corp/meridian-gateway/internal/types"
)

type stubFilter struct {
	name    string
	enabled bool
	action  Action
	calls   *int
}

func (s stubFilter) Name() string  { return s.name }
func (s stubFilter) Enabled() bool { return s.enabled }
func (s stubFilter) ScanRequest(context.Context, *Request) Result {
	*s.calls++
	return Result{Action: s.action, FilterName: s.name}
}

func TestChain_StopsOnBlock(t *testing.T) {
	var calls int
	chain := NewChain(
		stubFilter{name: "a", enabled: true, action: ActionFlag, calls: &calls},
		stubFilter{name: "b", enabled: true, action: ActionBlock, calls: &calls},
		stubFilter{name: "c", enabled: true, action: ActionPass, calls: &calls},
	)

	results, blocked := chain.Run(context.Background(), &Request{})
	if blocked == nil || blocked.FilterName != "b" {
		t.Fatalf("expected block from b, got %+v", blocked)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
	if calls != 2 {
		t.Errorf("expected 2 filter calls, got %d", calls)
	}
}

func TestChain_SkipsDisabled(t *testing.T) {
	var calls int
	chain := NewChain(stubFilter{name: "a", enabled: false, action: ActionBlock, calls: &calls})

	_, blocked := chain.Run(context.Background(), &Request{})
	if blocked != nil {
		t.Error("expected disabled filter to be skipped")
	}
	if calls != 0 {
		t.Errorf("expected 0 calls, got %d", calls)
	}
}

func TestChain_Nil(t *testing.T) {
	var chain *Chain
	if _, blocked := chain.Run(context.Background(), &Request{}); blocked != nil {
		t.Error("expected nil chain to pass")
	}
}

func TestMessageTexts(t *testing.T) {
	messages := []types.Message{
		{Role: types.RoleUser, Content: types.TextContent("hello")},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{
			ID: "call_1", Type: "function",
			Function: types.FunctionCall{Name: "bash", Arguments: `{"cmd":"ls"}`},
		}}},
	}

	texts := MessageTexts(messages)
	if len(texts) != 2 {
		t.Fatalf("expected 2 texts, got %d", len(texts))
	}
	if texts[1] != `{"cmd":"ls"}` {
		t.Errorf("expected tool arguments, got %s", texts[1])
	}
}
