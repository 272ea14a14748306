// Package filter runs content filters over a chat request before it is
// forwarded.
package filter

import (
	"context"

	"github.com/af-corp/meridian-gateway/internal/types"
)

// Action represents the filter decision.
type Action string

const (
	ActionPass  Action = "pass"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// Result is returned by each filter.
type Result struct {
	Action     Action
	FilterName string
	Message    string
	Detections int
	Score      float64
}

// Request is what a filter sees: the chat request plus routing and identity.
type Request struct {
	Chat        *types.ChatRequest
	Provider    string
	KeyID       string
	Environment string
}

// Filter is the interface all content filters implement.
type Filter interface {
	Name() string
	Enabled() bool
	ScanRequest(ctx context.Context, req *Request) Result
}

// Chain runs filters in order, stopping on the first Block.
type Chain struct {
	filters []Filter
}

// NewChain creates a filter chain from the given filters.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Run executes all enabled filters in order. Returns all results and a pointer
// to the first blocking result (nil if no filter blocked).
func (c *Chain) Run(ctx context.Context, req *Request) ([]Result, *Result) {
	if c == nil {
		return nil, nil
	}
	var results []Result
	for _, f := range c.filters {
		if !f.Enabled() {
			continue
		}
		r := f.ScanRequest(ctx, req)
		results = append(results, r)
		if r.Action == ActionBlock {
			return results, &r
		}
	}
	return results, nil
}

// MessageTexts returns the text of every message, including tool call
// arguments.
func MessageTexts(messages []types.Message) []string {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		if s := m.Content.String(); s != "" {
			texts = append(texts, s)
		}
		for _, tc := range m.ToolCalls {
			texts = append(texts, tc.Function.Arguments)
		}
	}
	return texts
}
