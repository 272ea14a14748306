// Package compaction keeps chat requests under a model's context ceiling by
// summarizing older turns into a single system message.
package compaction

import (
	"context"
	"log/slog"

	"github.com/af-corp/meridian-gateway/internal/hooks"
	"github.com/af-corp/meridian-gateway/internal/tokens"
	"github.com/af-corp/meridian-gateway/internal/types"
)

const defaultBlockReason = "Hook blocked compaction"

// HookRunner runs the PreCompact event. *hooks.Engine satisfies it.
type HookRunner interface {
	Run(ctx context.Context, event hooks.Event, input hooks.Input) hooks.Result
}

// Analysis is a read-only snapshot of a request's size.
type Analysis struct {
	CurrentTokens   int
	MaxTokens       int
	NeedsCompaction bool
	TokensToFree    int
	Preserve        []int
	Summarize       []int
}

// Result describes what Compact did.
type Result struct {
	Compacted          bool
	OriginalTokens     int
	NewTokens          int
	MessagesSummarized int
	Summary            string
}

// Options carry per-call inputs to Compact.
type Options struct {
	SessionID string
	// ActualInputTokens, when set, replaces the heuristic estimate with the
	// count a provider reported for the previous turn.
	ActualInputTokens *int
}

// Compactor is stateless apart from its configuration and is safe for
// concurrent use.
type Compactor struct {
	cfg   Config
	hooks HookRunner
}

// New creates a compactor. runner may be nil.
func New(cfg Config, runner HookRunner) *Compactor {
	return &Compactor{cfg: cfg, hooks: runner}
}

func (c *Compactor) Config() Config { return c.cfg }

// Analyze decides whether req needs compaction. hint, when non-nil,
// supersedes the estimated token count.
func (c *Compactor) Analyze(req *types.ChatRequest, hint *int) Analysis {
	estimated := tokens.EstimateRequestTokens(req)
	current := estimated
	if hint != nil {
		current = *hint
		slog.Debug("using reported token count for compaction analysis",
			"estimated", estimated, "actual", current, "delta", current-estimated)
	}

	thresholdTokens := c.cfg.thresholdTokens()
	effective := max(thresholdTokens-ResponseReserve, 0)
	needs := current > effective

	toFree := 0
	if needs {
		toFree = max(current-thresholdTokens/2, 0)
	}

	preserve, summarize := c.categorize(req.Messages)
	return Analysis{
		CurrentTokens:   current,
		MaxTokens:       c.cfg.MaxContextTokens,
		NeedsCompaction: needs,
		TokensToFree:    toFree,
		Preserve:        preserve,
		Summarize:       summarize,
	}
}

func (c *Compactor) categorize(messages []types.Message) (preserve, summarize []int) {
	recentStart := len(messages) - c.cfg.PreserveRecent
	for i, msg := range messages {
		keep := (c.cfg.PreserveSystem && msg.Role == types.RoleSystem) ||
			i >= recentStart ||
			(c.cfg.PreserveToolCalls && (msg.Role == types.RoleTool || msg.HasToolLinkage()))
		if keep {
			preserve = append(preserve, i)
		} else {
			summarize = append(summarize, i)
		}
	}
	return preserve, summarize
}

// Compact replaces summarizable messages with a summary when req is over
// its threshold. req is only modified when a strictly smaller message list
// was produced; every error leaves it untouched.
func (c *Compactor) Compact(ctx context.Context, req *types.ChatRequest, opts Options) (Result, error) {
	analysis := c.Analyze(req, opts.ActualInputTokens)
	unchanged := Result{
		OriginalTokens: analysis.CurrentTokens,
		NewTokens:      analysis.CurrentTokens,
	}

	if !analysis.NeedsCompaction {
		return unchanged, nil
	}

	slog.Info("context compaction needed",
		"model", req.Model,
		"current", analysis.CurrentTokens,
		"max", analysis.MaxTokens,
		"to_free", analysis.TokensToFree,
	)

	if c.hooks != nil {
		input := hooks.NewInput(hooks.PreCompact).
			WithExtra("current_tokens", analysis.CurrentTokens).
			WithExtra("max_tokens", analysis.MaxTokens)
		if opts.SessionID != "" {
			input = input.WithSessionID(opts.SessionID)
		}

		res := c.hooks.Run(ctx, hooks.PreCompact, input)
		if !res.Allowed {
			reason := res.Reason()
			if reason == "" {
				reason = defaultBlockReason
			}
			return unchanged, &HookBlockedError{Reason: reason}
		}
	}

	if len(analysis.Summarize) == 0 {
		slog.Debug("no messages available for summarization")
		return unchanged, nil
	}

	toSummarize := make([]types.Message, 0, len(analysis.Summarize))
	for _, i := range analysis.Summarize {
		toSummarize = append(toSummarize, req.Messages[i])
	}
	summary := generateSummary(toSummarize, c.cfg.SummaryPrompt)

	messages := make([]types.Message, 0, len(analysis.Preserve)+1)
	for _, i := range analysis.Preserve {
		if req.Messages[i].Role == types.RoleSystem {
			messages = append(messages, req.Messages[i])
		}
	}
	messages = append(messages, types.Message{
		Role:    types.RoleSystem,
		Content: types.TextContent(summary),
	})
	for _, i := range analysis.Preserve {
		if req.Messages[i].Role != types.RoleSystem {
			messages = append(messages, req.Messages[i])
		}
	}

	// Both sides are estimated so the comparison is like for like even when
	// a reported count drove the analysis.
	candidate := *req
	candidate.Messages = messages
	newTokens := tokens.EstimateRequestTokens(&candidate)
	originalEstimate := tokens.EstimateRequestTokens(req)

	if newTokens >= originalEstimate {
		slog.Warn("compaction did not reduce token count",
			"original", originalEstimate, "new", newTokens)
		return unchanged, ErrNoReduction
	}

	req.Messages = messages

	slog.Info("context compacted",
		"model", req.Model,
		"original_tokens", originalEstimate,
		"new_tokens", newTokens,
		"messages_summarized", len(toSummarize),
		"original_messages", len(analysis.Preserve)+len(analysis.Summarize),
		"new_messages", len(messages),
	)

	return Result{
		Compacted:          true,
		OriginalTokens:     originalEstimate,
		NewTokens:          newTokens,
		MessagesSummarized: len(toSummarize),
		Summary:            summary,
	}, nil
}
