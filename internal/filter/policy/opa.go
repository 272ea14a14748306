// Package policy evaluates Rego policies over each chat request. The
// bundle must define data.meridian.policy.allow (bool) and
// data.meridian.policy.reason (string).
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/tidwall/gjson"

	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/filter"
	"github.com/af-corp/meridian-gateway/internal/tokens"
)

const query = "[data.meridian.policy.allow, data.meridian.policy.reason]"

const defaultEvalTimeout = 100 * time.Millisecond

// ErrNoPolicies is returned by Evaluate before a bundle has been loaded.
var ErrNoPolicies = errors.New("no policies loaded")

// Input is the document bound to `input` in Rego.
type Input struct {
	Identity Identity     `json:"identity"`
	Request  RequestInput `json:"request"`
	Time     Clock        `json:"time"`
}

type Identity struct {
	KeyID       string `json:"key_id"`
	Environment string `json:"environment"`
}

// RequestInput describes the request. Tools are the declared tool
// definitions; ToolCalls are the tools already invoked in the history.
type RequestInput struct {
	Model           string   `json:"model"`
	Provider        string   `json:"provider"`
	Tools           []string `json:"tools"`
	ToolCalls       []string `json:"tool_calls"`
	Stream          bool     `json:"stream"`
	MessageCount    int      `json:"message_count"`
	EstimatedTokens int      `json:"estimated_tokens"`
	MaxTokens       int      `json:"max_tokens"`
	HasImages       bool     `json:"has_images"`
}

type Clock struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Decision is the policy verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator is a filter.Filter backed by a prepared OPA query. It fails
// closed: evaluation errors and a missing bundle block the request.
type Evaluator struct {
	cfg func() config.PolicyFilterConfig

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	modules  int
}

func NewEvaluator(cfg func() config.PolicyFilterConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) Name() string  { return "policy" }
func (e *Evaluator) Enabled() bool { return e.cfg().Enabled }

// Load compiles the bundle at the configured path. An empty bundle keeps
// the previously loaded policies.
func (e *Evaluator) Load() error {
	path := e.cfg().BundlePath
	modules, err := LoadRegoFiles(path)
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		slog.Warn("policy bundle is empty", "path", path)
		return nil
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("policies loaded", "path", path, "modules", len(modules))
	return nil
}

// LoadFromModules compiles the given sources, keyed by file name, and swaps
// them in. A compile error leaves the current policies in place.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)

	opts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.modules = len(modules)
	e.mu.Unlock()
	return nil
}

// Modules reports how many modules the active bundle holds.
func (e *Evaluator) Modules() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modules
}

// Evaluate runs the prepared query. An undefined or malformed result denies.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (Decision, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()
	if prepared == nil {
		return Decision{Reason: ErrNoPolicies.Error()}, ErrNoPolicies
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rs, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policies: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Reason: "policy result undefined"}, nil
	}
	pair, ok := rs[0].Expressions[0].Value.([]any)
	if !ok || len(pair) != 2 {
		return Decision{Reason: "policy result malformed"}, nil
	}
	allowed, _ := pair[0].(bool)
	reason, _ := pair[1].(string)
	return Decision{Allowed: allowed, Reason: reason}, nil
}

// BuildInput derives the policy input from a filter request.
func BuildInput(req *filter.Request, now time.Time) Input {
	in := Input{
		Identity: Identity{KeyID: req.KeyID, Environment: req.Environment},
		Request:  RequestInput{Provider: req.Provider, Tools: []string{}, ToolCalls: []string{}},
		Time:     Clock{Hour: now.Hour(), Day: now.Weekday().String()},
	}
	chat := req.Chat
	if chat == nil {
		return in
	}

	in.Request.Model = chat.Model
	in.Request.Stream = chat.IsStream()
	in.Request.MessageCount = len(chat.Messages)
	in.Request.EstimatedTokens = tokens.EstimateRequestTokens(chat)
	if chat.MaxTokens != nil {
		in.Request.MaxTokens = *chat.MaxTokens
	}
	for _, raw := range chat.Tools {
		// OpenAI nests the name under function; Anthropic-style tools do not.
		name := gjson.GetBytes(raw, "function.name").String()
		if name == "" {
			name = gjson.GetBytes(raw, "name").String()
		}
		if name != "" {
			in.Request.Tools = append(in.Request.Tools, name)
		}
	}
	for _, m := range chat.Messages {
		for _, tc := range m.ToolCalls {
			if !slices.Contains(in.Request.ToolCalls, tc.Function.Name) {
				in.Request.ToolCalls = append(in.Request.ToolCalls, tc.Function.Name)
			}
		}
		for _, p := range m.Content.Parts() {
			if p.IsImage() {
				in.Request.HasImages = true
			}
		}
	}
	return in
}

// ScanRequest implements filter.Filter.
func (e *Evaluator) ScanRequest(ctx context.Context, req *filter.Request) filter.Result {
	d, err := e.Evaluate(ctx, BuildInput(req, time.Now().UTC()))
	switch {
	case err != nil:
		slog.Error("policy evaluation failed", "error", err)
		return filter.Result{Action: filter.ActionBlock, FilterName: e.Name(), Message: "Policy evaluation failed: " + err.Error()}
	case !d.Allowed:
		return filter.Result{Action: filter.ActionBlock, FilterName: e.Name(), Message: "Request denied by policy: " + d.Reason}
	}
	return filter.Result{Action: filter.ActionPass, FilterName: e.Name()}
}
