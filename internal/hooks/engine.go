package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/meridian-gateway/internal/telemetry"
)

const (
	exitAllow = 0
	exitBlock = 2

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the hook itself was killed.
	waitDelay = 2 * time.Second
)

type compiledEntry struct {
	matcher *regexp.Regexp
	// invalid is set when the entry had a matcher that failed to compile.
	invalid bool
	hooks   []Hook
}

// Engine evaluates hook chains. It is safe for concurrent use; SetConfig
// may be called while Run is in flight.
type Engine struct {
	mu         sync.RWMutex
	entries    map[Event][]compiledEntry
	projectDir string
	metrics    *telemetry.Metrics
}

// NewEngine creates an engine. projectDir is exported to command hooks as
// CLAUDE_PROJECT_DIR; empty means the process working directory.
func NewEngine(cfg Config, projectDir string, metrics *telemetry.Metrics) *Engine {
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	e := &Engine{projectDir: projectDir, metrics: metrics}
	e.SetConfig(cfg)
	return e
}

// SetConfig replaces the active configuration.
func (e *Engine) SetConfig(cfg Config) {
	entries := make(map[Event][]compiledEntry, len(cfg))
	for ev, list := range cfg {
		for _, entry := range list {
			ce := compiledEntry{hooks: entry.Hooks}
			if entry.Matcher != nil {
				re, err := compileMatcher(*entry.Matcher)
				if err != nil {
					slog.Warn("invalid hook matcher, entry will never match",
						"event", ev.Key(), "matcher", *entry.Matcher, "error", err)
					ce.invalid = true
				}
				ce.matcher = re
			}
			entries[ev] = append(entries[ev], ce)
		}
	}

	e.mu.Lock()
	e.entries = entries
	e.mu.Unlock()
}

func compileMatcher(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, errors.New("empty pattern")
	}
	return regexp.Compile(pattern)
}

// HasHooks reports whether any entry is configured for event.
func (e *Engine) HasHooks(event Event) bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries[event]) > 0
}

// Run executes every hook whose entry matches input and aggregates the
// outcome. Hooks of one event run concurrently; outputs keep configuration
// order. Run never fails: hooks that cannot be executed are collected in
// Result.Errors and do not deny. A nil engine allows everything.
func (e *Engine) Run(ctx context.Context, event Event, input Input) Result {
	if e == nil {
		return allowed()
	}
	input.Event = event

	e.mu.RLock()
	entries := e.entries[event]
	e.mu.RUnlock()

	if len(entries) == 0 {
		return allowed()
	}

	target := input.matchTarget()
	var toRun []Hook
	for _, entry := range entries {
		if entry.invalid {
			continue
		}
		if entry.matcher != nil && !entry.matcher.MatchString(target) {
			continue
		}
		toRun = append(toRun, entry.hooks...)
	}
	if len(toRun) == 0 {
		return allowed()
	}

	payload, err := json.Marshal(input)
	if err != nil {
		slog.Warn("failed to encode hook input", "event", event.Key(), "error", err)
		return Result{Allowed: true, Errors: []error{fmt.Errorf("encode hook input: %w", err)}}
	}

	slog.Info("running hooks", "event", event.Key(), "count", len(toRun))

	type outcome struct {
		out   Output
		block bool
		err   error
	}
	outcomes := make([]outcome, len(toRun))

	var wg sync.WaitGroup
	for i, h := range toRun {
		wg.Add(1)
		go func(i int, h Hook) {
			defer wg.Done()
			out, block, err := e.runHook(ctx, h, payload)
			outcomes[i] = outcome{out: out, block: block, err: err}
		}(i, h)
	}
	wg.Wait()

	result := allowed()
	for _, o := range outcomes {
		if o.err != nil {
			slog.Warn("hook execution failed, ignoring", "event", event.Key(), "error", o.err)
			result.Errors = append(result.Errors, o.err)
			continue
		}
		if o.block || o.out.Denies() {
			result.Allowed = false
			slog.Warn("hook denied action", "event", event.Key(), "reason", o.out.Reason)
		}
		result.Outputs = append(result.Outputs, o.out)
	}

	e.metrics.RecordHookRun(event.Key(), result.Allowed, len(result.Errors))
	return result
}

func (e *Engine) runHook(ctx context.Context, h Hook, payload []byte) (Output, bool, error) {
	switch h.Type {
	case TypePrompt:
		return Output{SystemMessage: h.Prompt}, false, nil
	case TypeCommand, "":
		return e.runCommand(ctx, h.Command, payload, h.timeout())
	default:
		return Output{}, false, fmt.Errorf("unknown hook type %q", h.Type)
	}
}

// runCommand executes command through the shell with payload on stdin.
// Exit status 0 allows, 2 blocks; anything else is an execution error.
func (e *Engine) runCommand(ctx context.Context, command string, payload []byte, timeout time.Duration) (Output, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "CLAUDE_PROJECT_DIR="+e.projectDir)
	cmd.Dir = e.projectDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Output{}, false, fmt.Errorf("%w after %s: %s", ErrHookTimeout, timeout, command)
	}

	exitCode := exitAllow
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Output{}, false, fmt.Errorf("run hook %q: %w", command, err)
		}
		exitCode = exitErr.ExitCode()
	}

	if stderr.Len() > 0 {
		slog.Debug("hook stderr", "command", command, "stderr", stderr.String())
	}

	out := parseOutput(stdout.Bytes())

	switch exitCode {
	case exitAllow:
		return out, false, nil
	case exitBlock:
		if out.Reason == "" {
			out.Reason = strings.TrimSpace(stderr.String())
		}
		return out, true, nil
	default:
		return Output{}, false, fmt.Errorf("hook %q exited with status %d", command, exitCode)
	}
}

// parseOutput decodes a hook's stdout. Empty or malformed output is treated
// as an empty object.
func parseOutput(stdout []byte) Output {
	if len(bytes.TrimSpace(stdout)) == 0 {
		return Output{}
	}
	var out Output
	if err := json.Unmarshal(stdout, &out); err != nil {
		slog.Warn("failed to parse hook output", "error", err, "stdout", string(stdout))
		return Output{}
	}
	return out
}
