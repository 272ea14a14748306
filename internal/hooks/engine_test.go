package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func commandHook(cmd string) Hook {
	return Hook{Type: TypeCommand, Command: cmd, Timeout: 5}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return NewEngine(cfg, t.TempDir(), nil)
}

func TestEventTable(t *testing.T) {
	events := AllEvents()
	require.Len(t, events, 16)

	seen := map[string]bool{}
	for _, ev := range events {
		assert.False(t, seen[ev.Key()], "duplicate key %s", ev.Key())
		seen[ev.Key()] = true

		byKey, ok := ParseEvent(ev.Key())
		assert.True(t, ok)
		assert.Equal(t, ev, byKey)

		byName, ok := ParseEvent(ev.Name())
		assert.True(t, ok)
		assert.Equal(t, ev, byName)
	}

	assert.Equal(t, "pre_tool_use", PreToolUse.Key())
	assert.Equal(t, "UserPromptSubmit", UserPromptSubmit.Name())

	_, ok := ParseEvent("NotAnEvent")
	assert.False(t, ok)
}

func TestRunNoHooksAllows(t *testing.T) {
	e := newTestEngine(t, Config{})
	r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", nil))
	assert.True(t, r.Allowed)
	assert.Empty(t, r.Outputs)
	assert.Empty(t, r.Errors)
}

func TestRunExitZeroAllows(t *testing.T) {
	e := newTestEngine(t, Config{
		UserPromptSubmit: {{Hooks: []Hook{commandHook(`echo '{"systemMessage":"be careful"}'`)}}},
	})
	r := e.Run(context.Background(), UserPromptSubmit, NewInput(UserPromptSubmit).WithPrompt("hello"))
	assert.True(t, r.Allowed)
	assert.Equal(t, []string{"be careful"}, r.SystemMessages())
}

func TestRunExitTwoBlocks(t *testing.T) {
	e := newTestEngine(t, Config{
		PreToolUse: {{Hooks: []Hook{commandHook(`echo '{"reason":"not allowed"}'; exit 2`)}}},
	})
	r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", json.RawMessage(`{}`)))
	assert.False(t, r.Allowed)
	assert.Equal(t, "not allowed", r.Reason())

	err := CheckBlocked(PreToolUse, r)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "not allowed", blocked.Reason)
}

func TestRunExitTwoUsesStderrReason(t *testing.T) {
	e := newTestEngine(t, Config{
		PreToolUse: {{Hooks: []Hook{commandHook(`echo "denied by policy" >&2; exit 2`)}}},
	})
	r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", nil))
	assert.False(t, r.Allowed)
	assert.Equal(t, "denied by policy", r.Reason())
}

func TestRunDecisionDenies(t *testing.T) {
	e := newTestEngine(t, Config{
		Stop: {{Hooks: []Hook{commandHook(`echo '{"decision":"block","reason":"keep going"}'`)}}},
	})
	r := e.Run(context.Background(), Stop, NewInput(Stop))
	assert.False(t, r.Allowed)
	assert.Equal(t, "keep going", r.Reason())
}

func TestRunAnyDenialDeniesChain(t *testing.T) {
	e := newTestEngine(t, Config{
		PreToolUse: {{Hooks: []Hook{
			commandHook(`echo '{"reason":"fine"}'`),
			commandHook(`echo '{"decision":"deny","reason":"second says no"}'`),
		}}},
	})
	r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", nil))
	assert.False(t, r.Allowed)
	assert.Len(t, r.Outputs, 2)
	assert.Equal(t, "second says no", r.Reason())
}

func TestRunFailuresAreFailOpen(t *testing.T) {
	tests := []struct {
		name    string
		command string
		timeout int
		wantErr error
	}{
		{name: "unexpected exit status", command: "exit 1", timeout: 5},
		{name: "missing interpreter", command: "/nonexistent/hook-binary", timeout: 5},
		{name: "timeout", command: "sleep 5", timeout: 1, wantErr: ErrHookTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{
				PreToolUse: {{Hooks: []Hook{{Type: TypeCommand, Command: tt.command, Timeout: tt.timeout}}}},
			})
			r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", nil))
			assert.True(t, r.Allowed)
			require.Len(t, r.Errors, 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, r.Errors[0], tt.wantErr)
			}
		})
	}
}

func TestRunMalformedStdoutIgnored(t *testing.T) {
	e := newTestEngine(t, Config{
		PreToolUse: {{Hooks: []Hook{commandHook(`echo 'not json'`)}}},
	})
	r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", nil))
	assert.True(t, r.Allowed)
	assert.Len(t, r.Outputs, 1)
	assert.Empty(t, r.Errors)
}

func TestRunMatchers(t *testing.T) {
	e := newTestEngine(t, Config{
		PreToolUse: {
			{Matcher: strPtr("^Bash$"), Hooks: []Hook{{Type: TypePrompt, Prompt: "bash"}}},
			{Matcher: strPtr("Write|Edit"), Hooks: []Hook{{Type: TypePrompt, Prompt: "files"}}},
			{Matcher: strPtr("(unclosed"), Hooks: []Hook{{Type: TypePrompt, Prompt: "never"}}},
			{Hooks: []Hook{{Type: TypePrompt, Prompt: "always"}}},
		},
	})

	r := e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Bash", nil))
	assert.Equal(t, []string{"bash", "always"}, r.SystemMessages())

	r = e.Run(context.Background(), PreToolUse, NewInput(PreToolUse).WithTool("Edit", nil))
	assert.Equal(t, []string{"files", "always"}, r.SystemMessages())
}

func TestRunPromptOverride(t *testing.T) {
	e := newTestEngine(t, Config{
		UserPromptSubmit: {{Hooks: []Hook{
			commandHook(`echo '{}'`),
			commandHook(`echo '{"prompt":"rewritten"}'`),
		}}},
	})
	r := e.Run(context.Background(), UserPromptSubmit, NewInput(UserPromptSubmit).WithPrompt("original"))
	p, ok := r.PromptOverride()
	assert.True(t, ok)
	assert.Equal(t, "rewritten", p)
}

func TestRunHookReceivesInput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "input.json")
	e := NewEngine(Config{
		PreCompact: {{Hooks: []Hook{commandHook("cat > " + out)}}},
	}, dir, nil)

	in := NewInput(PreCompact).WithSessionID("s-1").WithExtra("current_tokens", 5000)
	r := e.Run(context.Background(), PreCompact, in)
	require.True(t, r.Allowed)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "pre_compact", got["event"])
	assert.Equal(t, "PreCompact", got["hook_event_name"])
	assert.Equal(t, "s-1", got["session_id"])
	assert.Equal(t, float64(5000), got["current_tokens"])
}

func TestCheckBlockedDefaultReason(t *testing.T) {
	err := CheckBlocked(Stop, Result{Allowed: false})
	require.Error(t, err)
	assert.Equal(t, "Action blocked by hook", err.Error())

	assert.NoError(t, CheckBlocked(Stop, Result{Allowed: true}))
}

func TestSetConfigReplaces(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.False(t, e.HasHooks(Stop))

	e.SetConfig(Config{Stop: {{Hooks: []Hook{{Type: TypePrompt, Prompt: "x"}}}}})
	assert.True(t, e.HasHooks(Stop))
}
