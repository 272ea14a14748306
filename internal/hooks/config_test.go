package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg := ParseConfig(map[string][]Entry{
		"pre_tool_use": {{Matcher: strPtr(""), Hooks: []Hook{commandHook("true")}}},
		"Stop":         {{Hooks: []Hook{{Type: TypePrompt, Prompt: "done?"}}}},
		"bogus_event":  {{Hooks: []Hook{commandHook("true")}}},
	})

	require.Len(t, cfg, 2)
	assert.Nil(t, cfg[PreToolUse][0].Matcher)
	assert.Len(t, cfg[Stop], 1)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Stop: {{Hooks: []Hook{{Type: TypeCommand}}}}}
	assert.Error(t, cfg.Validate())

	cfg = Config{Stop: {{Hooks: []Hook{{Type: "webhook", Command: "x"}}}}}
	assert.Error(t, cfg.Validate())
}

func TestConfigMerge(t *testing.T) {
	a := Config{Stop: {{Hooks: []Hook{{Type: TypePrompt, Prompt: "a"}}}}}
	b := Config{Stop: {{Hooks: []Hook{{Type: TypePrompt, Prompt: "b"}}}}}

	m := a.Merge(b)
	require.Len(t, m[Stop], 2)
	assert.Equal(t, "a", m[Stop][0].Hooks[0].Prompt)
	assert.Equal(t, "b", m[Stop][1].Hooks[0].Prompt)
	assert.Len(t, a[Stop], 1)
}

func TestHookTimeoutDefaults(t *testing.T) {
	assert.Equal(t, defaultCommandTimeout, Hook{Type: TypeCommand}.timeout())
	assert.Equal(t, defaultPromptTimeout, Hook{Type: TypePrompt}.timeout())
	assert.Equal(t, 7*time.Second, Hook{Type: TypeCommand, Timeout: 7}.timeout())
}

func writeSettings(t *testing.T, dir, body string) {
	t.Helper()
	path := filepath.Join(dir, ".claude", "settings.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadClaudeSettingsProjectWins(t *testing.T) {
	project, home := t.TempDir(), t.TempDir()
	writeSettings(t, project, `{"hooks":{"PreToolUse":[{"matcher":"Bash","hooks":[{"type":"command","command":"check.sh"}]}]}}`)
	writeSettings(t, home, `{"hooks":{"Stop":[{"hooks":[{"type":"command","command":"home.sh"}]}]}}`)

	cfg, err := LoadClaudeSettings(project, home)
	require.NoError(t, err)
	require.Len(t, cfg[PreToolUse], 1)
	assert.Equal(t, "Bash", *cfg[PreToolUse][0].Matcher)
	assert.Empty(t, cfg[Stop])
}

func TestLoadClaudeSettingsFallsBackToHome(t *testing.T) {
	project, home := t.TempDir(), t.TempDir()
	writeSettings(t, home, `{"hooks":{"Stop":[{"hooks":[{"command":"home.sh"}]}]}}`)

	cfg, err := LoadClaudeSettings(project, home)
	require.NoError(t, err)
	require.Len(t, cfg[Stop], 1)
	assert.Equal(t, TypeCommand, cfg[Stop][0].Hooks[0].Type)
}

func TestLoadClaudeSettingsMalformedIgnored(t *testing.T) {
	project := t.TempDir()
	writeSettings(t, project, `{not json`)

	cfg, err := LoadClaudeSettings(project, "")
	require.NoError(t, err)
	assert.True(t, cfg.Empty())
}
