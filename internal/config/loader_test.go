package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/af-corp/meridian-gateway/internal/hooks"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")
	t.Setenv("EMPTY_VAR", "")

	tests := []struct {
		input    string
		expected string
		missing  []string
	}{
		{"${TEST_VAR}", "hello", nil},
		{"${TEST_VAR:default}", "hello", nil},
		{"${EMPTY_VAR:default}", "", nil},
		{"${UNSET_VAR:fallback}", "fallback", nil},
		{"${UNSET_VAR:}", "", nil},
		{"${UNSET_VAR}", "", []string{"UNSET_VAR"}},
		{"${UNSET_VAR}-${UNSET_VAR}-${OTHER_UNSET}", "--", []string{"UNSET_VAR", "OTHER_UNSET"}},
		{"no vars here", "no vars here", nil},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix", nil},
	}

	for _, tt := range tests {
		got, missing := expandEnv(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.input, got, tt.expected)
		}
		if !slices.Equal(missing, tt.missing) {
			t.Errorf("expandEnv(%q) missing = %v, want %v", tt.input, missing, tt.missing)
		}
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Name: "meridian", User: "svc", Password: "p@ss/word"}
	if got := d.DSN(); got != "postgres://svc:p%40ss%2Fword@db:5433/meridian?sslmode=disable" {
		t.Errorf("unexpected dsn %s", got)
	}
	d.URL = "postgres://override/db"
	if got := d.DSN(); got != d.URL {
		t.Errorf("expected url override, got %s", got)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gateway.yaml", `
server:
  host: "0.0.0.0"
  port: 9999
proxy:
  target: openai
  upstream_timeout: 45s
`)

	var cfg Config
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Proxy.Target != "openai" {
		t.Errorf("expected target openai, got %s", cfg.Proxy.Target)
	}
	if cfg.Proxy.UpstreamTimeout != 45*time.Second {
		t.Errorf("expected upstream timeout 45s, got %s", cfg.Proxy.UpstreamTimeout)
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	t.Setenv("TEST_PORT", "7777")

	path := writeFile(t, t.TempDir(), "gateway.yaml", `
server:
  host: "${TEST_HOST:127.0.0.1}"
  port: ${TEST_PORT}
`)

	var cfg Config
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1 (default), got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
}

func TestLoader_EmptyDirUsesDefaults(t *testing.T) {
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(env, "")
	}

	l := NewLoader(t.TempDir(), nil)
	if err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := l.Config()
	if cfg.Proxy.Target != "anthropic" {
		t.Errorf("expected default target anthropic, got %s", cfg.Proxy.Target)
	}
	if cfg.Compaction.Threshold != 0.85 {
		t.Errorf("expected compaction threshold 0.85, got %v", cfg.Compaction.Threshold)
	}
	if cfg.TokenTracking.WarnThreshold != 0.75 {
		t.Errorf("expected warn threshold 0.75, got %v", cfg.TokenTracking.WarnThreshold)
	}

	if got := len(l.Models().Models); got != 5 {
		t.Errorf("expected 5 default models, got %d", got)
	}

	for name, base := range defaultBaseURLs {
		p, ok := l.Providers().Get(name)
		if !ok {
			t.Errorf("expected default provider %s", name)
			continue
		}
		if p.BaseURL != base {
			t.Errorf("provider %s: expected base %s, got %s", name, base, p.BaseURL)
		}
		if p.Type != name {
			t.Errorf("provider %s: expected type %s, got %s", name, name, p.Type)
		}
	}
	if _, ok := l.Providers().Get("ollama"); ok {
		t.Error("ollama should only exist when configured")
	}
	if len(l.Hooks()) != 0 {
		t.Errorf("expected no hooks, got %d events", len(l.Hooks()))
	}
}

func TestLoader_ProvidersAndEnvOverride(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("DEEPSEEK_API_KEY", "")

	dir := t.TempDir()
	writeFile(t, dir, "providers.yaml", `
providers:
  anthropic:
    api_key: sk-from-file
    thinking:
      enabled: true
      budget_tokens: 2048
  deepseek:
    api_key: ds-file
  local:
    type: ollama
    base_url: http://localhost:11434
    headers:
      X-Trace: "on"
`)

	l := NewLoader(dir, nil)
	if err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	anthropic, _ := l.Providers().Get("anthropic")
	if anthropic.APIKey != "sk-ant-env" {
		t.Errorf("expected env key to win, got %s", anthropic.APIKey)
	}
	if anthropic.BaseURL != "https://api.anthropic.com" {
		t.Errorf("expected default base url, got %s", anthropic.BaseURL)
	}
	if !anthropic.Thinking.Enabled || anthropic.Thinking.BudgetTokens == nil || *anthropic.Thinking.BudgetTokens != 2048 {
		t.Errorf("unexpected thinking config: %+v", anthropic.Thinking)
	}

	deepseek, _ := l.Providers().Get("deepseek")
	if deepseek.APIKey != "ds-file" {
		t.Errorf("expected empty env var to keep file key, got %s", deepseek.APIKey)
	}

	local, ok := l.Providers().Get("local")
	if !ok {
		t.Fatal("expected local provider")
	}
	if local.Type != "ollama" {
		t.Errorf("expected type ollama, got %s", local.Type)
	}
	if local.Headers["X-Trace"] != "on" {
		t.Errorf("expected header X-Trace=on, got %v", local.Headers)
	}
	if local.Timeout != defaultProviderTimeout {
		t.Errorf("expected default timeout, got %s", local.Timeout)
	}
}

func TestLoader_ModelsAndHooksFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "models.yaml", `
models:
  - id: glm-4.7
    owned_by: zai
`)
	writeFile(t, dir, "hooks.yaml", `
pre_tool_use:
  - matcher: "Bash"
    hooks:
      - type: command
        command: ./check.sh
        timeout: 5
UserPromptSubmit:
  - hooks:
      - type: prompt
        prompt: Be concise.
bogus_event:
  - hooks:
      - type: command
        command: "true"
`)

	l := NewLoader(dir, nil)
	if err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	list := l.Models().List()
	if len(list) != 1 || list[0].ID != "glm-4.7" || list[0].OwnedBy != "zai" || list[0].Object != "model" {
		t.Errorf("unexpected models: %+v", list)
	}

	cfg := l.Hooks()
	if len(cfg) != 2 {
		t.Fatalf("expected 2 events, got %d", len(cfg))
	}
	pre := cfg[hooks.PreToolUse]
	if len(pre) != 1 || pre[0].Matcher == nil || *pre[0].Matcher != "Bash" {
		t.Errorf("unexpected pre_tool_use entries: %+v", pre)
	}
	if pre[0].Hooks[0].Timeout != 5 {
		t.Errorf("expected timeout 5, got %d", pre[0].Hooks[0].Timeout)
	}
	if got := cfg[hooks.UserPromptSubmit][0].Hooks[0].Prompt; got != "Be concise." {
		t.Errorf("expected prompt hook, got %q", got)
	}
}

func TestLoader_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gateway.yaml", "server: [unterminated")

	l := NewLoader(dir, nil)
	if err := l.Load(); err == nil {
		t.Fatal("expected error for malformed gateway.yaml")
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gateway.yaml", "proxy:\n  target: openai\n")

	l := NewLoader(dir, nil)
	l.debounce = 10 * time.Millisecond
	if err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	reloaded := make(chan struct{}, 4)
	l.OnReload(func() { reloaded <- struct{}{} })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "gateway.yaml", "proxy:\n  target: deepseek\n")

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload after gateway.yaml changed")
	}
	if got := l.Config().Proxy.Target; got != "deepseek" {
		t.Errorf("expected reloaded target deepseek, got %s", got)
	}

	// A broken edit keeps the last good configuration.
	writeFile(t, dir, "gateway.yaml", "proxy: [")
	time.Sleep(100 * time.Millisecond)
	if got := l.Config().Proxy.Target; got != "deepseek" {
		t.Errorf("expected previous config kept, got %s", got)
	}
}
