package router

import (
	"errors"
	"testing"
	"time"

	"github.com/af-corp/meridian-gateway/internal/config"
)

func testProviders() *config.ProvidersConfig {
	return &config.ProvidersConfig{Providers: map[string]config.ProviderConfig{
		"anthropic": {Type: "anthropic", BaseURL: "https://api.anthropic.com", Timeout: time.Minute, MaxConcurrent: 10},
		"openai":    {Type: "openai", BaseURL: "https://api.openai.com/v1/", Timeout: time.Minute, MaxConcurrent: 10},
		"zai":       {Type: "glm", BaseURL: "https://api.z.ai/api/coding/paas/v4", Timeout: time.Minute, MaxConcurrent: 10},
		"local":     {Type: "lmstudio", BaseURL: "http://localhost:1234", Timeout: time.Minute, MaxConcurrent: 10},
	}}
}

func TestResolveProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-3-5-sonnet-20241022", "anthropic"},
		{"Claude-Opus", "anthropic"},
		{"anthropic/claude", "anthropic"},
		{"gpt-4o", "openai"},
		{"o1-preview", "openai"},
		{"o3-mini", "openai"},
		{"gemini-1.5-pro", "google"},
		{"glm-4.7", "zai"},
		{"deepseek-chat", "deepseek"},
		{"qwen-max", "qwen"},
		{"llama3", "local"},
		{"", "local"},
	}
	for _, tt := range tests {
		if got := ResolveProvider(tt.model, "local"); got != tt.want {
			t.Errorf("ResolveProvider(%q) = %s, want %s", tt.model, got, tt.want)
		}
	}
}

func TestBuildFromConfig_AdapterTypes(t *testing.T) {
	registry := BuildFromConfig(testProviders(), "anthropic")

	tests := map[string]string{
		"anthropic": "anthropic",
		"openai":    "openai",
		"zai":       "zai",
		"local":     "openai",
	}
	for name, adapter := range tests {
		p, ok := registry.Get(name)
		if !ok {
			t.Fatalf("expected provider %s", name)
		}
		if p.Adapter.Name() != adapter {
			t.Errorf("provider %s: expected adapter %s, got %s", name, adapter, p.Adapter.Name())
		}
		if p.Client == nil || p.Client.Timeout != time.Minute {
			t.Errorf("provider %s: expected client with 1m timeout", name)
		}
	}

	if got := registry.Names(); len(got) != 4 || got[0] != "anthropic" {
		t.Errorf("unexpected names: %v", got)
	}
}

func TestProvider_ChatURL(t *testing.T) {
	registry := BuildFromConfig(testProviders(), "anthropic")

	tests := []struct {
		provider string
		model    string
		want     string
	}{
		{"openai", "gpt-4o", "https://api.openai.com/v1/chat/completions"},
		{"anthropic", "claude-3", "https://api.anthropic.com/v1/messages"},
		{"zai", "glm-4.7", "https://api.z.ai/api/coding/paas/v4/chat/completions"},
		{"local", "qwen2.5", "http://localhost:1234/v1/chat/completions"},
	}
	for _, tt := range tests {
		p, _ := registry.Get(tt.provider)
		if got := p.ChatURL(tt.model); got != tt.want {
			t.Errorf("%s ChatURL = %s, want %s", tt.provider, got, tt.want)
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	registry := BuildFromConfig(testProviders(), "local")

	p, err := registry.Resolve("claude-3-opus")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "anthropic" {
		t.Errorf("expected anthropic, got %s", p.Name)
	}

	p, err = registry.Resolve("mistral-large")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "local" {
		t.Errorf("expected fallback to local, got %s", p.Name)
	}

	_, err = registry.Resolve("gemini-pro")
	if !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestRegistry_Swap(t *testing.T) {
	registry := BuildFromConfig(testProviders(), "anthropic")
	next := NewRegistry("openai")
	next.Register(&Provider{Name: "openai"})

	registry.Swap(next)

	if registry.Target() != "openai" {
		t.Errorf("expected target openai, got %s", registry.Target())
	}
	if _, ok := registry.Get("anthropic"); ok {
		t.Error("expected anthropic to be gone after swap")
	}
}
