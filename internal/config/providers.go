package config

import (
	"os"
	"time"

	"github.com/af-corp/meridian-gateway/internal/types"
)

const (
	defaultProviderTimeout = 5 * time.Minute
	defaultMaxConcurrent   = 100
)

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// Type selects the adapter; it defaults to the provider's name.
	Type          string               `yaml:"type"`
	BaseURL       string               `yaml:"base_url"`
	APIKey        string               `yaml:"api_key"`
	Model         string               `yaml:"model,omitempty"`
	MaxConcurrent int                  `yaml:"max_concurrent"`
	Timeout       time.Duration        `yaml:"timeout"`
	Headers       map[string]string    `yaml:"headers,omitempty"`
	Thinking      types.ThinkingConfig `yaml:"thinking"`
}

// defaultBaseURLs are the hosted providers that are always configured.
var defaultBaseURLs = map[string]string{
	"anthropic": "https://api.anthropic.com",
	"openai":    "https://api.openai.com",
	"google":    "https://generativelanguage.googleapis.com",
	"zai":       "https://api.z.ai/api/coding/paas/v4",
	"deepseek":  "https://api.deepseek.com",
	"qwen":      "https://dashscope.aliyuncs.com/compatible-mode",
}

// apiKeyEnv maps provider names to the environment variable that overrides
// their configured key.
var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
	"zai":       "ZAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"qwen":      "QWEN_API_KEY",
}

// ApplyDefaults fills in the built-in providers, per-provider defaults and
// API keys from the environment.
func (p *ProvidersConfig) ApplyDefaults() {
	if p.Providers == nil {
		p.Providers = make(map[string]ProviderConfig)
	}
	for name, base := range defaultBaseURLs {
		cfg := p.Providers[name]
		if cfg.BaseURL == "" {
			cfg.BaseURL = base
		}
		p.Providers[name] = cfg
	}
	for name, cfg := range p.Providers {
		if cfg.Type == "" {
			cfg.Type = name
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = defaultProviderTimeout
		}
		if cfg.MaxConcurrent == 0 {
			cfg.MaxConcurrent = defaultMaxConcurrent
		}
		if env, ok := apiKeyEnv[name]; ok {
			if key, ok := os.LookupEnv(env); ok && key != "" {
				cfg.APIKey = key
			}
		}
		p.Providers[name] = cfg
	}
}

// Get returns the named provider's configuration.
func (p *ProvidersConfig) Get(name string) (ProviderConfig, bool) {
	if p == nil {
		return ProviderConfig{}, false
	}
	cfg, ok := p.Providers[name]
	return cfg, ok
}
