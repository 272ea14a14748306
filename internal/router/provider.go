// Package router maps models to configured providers and tracks provider
// health.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/router/adapters"
)

// ErrProviderNotConfigured is returned when a model resolves to a provider
// that has no configuration.
var ErrProviderNotConfigured = errors.New("provider not configured")

// Provider is a configured upstream: its adapter, settings and HTTP client.
type Provider struct {
	Name    string
	Adapter adapters.Adapter
	Config  config.ProviderConfig
	Client  *http.Client
}

// URL joins the normalized base URL and path.
func (p *Provider) URL(path string) string {
	return adapters.NormalizeBaseURL(p.Config.BaseURL) + path
}

// ChatURL is the chat endpoint for model.
func (p *Provider) ChatURL(model string) string {
	return p.URL(p.Adapter.ChatEndpoint(model))
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	target    string
}

// NewRegistry creates an empty registry. target is the provider used for
// models without a recognized prefix.
func NewRegistry(target string) *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		target:    target,
	}
}

func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name] = p
}

func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Target returns the fallback provider name.
func (r *Registry) Target() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// Names lists the registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Swap replaces r's contents with other's. Used on config reload so
// handlers holding r see the new providers.
func (r *Registry) Swap(other *Registry) {
	other.mu.RLock()
	providers := other.providers
	target := other.target
	other.mu.RUnlock()

	r.mu.Lock()
	r.providers = providers
	r.target = target
	r.mu.Unlock()
}

// Resolve returns the provider serving model.
func (r *Registry) Resolve(model string) (*Provider, error) {
	name := ResolveProvider(model, r.Target())
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// ResolveProvider picks a provider name from the model prefix. Unrecognized
// models go to fallback.
func ResolveProvider(model, fallback string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"), strings.HasPrefix(m, "anthropic"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	case strings.HasPrefix(m, "glm"):
		return "zai"
	case strings.HasPrefix(m, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(m, "qwen"):
		return "qwen"
	default:
		return fallback
	}
}

// BuildFromConfig builds a registry with one tuned HTTP client per provider.
func BuildFromConfig(provCfg *config.ProvidersConfig, target string) *Registry {
	registry := NewRegistry(target)
	if provCfg == nil {
		return registry
	}
	for name, cfg := range provCfg.Providers {
		client := &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        cfg.MaxConcurrent,
				MaxIdleConnsPerHost: cfg.MaxConcurrent,
				MaxConnsPerHost:     cfg.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
		registry.Register(&Provider{
			Name:    name,
			Adapter: adapters.Get(cfg.Type),
			Config:  cfg,
			Client:  client,
		})
	}
	return registry
}
