package config

import "github.com/af-corp/meridian-gateway/internal/types"

// ModelsConfig is the catalogue served by GET /v1/models.
type ModelsConfig struct {
	Models []ModelEntry `yaml:"models"`
}

type ModelEntry struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
	Created int64  `yaml:"created"`
}

// DefaultModels is served when models.yaml is absent or empty.
func DefaultModels() *ModelsConfig {
	return &ModelsConfig{Models: []ModelEntry{
		{ID: "claude-3-5-sonnet-20241022", OwnedBy: "anthropic"},
		{ID: "claude-3-5-haiku-20241022", OwnedBy: "anthropic"},
		{ID: "claude-3-opus-20240229", OwnedBy: "anthropic"},
		{ID: "gpt-4o", OwnedBy: "openai"},
		{ID: "gpt-4o-mini", OwnedBy: "openai"},
	}}
}

// List renders the catalogue in /v1/models form.
func (m *ModelsConfig) List() []types.ModelInfo {
	if m == nil {
		return nil
	}
	out := make([]types.ModelInfo, 0, len(m.Models))
	for _, e := range m.Models {
		out = append(out, types.ModelInfo{
			ID:      e.ID,
			Object:  "model",
			Created: e.Created,
			OwnedBy: e.OwnedBy,
		})
	}
	return out
}
