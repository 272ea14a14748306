// Package tools holds statically configured function tools that are offered
// to the model on every chat request.
package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/types"
)

// Registry renders configured tool definitions as OpenAI function tools.
type Registry struct {
	mu    sync.RWMutex
	tools []json.RawMessage
	names []string
}

// NewRegistry builds a registry. Invalid definitions are skipped with a
// warning.
func NewRegistry(defs []config.ToolDefinition) *Registry {
	r := &Registry{}
	r.Set(defs)
	return r
}

// Set replaces the registry contents.
func (r *Registry) Set(defs []config.ToolDefinition) {
	var tools []json.RawMessage
	var names []string
	seen := make(map[string]bool)
	for _, d := range defs {
		raw, err := render(d)
		if err != nil {
			slog.Warn("skipping tool definition", "tool", d.Name, "error", err)
			continue
		}
		if seen[d.Name] {
			slog.Warn("duplicate tool definition", "tool", d.Name)
			continue
		}
		seen[d.Name] = true
		tools = append(tools, raw)
		names = append(names, d.Name)
	}

	r.mu.Lock()
	r.tools = tools
	r.names = names
	r.mu.Unlock()
}

func render(d config.ToolDefinition) (json.RawMessage, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("tool definition has no name")
	}
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	out := []byte(`{"type":"function"}`)
	var err error
	if out, err = sjson.SetBytes(out, "function.name", d.Name); err != nil {
		return nil, fmt.Errorf("render tool %s: %w", d.Name, err)
	}
	if d.Description != "" {
		if out, err = sjson.SetBytes(out, "function.description", d.Description); err != nil {
			return nil, fmt.Errorf("render tool %s: %w", d.Name, err)
		}
	}
	if out, err = sjson.SetBytes(out, "function.parameters", params); err != nil {
		return nil, fmt.Errorf("render tool %s parameters: %w", d.Name, err)
	}
	return out, nil
}

// Definitions returns the rendered tools.
func (r *Registry) Definitions() []json.RawMessage {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]json.RawMessage(nil), r.tools...)
}

// Names returns the configured tool names in order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// AppendTo adds registry tools to req, skipping any whose name the client
// already declared. It returns the number added.
func (r *Registry) AppendTo(req *types.ChatRequest) int {
	defs := r.Definitions()
	if len(defs) == 0 {
		return 0
	}

	declared := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		declared[toolName(t)] = true
	}

	added := 0
	for _, d := range defs {
		if declared[toolName(d)] {
			continue
		}
		req.Tools = append(req.Tools, d)
		added++
	}
	return added
}

func toolName(raw json.RawMessage) string {
	if name := gjson.GetBytes(raw, "function.name"); name.Exists() {
		return name.String()
	}
	return gjson.GetBytes(raw, "name").String()
}
