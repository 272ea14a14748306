package hooks

import (
	"fmt"
	"log/slog"
	"time"
)

type HookType string

const (
	TypeCommand HookType = "command"
	TypePrompt  HookType = "prompt"
)

const (
	defaultCommandTimeout = 60 * time.Second
	defaultPromptTimeout  = 30 * time.Second
)

// Hook is a single command or prompt hook.
type Hook struct {
	Type    HookType `yaml:"type" json:"type"`
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Prompt  string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// Timeout in seconds. Zero selects the per-type default.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

func (h Hook) timeout() time.Duration {
	if h.Timeout > 0 {
		return time.Duration(h.Timeout) * time.Second
	}
	if h.Type == TypePrompt {
		return defaultPromptTimeout
	}
	return defaultCommandTimeout
}

// Entry groups hooks behind an optional matcher regex. A nil matcher matches
// every invocation of the event.
type Entry struct {
	Matcher *string `yaml:"matcher,omitempty" json:"matcher,omitempty"`
	Hooks   []Hook  `yaml:"hooks" json:"hooks"`
}

// Config holds the hook entries per event.
type Config map[Event][]Entry

// ParseConfig converts a file-level map keyed by event key or name. Unknown
// events are skipped with a warning.
func ParseConfig(raw map[string][]Entry) Config {
	cfg := make(Config, len(raw))
	for name, entries := range raw {
		event, ok := ParseEvent(name)
		if !ok {
			slog.Warn("unknown hook event, skipping", "event", name)
			continue
		}
		for _, e := range entries {
			if e.Matcher != nil && *e.Matcher == "" {
				e.Matcher = nil
			}
			cfg[event] = append(cfg[event], e)
		}
	}
	return cfg
}

// Merge returns a new config holding c's entries followed by other's.
func (c Config) Merge(other Config) Config {
	out := make(Config, len(c)+len(other))
	for ev, entries := range c {
		out[ev] = append([]Entry(nil), entries...)
	}
	for ev, entries := range other {
		out[ev] = append(out[ev], entries...)
	}
	return out
}

// Empty reports whether no event has any entries.
func (c Config) Empty() bool {
	for _, entries := range c {
		if len(entries) > 0 {
			return false
		}
	}
	return true
}

// Validate checks that every hook carries what its type needs.
func (c Config) Validate() error {
	for ev, entries := range c {
		for i, e := range entries {
			for j, h := range e.Hooks {
				switch h.Type {
				case TypeCommand:
					if h.Command == "" {
						return fmt.Errorf("%s[%d].hooks[%d]: command hook without command", ev.Key(), i, j)
					}
				case TypePrompt:
					if h.Prompt == "" {
						return fmt.Errorf("%s[%d].hooks[%d]: prompt hook without prompt", ev.Key(), i, j)
					}
				default:
					return fmt.Errorf("%s[%d].hooks[%d]: unknown hook type %q", ev.Key(), i, j, h.Type)
				}
			}
		}
	}
	return nil
}
