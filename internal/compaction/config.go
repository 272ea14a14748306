package compaction

import (
	"fmt"
	"strings"
)

// ResponseReserve is the number of tokens always kept free for the model's reply.
const ResponseReserve = 4096

const (
	claudeWindow    = 200_000
	gpt4Window      = 128_000
	gpt35Window     = 16_385
	geminiWindow    = 1_000_000
	reasoningWindow = 128_000
	defaultWindow   = 128_000
)

// windowRules is checked in order; the first substring that matches wins.
var windowRules = []struct {
	substr string
	tokens int
}{
	{"opus", claudeWindow},
	{"sonnet", claudeWindow},
	{"haiku", claudeWindow},
	{"claude", claudeWindow},
	{"gpt-4o", gpt4Window},
	{"gpt-4", gpt4Window},
	{"gpt-3.5", gpt35Window},
	{"gemini", geminiWindow},
	{"o1", reasoningWindow},
	{"o3", reasoningWindow},
}

// ContextWindow returns the context ceiling for a model name. Matching is a
// case-insensitive substring test.
func ContextWindow(model string) int {
	m := strings.ToLower(model)
	for _, r := range windowRules {
		if strings.Contains(m, r.substr) {
			return r.tokens
		}
	}
	return defaultWindow
}

// Config holds compaction settings.
type Config struct {
	// MaxContextTokens is the hard context ceiling of the target model.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Threshold is the fraction of MaxContextTokens that triggers compaction, in (0,1].
	Threshold float64 `yaml:"threshold"`

	// PreserveRecent is how many trailing messages are never summarized.
	PreserveRecent int `yaml:"preserve_recent"`

	PreserveSystem    bool `yaml:"preserve_system"`
	PreserveToolCalls bool `yaml:"preserve_tool_calls"`

	// SummaryPrompt, when set, is written as the first line of every summary.
	SummaryPrompt string `yaml:"summary_prompt"`
}

func DefaultConfig() Config {
	return Config{
		MaxContextTokens:  defaultWindow,
		Threshold:         0.85,
		PreserveRecent:    4,
		PreserveSystem:    true,
		PreserveToolCalls: true,
	}
}

// ConfigForModel returns the default configuration sized to the model's window.
func ConfigForModel(model string) Config {
	cfg := DefaultConfig()
	cfg.MaxContextTokens = ContextWindow(model)
	return cfg
}

// WithPreservation copies the preservation settings of base onto c.
func (c Config) WithPreservation(base Config) Config {
	c.PreserveRecent = base.PreserveRecent
	c.PreserveSystem = base.PreserveSystem
	c.PreserveToolCalls = base.PreserveToolCalls
	c.SummaryPrompt = base.SummaryPrompt
	return c
}

// Validate rejects thresholds that leave no room for the response reserve.
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %.2f outside (0,1]", ErrInvalidConfig, c.Threshold)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("%w: max_context_tokens must be positive", ErrInvalidConfig)
	}
	if c.thresholdTokens() <= ResponseReserve {
		return fmt.Errorf("%w: threshold leaves no room above the %d token response reserve", ErrInvalidConfig, ResponseReserve)
	}
	if c.PreserveRecent < 0 {
		return fmt.Errorf("%w: preserve_recent must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) thresholdTokens() int {
	return int(float64(c.MaxContextTokens) * c.Threshold)
}
