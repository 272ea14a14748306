// Package toolguard vetoes tool calls whose arguments contain a dangerous
// pattern.
package toolguard

import (
	"fmt"
	"strings"

	"github.com/af-corp/meridian-gateway/internal/config"
)

// DefaultPatterns is the deny-list used when none is configured.
var DefaultPatterns = []string{"rm -rf", "format c:", "drop table", "delete from"}

// Guard checks tool call arguments against a deny-list. Matching is
// case-insensitive substring search.
type Guard struct {
	cfg func() config.ToolGuardConfig
}

func New(cfg func() config.ToolGuardConfig) *Guard {
	return &Guard{cfg: cfg}
}

func (g *Guard) Enabled() bool {
	if g == nil || g.cfg == nil {
		return false
	}
	return g.cfg().Enabled
}

func (g *Guard) patterns() []string {
	if p := g.cfg().Patterns; len(p) > 0 {
		return p
	}
	return DefaultPatterns
}

// Check returns a denial reason when input contains a dangerous pattern, or
// "" when the call may proceed.
func (g *Guard) Check(toolName, input string) string {
	if !g.Enabled() || input == "" {
		return ""
	}
	lower := strings.ToLower(input)
	for _, p := range g.patterns() {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return fmt.Sprintf("Tool '%s' contains dangerous pattern: %s", toolName, p)
		}
	}
	return ""
}
