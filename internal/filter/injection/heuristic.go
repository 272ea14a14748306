// Package injection flags prompt-injection attempts with regex heuristics.
package injection

import (
	"context"
	"fmt"

	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/filter"
	"github.com/af-corp/meridian-gateway/internal/types"
)

// Detection is a rule match. Severity is already weighted for the message
// role it was found in.
type Detection struct {
	Rule     string
	Category Category
	Severity float64
	Message  int
	Start    int
	End      int
}

// Scanner scores user messages, and optionally tool results, against the
// rule set.
type Scanner struct {
	rules []Rule
	cfg   func() config.InjectionFilterConfig
}

func NewScanner(cfg func() config.InjectionFilterConfig) *Scanner {
	return &Scanner{rules: defaultRules, cfg: cfg}
}

func (s *Scanner) Name() string  { return "injection" }
func (s *Scanner) Enabled() bool { return s.cfg().Enabled }

// Scan matches text against every rule at full severity.
func (s *Scanner) Scan(text string) []Detection {
	return s.scan(text, -1, 1)
}

func (s *Scanner) scan(text string, index int, weight float64) []Detection {
	var out []Detection
	for _, r := range s.rules {
		for _, loc := range r.Regex.FindAllStringIndex(text, -1) {
			out = append(out, Detection{
				Rule:     r.Name,
				Category: r.Category,
				Severity: r.Severity * weight,
				Message:  index,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}
	return out
}

// ScanMessages returns the detections and the highest weighted severity.
// System and assistant messages are never scanned.
func (s *Scanner) ScanMessages(messages []types.Message) ([]Detection, float64) {
	cfg := s.cfg()

	var (
		detections []Detection
		score      float64
	)
	for i, m := range messages {
		weight := 1.0
		switch {
		case m.Role == types.RoleUser:
		case m.Role == types.RoleTool && cfg.ScanToolResults:
			weight = cfg.ToolResultWeight
		default:
			continue
		}
		for _, d := range s.scan(m.Content.String(), i, weight) {
			detections = append(detections, d)
			score = max(score, d.Severity)
		}
	}
	return detections, score
}

// ScanRequest implements filter.Filter.
func (s *Scanner) ScanRequest(_ context.Context, req *filter.Request) filter.Result {
	detections, score := s.ScanMessages(req.Chat.Messages)
	cfg := s.cfg()

	result := filter.Result{
		Action:     filter.ActionPass,
		FilterName: s.Name(),
		Detections: len(detections),
		Score:      score,
	}
	switch {
	case len(detections) == 0:
	case score >= cfg.BlockThreshold:
		result.Action = filter.ActionBlock
		result.Message = fmt.Sprintf("Request blocked: prompt injection detected (%s, score %.2f)", strongest(detections).Rule, score)
	case score >= cfg.FlagThreshold:
		result.Action = filter.ActionFlag
		result.Message = fmt.Sprintf("possible prompt injection (%s)", strongest(detections).Rule)
	}
	return result
}

func strongest(detections []Detection) Detection {
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Severity > best.Severity {
			best = d
		}
	}
	return best
}
