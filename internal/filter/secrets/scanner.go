package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/filter"
	"github.com/af-corp/meridian-gateway/internal/types"
)

// Detection is one credential found in a request.
type Detection struct {
	PatternName string
	Message     int // index into the request messages, -1 for bare text
	Role        string
	Start       int // byte offsets within the scanned text
	End         int
}

// Scanner blocks requests that carry credentials in message text or tool
// call arguments.
type Scanner struct {
	cfg func() config.SecretsFilterConfig

	mu       sync.Mutex
	custom   []Pattern
	compiled []config.SecretPattern
}

// NewScanner creates a scanner. A nil cfg enables the built-in patterns only.
func NewScanner(cfg func() config.SecretsFilterConfig) *Scanner {
	return &Scanner{cfg: cfg}
}

func (s *Scanner) Name() string { return "secrets" }

func (s *Scanner) Enabled() bool {
	if s.cfg == nil {
		return true
	}
	return s.cfg().Enabled
}

func (s *Scanner) config() config.SecretsFilterConfig {
	if s.cfg == nil {
		return config.SecretsFilterConfig{Enabled: true}
	}
	return s.cfg()
}

// patterns returns the built-ins plus the configured extras, recompiling the
// extras only when the configuration changed.
func (s *Scanner) patterns(cfg config.SecretsFilterConfig) []Pattern {
	if len(cfg.Patterns) == 0 {
		return defaultPatterns
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Equal(s.compiled, cfg.Patterns) {
		custom, err := CompilePatterns(cfg.Patterns)
		if err != nil {
			slog.Warn("ignoring custom secret patterns", "error", err)
			custom = nil
		}
		s.custom = custom
		s.compiled = slices.Clone(cfg.Patterns)
	}
	return append(slices.Clip(defaultPatterns), s.custom...)
}

// Scan returns every credential in text that is not on the allow list.
func (s *Scanner) Scan(text string) []Detection {
	cfg := s.config()
	return scan(text, s.patterns(cfg), cfg.Allow, -1, "")
}

func scan(text string, patterns []Pattern, allow []string, index int, role string) []Detection {
	var detections []Detection
	for _, p := range patterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			if slices.Contains(allow, text[loc[0]:loc[1]]) {
				continue
			}
			detections = append(detections, Detection{
				PatternName: p.Name,
				Message:     index,
				Role:        role,
				Start:       loc[0],
				End:         loc[1],
			})
		}
	}
	return detections
}

// ScanMessages scans every message's text and tool call arguments.
func (s *Scanner) ScanMessages(messages []types.Message) []Detection {
	cfg := s.config()
	patterns := s.patterns(cfg)

	var detections []Detection
	for i, m := range messages {
		texts := filter.MessageTexts(messages[i : i+1])
		detections = append(detections, scan(strings.Join(texts, "\n"), patterns, cfg.Allow, i, m.Role)...)
	}
	return detections
}

// ScanRequest implements filter.Filter. Any detection blocks the request.
func (s *Scanner) ScanRequest(_ context.Context, req *filter.Request) filter.Result {
	detections := s.ScanMessages(req.Chat.Messages)
	if len(detections) == 0 {
		return filter.Result{Action: filter.ActionPass, FilterName: s.Name()}
	}
	first := detections[0]
	return filter.Result{
		Action:     filter.ActionBlock,
		FilterName: s.Name(),
		Message:    fmt.Sprintf("Request blocked: %s detected in %s message content", first.PatternName, first.Role),
		Detections: len(detections),
	}
}
