// Package tokens estimates token counts for canonical requests without a
// tokenizer. Counts are approximate and only need to be stable and monotonic.
package tokens

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/af-corp/meridian-gateway/internal/types"
)

const (
	messageOverhead = 4
	imageTokens     = 1000
	requestOverhead = 100
)

// EstimateTokens blends a characters-per-token and a words-per-token estimate,
// weighted toward character density.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	chars := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))

	charEstimate := chars / 4
	wordEstimate := int(float64(words) * 1.3)
	// Short strings round down to zero; any non-empty text costs at least one token.
	return max((charEstimate*2+wordEstimate)/3, 1)
}

// EstimateMessageTokens estimates one message including role overhead, name,
// image surcharges and outgoing tool calls.
func EstimateMessageTokens(msg types.Message) int {
	total := 0
	if msg.Content.IsParts() {
		for _, p := range msg.Content.Parts() {
			if p.Text != nil {
				total += EstimateTokens(*p.Text)
			}
			if p.IsImage() {
				total += imageTokens
			}
		}
	} else {
		total += EstimateTokens(msg.Content.String())
	}

	total += messageOverhead
	total += EstimateTokens(msg.Name)

	for _, tc := range msg.ToolCalls {
		data, err := json.Marshal(tc)
		if err != nil {
			continue
		}
		total += EstimateTokens(string(data))
	}
	return total
}

// EstimateRequestTokens sums messages and tool schemas plus a fixed request overhead.
func EstimateRequestTokens(req *types.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += EstimateMessageTokens(m)
	}
	if len(req.Tools) > 0 {
		if data, err := json.Marshal(req.Tools); err == nil {
			total += EstimateTokens(string(data))
		}
	}
	return total + requestOverhead
}
