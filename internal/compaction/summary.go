package compaction

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/af-corp/meridian-gateway/internal/types"
)

const (
	summaryOpen     = "<context-summary>\n"
	summaryPreamble = "The following is a summary of the earlier conversation:\n\n"
	summaryClose    = "</context-summary>"

	textLimit = 500
	partLimit = 200

	markerUsedTools  = "[Used tools]"
	markerToolResult = "[Tool result]"
)

// generateSummary renders messages as consecutive role runs inside the
// context-summary delimiters.
func generateSummary(messages []types.Message, prompt string) string {
	var b strings.Builder
	b.WriteString(summaryOpen)
	if prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}
	b.WriteString(summaryPreamble)

	currentRole := ""
	var turn []string

	for _, msg := range messages {
		if msg.Role != currentRole && len(turn) > 0 {
			b.WriteString("**" + capitalize(currentRole) + "**: ")
			b.WriteString(strings.Join(turn, " "))
			b.WriteString("\n\n")
			turn = turn[:0]
		}
		currentRole = msg.Role

		if content := summarizeContent(msg.Content); content != "" {
			turn = append(turn, content)
		}
		if len(msg.ToolCalls) > 0 {
			turn = append(turn, markerUsedTools)
		}
		if msg.ToolCallID != "" {
			turn = append(turn, markerToolResult)
		}
	}

	if len(turn) > 0 {
		b.WriteString("**" + capitalize(currentRole) + "**: ")
		b.WriteString(strings.Join(turn, " "))
		b.WriteString("\n")
	}

	b.WriteString(summaryClose)
	return b.String()
}

func summarizeContent(c types.Content) string {
	if !c.IsParts() {
		return truncate(c.String(), textLimit)
	}
	var pieces []string
	for _, p := range c.Parts() {
		if p.Text != nil {
			pieces = append(pieces, truncate(*p.Text, partLimit))
		}
	}
	return strings.Join(pieces, " ")
}

// truncate keeps at most maxChars runes. Truncated text loses trailing
// whitespace and gains an ellipsis.
func truncate(text string, maxChars int) string {
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:maxChars]), unicode.IsSpace) + "..."
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return ""
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
