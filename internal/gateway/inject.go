package gateway

import (
	"strings"

	"github.com/af-corp/meridian-gateway/internal/hooks"
	"github.com/af-corp/meridian-gateway/internal/types"
)

const (
	reminderOpen  = "<system-reminder>\n"
	reminderClose = "\n</system-reminder>"
)

func wrapReminder(text string) string {
	return reminderOpen + text + reminderClose
}

// lastUserText returns the text of the most recent user message.
func lastUserText(req *types.ChatRequest) string {
	if i := req.LastUserIndex(); i >= 0 {
		return req.Messages[i].Content.String()
	}
	return ""
}

// applyPromptOverride replaces the last user message with the first prompt a
// hook supplied. Multi-part content keeps its images; text parts are
// collapsed into one.
func applyPromptOverride(req *types.ChatRequest, res hooks.Result) bool {
	prompt, ok := res.PromptOverride()
	if !ok {
		return false
	}
	i := req.LastUserIndex()
	if i < 0 {
		return false
	}

	msg := &req.Messages[i]
	if !msg.Content.IsParts() {
		msg.Content = types.TextContent(prompt)
		return true
	}

	parts := []types.ContentPart{{Type: "text", Text: &prompt}}
	for _, p := range msg.Content.Parts() {
		if p.IsImage() {
			parts = append(parts, p)
		}
	}
	msg.Content = types.PartsContent(parts)
	return true
}

// injectSystemMessages appends hook system messages, wrapped in a reminder,
// to the last user message. Without a user message a system message is
// added at the end instead.
func injectSystemMessages(req *types.ChatRequest, res hooks.Result) bool {
	msgs := res.SystemMessages()
	if len(msgs) == 0 {
		return false
	}
	reminder := wrapReminder(strings.Join(msgs, "\n\n"))

	i := req.LastUserIndex()
	if i < 0 {
		req.Messages = append(req.Messages, types.Message{
			Role:    types.RoleSystem,
			Content: types.TextContent(reminder),
		})
		return true
	}

	msg := &req.Messages[i]
	if msg.Content.IsParts() {
		parts := append(append([]types.ContentPart(nil), msg.Content.Parts()...),
			types.ContentPart{Type: "text", Text: &reminder})
		msg.Content = types.PartsContent(parts)
	} else {
		msg.Content = types.TextContent(msg.Content.String() + "\n\n" + reminder)
	}
	return true
}

// injectSystemPrefix puts text at the front of the conversation. It is
// appended to a leading system message when there is one, otherwise a new
// system message is inserted first.
func injectSystemPrefix(req *types.ChatRequest, text string) {
	if text == "" {
		return
	}
	reminder := wrapReminder(text)

	if len(req.Messages) > 0 && req.Messages[0].Role == types.RoleSystem {
		msg := &req.Messages[0]
		if msg.Content.IsParts() {
			parts := append(append([]types.ContentPart(nil), msg.Content.Parts()...),
				types.ContentPart{Type: "text", Text: &reminder})
			msg.Content = types.PartsContent(parts)
		} else {
			msg.Content = types.TextContent(msg.Content.String() + "\n\n" + reminder)
		}
		return
	}

	req.Messages = append([]types.Message{{
		Role:    types.RoleSystem,
		Content: types.TextContent(reminder),
	}}, req.Messages...)
}
