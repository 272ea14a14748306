// Package hooks runs externally configured policy hooks at fixed lifecycle
// points. A hook can allow, deny, or rewrite the request it is shown.
package hooks

import "strings"

// Event identifies a lifecycle point at which hooks run.
type Event int

const (
	SessionStart Event = iota
	SessionEnd
	PreToolUse
	PostToolUse
	PostToolUseFailure
	UserPromptSubmit
	Stop
	SubagentStart
	SubagentStop
	PreCompact
	PermissionRequest
	Notification
	PreAdversaryReview
	PostAdversaryReview
	VddConflict
	VddConverged

	numEvents
)

// eventNames maps each event to its configuration key and to the name used
// by Claude Code settings files.
var eventNames = [numEvents]struct {
	key  string
	name string
}{
	SessionStart:        {"session_start", "SessionStart"},
	SessionEnd:          {"session_end", "SessionEnd"},
	PreToolUse:          {"pre_tool_use", "PreToolUse"},
	PostToolUse:         {"post_tool_use", "PostToolUse"},
	PostToolUseFailure:  {"post_tool_use_failure", "PostToolUseFailure"},
	UserPromptSubmit:    {"user_prompt_submit", "UserPromptSubmit"},
	Stop:                {"stop", "Stop"},
	SubagentStart:       {"subagent_start", "SubagentStart"},
	SubagentStop:        {"subagent_stop", "SubagentStop"},
	PreCompact:          {"pre_compact", "PreCompact"},
	PermissionRequest:   {"permission_request", "PermissionRequest"},
	Notification:        {"notification", "Notification"},
	PreAdversaryReview:  {"pre_adversary_review", "PreAdversaryReview"},
	PostAdversaryReview: {"post_adversary_review", "PostAdversaryReview"},
	VddConflict:         {"vdd_conflict", "VddConflict"},
	VddConverged:        {"vdd_converged", "VddConverged"},
}

// Key returns the configuration key, e.g. "pre_tool_use".
func (e Event) Key() string {
	if e < 0 || e >= numEvents {
		return "unknown"
	}
	return eventNames[e].key
}

// Name returns the Claude Code name, e.g. "PreToolUse".
func (e Event) Name() string {
	if e < 0 || e >= numEvents {
		return "Unknown"
	}
	return eventNames[e].name
}

func (e Event) String() string { return e.Key() }

// AllEvents returns every event in declaration order.
func AllEvents() []Event {
	events := make([]Event, numEvents)
	for i := range events {
		events[i] = Event(i)
	}
	return events
}

// ParseEvent accepts either the configuration key or the Claude Code name.
// Key matching is case-insensitive.
func ParseEvent(s string) (Event, bool) {
	lower := strings.ToLower(s)
	for i, n := range eventNames {
		if n.key == lower || n.name == s {
			return Event(i), true
		}
	}
	return 0, false
}

func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.Key()), nil
}
