package hooks

import (
	"encoding/json"
	"strings"
)

// Input is the JSON document written to a command hook's stdin.
type Input struct {
	Event     Event
	Cwd       string
	SessionID string
	ToolName  string
	ToolInput json.RawMessage
	Prompt    string
	Extra     map[string]any
}

func NewInput(event Event) Input {
	return Input{Event: event}
}

func (in Input) WithCwd(cwd string) Input {
	in.Cwd = cwd
	return in
}

func (in Input) WithSessionID(id string) Input {
	in.SessionID = id
	return in
}

func (in Input) WithTool(name string, input json.RawMessage) Input {
	in.ToolName = name
	in.ToolInput = input
	return in
}

func (in Input) WithPrompt(prompt string) Input {
	in.Prompt = prompt
	return in
}

// WithExtra adds a top-level field. Later calls overwrite earlier keys.
func (in Input) WithExtra(key string, value any) Input {
	extra := make(map[string]any, len(in.Extra)+1)
	for k, v := range in.Extra {
		extra[k] = v
	}
	extra[key] = value
	in.Extra = extra
	return in
}

// MarshalJSON flattens Extra next to the fixed fields. Both the
// configuration key and the Claude Code event name are present.
func (in Input) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(in.Extra)+7)
	for k, v := range in.Extra {
		doc[k] = v
	}
	doc["event"] = in.Event.Key()
	doc["hook_event_name"] = in.Event.Name()
	if in.Cwd != "" {
		doc["cwd"] = in.Cwd
	}
	if in.SessionID != "" {
		doc["session_id"] = in.SessionID
	}
	if in.ToolName != "" {
		doc["tool_name"] = in.ToolName
	}
	if len(in.ToolInput) > 0 {
		doc["tool_input"] = in.ToolInput
	}
	if in.Prompt != "" {
		doc["prompt"] = in.Prompt
	}
	return json.Marshal(doc)
}

// matchTarget is the string entry matchers are tested against.
func (in Input) matchTarget() string {
	switch {
	case in.ToolName != "":
		return in.ToolName
	case in.Prompt != "":
		return in.Prompt
	default:
		return in.Event.Key()
	}
}

// Output is a hook's parsed stdout. Unknown fields land in Extra.
type Output struct {
	Decision      string         `json:"decision,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	SystemMessage string         `json:"systemMessage,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	Extra         map[string]any `json:"-"`
}

func (o *Output) UnmarshalJSON(data []byte) error {
	type plain Output
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"decision", "reason", "systemMessage", "prompt"} {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*o = Output(p)
	return nil
}

// Denies reports whether the output asks to block the action.
func (o Output) Denies() bool {
	switch strings.ToLower(o.Decision) {
	case "deny", "block":
		return true
	}
	return false
}

// Result aggregates the outputs of every hook run for one event.
type Result struct {
	Allowed bool
	Outputs []Output
	// Errors holds hooks that failed to run. They never deny.
	Errors []error
}

func allowed() Result {
	return Result{Allowed: true}
}

// Reason returns the reason of the first denying output that has one,
// falling back to the first reason of any output.
func (r Result) Reason() string {
	for _, o := range r.Outputs {
		if o.Denies() && o.Reason != "" {
			return o.Reason
		}
	}
	for _, o := range r.Outputs {
		if o.Reason != "" {
			return o.Reason
		}
	}
	return ""
}

// SystemMessages returns every non-empty system message in hook order.
func (r Result) SystemMessages() []string {
	var msgs []string
	for _, o := range r.Outputs {
		if o.SystemMessage != "" {
			msgs = append(msgs, o.SystemMessage)
		}
	}
	return msgs
}

// PromptOverride returns the first prompt replacement, if any.
func (r Result) PromptOverride() (string, bool) {
	for _, o := range r.Outputs {
		if o.Prompt != "" {
			return o.Prompt, true
		}
	}
	return "", false
}
