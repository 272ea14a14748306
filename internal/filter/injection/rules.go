package injection

import "regexp"

// Category groups rules by the technique they catch.
type Category string

const (
	InstructionBypass Category = "instruction_bypass"
	RoleOverride      Category = "role_override"
	MarkerForgery     Category = "marker_forgery"
	EncodingTrick     Category = "encoding_trick"
	OutputSteering    Category = "output_steering"
	Exfiltration      Category = "exfiltration"
)

// Rule is a single heuristic. Severity is in [0, 1].
type Rule struct {
	Name     string
	Regex    *regexp.Regexp
	Severity float64
	Category Category
}

var ruleTable = []struct {
	name     string
	expr     string
	severity float64
	category Category
}{
	{"ignore_previous", `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`, 0.95, InstructionBypass},
	{"disregard_prior", `(?i)disregard\s+(all\s+)?(prior|previous)\s+(instructions|context|rules)`, 0.95, InstructionBypass},
	{"new_instructions", `(?i)(new|updated|revised)\s+instructions?\s*:`, 0.8, InstructionBypass},

	// Tags the gateway writes for hook and compaction output. Agent clients
	// also send their own reminders, so these only flag.
	{"forged_system_reminder", `(?i)</?system-reminder>`, 0.75, MarkerForgery},
	{"forged_context_summary", `(?i)</?context-summary>`, 0.8, MarkerForgery},
	{"chat_template_tokens", `<\|im_start\|>\s*system|\[/?INST\]|<<SYS>>`, 0.9, MarkerForgery},

	{"jailbreak", `\bDAN\b|(?i:\bdo\s+anything\s+now\b|\bjailbreak\b|\bunrestricted\s+mode\b)`, 0.9, RoleOverride},
	{"code_block_system", "(?i)```system", 0.9, RoleOverride},
	{"system_prefix", `(?im)^\s*system\s*:\s*`, 0.85, RoleOverride},
	{"developer_mode", `(?i)(developer|debug|admin|root|god)\s+mode\s+(enabled|activated|on)`, 0.85, RoleOverride},
	{"you_are_now", `(?i)you\s+are\s+now\s+(a|an|the)\s+`, 0.7, RoleOverride},

	{"base64_instruction", `(?i)(decode|execute|follow)\s+(the\s+)?(following\s+)?base64`, 0.85, EncodingTrick},

	{"response_prefix", `(?i)respond\s+with\s*:\s*(sure|absolutely|of course)`, 0.75, OutputSteering},
	{"reveal_system_prompt", `(?i)(reveal|print|repeat|show)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions)`, 0.8, OutputSteering},

	{"exfiltrate_secrets", `(?i)(send|post|upload|exfiltrate)\s+(all\s+)?(the\s+)?(api\s+keys?|credentials|secrets|env(ironment)?\s+variables)\s+to\b`, 0.9, Exfiltration},
}

var defaultRules = func() []Rule {
	out := make([]Rule, len(ruleTable))
	for i, r := range ruleTable {
		out[i] = Rule{Name: r.name, Regex: regexp.MustCompile(r.expr), Severity: r.severity, Category: r.category}
	}
	return out
}()

// DefaultRules returns the built-in rules.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}
