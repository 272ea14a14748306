package secrets

import (
	"fmt"
	"regexp"

	"github.com/af-corp/meridian-gateway/internal/config"
)

// Pattern is a named credential shape.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// builtin credential shapes. Provider keys come first so that a key matching
// both a provider and a generic shape reports the provider.
var builtin = []struct {
	name string
	expr string
}{
	{"Anthropic API Key", `sk-ant-[A-Za-z0-9_\-]{32,}`},
	{"OpenAI API Key", `sk-(?:proj-)?[A-Za-z0-9]{32,}`},
	{"Google API Key", `AIza[0-9A-Za-z_\-]{35}`},
	{"Meridian Gateway Key", `\bmrd-[a-z]+-[A-Za-z0-9]{32}\b`},
	{"Hugging Face Token", `\bhf_[A-Za-z0-9]{34,}\b`},
	{"AWS Access Key", `AKIA[0-9A-Z]{16}`},
	{"GCP Service Account Key", `"private_key":\s*"-----BEGIN`},
	{"GitHub Token", `gh[pousr]_[A-Za-z0-9_]{36,}`},
	{"Slack Token", `xox[abpr]-[0-9A-Za-z\-]{10,}`},
	{"Stripe Secret Key", `sk_live_[A-Za-z0-9]{24,}`},
	{"Private Key", `-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`},
	{"Connection String", `(?:postgres|postgresql|mysql|mongodb|redis)://[^\s:/@]*:[^\s/@]+@[^\s]+`},
	{"JWT Token", `eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`},
}

var defaultPatterns = func() []Pattern {
	out := make([]Pattern, len(builtin))
	for i, b := range builtin {
		out[i] = Pattern{Name: b.name, Regex: regexp.MustCompile(b.expr)}
	}
	return out
}()

// DefaultPatterns returns the built-in credential patterns.
func DefaultPatterns() []Pattern {
	return append([]Pattern(nil), defaultPatterns...)
}

// CompilePatterns compiles operator-supplied patterns. Unnamed entries are
// labelled "Custom Secret".
func CompilePatterns(specs []config.SecretPattern) ([]Pattern, error) {
	out := make([]Pattern, 0, len(specs))
	for _, sp := range specs {
		re, err := regexp.Compile(sp.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling secret pattern %q: %w", sp.Name, err)
		}
		name := sp.Name
		if name == "" {
			name = "Custom Secret"
		}
		out = append(out, Pattern{Name: name, Regex: re})
	}
	return out, nil
}
