// Package rules loads markdown rule files and selects the ones relevant to
// the files a conversation mentions.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/af-corp/meridian-gateway/internal/types"
)

// Rule is one markdown file. Rules without front matter apply to every
// request.
type Rule struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`
	Always     bool     `yaml:"always"`
	Content    string   `yaml:"-"`
	Path       string   `yaml:"-"`
}

// Matches reports whether the rule applies to any of exts.
func (r Rule) Matches(exts []string) bool {
	if r.Always {
		return true
	}
	for _, want := range r.Extensions {
		want = normalizeExt(want)
		for _, have := range exts {
			if want == normalizeExt(have) {
				return true
			}
		}
	}
	return false
}

var frontMatterDelim = []byte("---")

// Parse splits optional YAML front matter from the markdown body.
func Parse(path string, data []byte) (Rule, error) {
	rule := Rule{Path: path}
	body := data

	trimmed := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if bytes.HasPrefix(trimmed, frontMatterDelim) {
		rest := trimmed[len(frontMatterDelim):]
		end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
		if end < 0 {
			return Rule{}, fmt.Errorf("parse rule %s: unterminated front matter", path)
		}
		if err := yaml.Unmarshal(rest[:end], &rule); err != nil {
			return Rule{}, fmt.Errorf("parse rule %s front matter: %w", path, err)
		}
		body = rest[end+1+len(frontMatterDelim):]
	} else {
		rule.Always = true
	}

	if rule.Name == "" {
		rule.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	rule.Content = strings.TrimSpace(string(body))
	return rule, nil
}

// Engine holds the rules loaded from a directory.
type Engine struct {
	dir string

	mu    sync.RWMutex
	rules []Rule
}

func NewEngine(dir string) *Engine {
	return &Engine{dir: dir}
}

// Load reads every *.md file in the directory. A missing directory yields no
// rules. Files that fail to parse are skipped with a warning.
func (e *Engine) Load() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.set(nil)
			return nil
		}
		return fmt.Errorf("read rules dir %s: %w", e.dir, err)
	}

	var loaded []Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule %s: %w", path, err)
		}
		rule, err := Parse(path, data)
		if err != nil {
			slog.Warn("skipping rule", "path", path, "error", err)
			continue
		}
		if rule.Content == "" {
			continue
		}
		loaded = append(loaded, rule)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Path < loaded[j].Path })

	e.set(loaded)
	slog.Info("rules loaded", "dir", e.dir, "count", len(loaded))
	return nil
}

func (e *Engine) set(rules []Rule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// Rules returns the loaded rules.
func (e *Engine) Rules() []Rule {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Combined joins the content of every rule matching exts, in file order.
func (e *Engine) Combined(exts []string) string {
	var parts []string
	for _, r := range e.Rules() {
		if r.Matches(exts) {
			parts = append(parts, r.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Watch reloads the rules when files in the directory change. The directory
// must exist.
func (e *Engine) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(e.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch rules dir %s: %w", e.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					if err := e.Load(); err != nil {
						slog.Error("failed to reload rules", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("fsnotify error", "error", err)
			}
		}
	}()
	return nil
}

var extensionPattern = regexp.MustCompile(`[\w/\\.-]+\.([a-zA-Z0-9]{1,10})\b`)

// ExtractExtensions returns the lowercased file extensions of paths
// mentioned in text, sorted and deduplicated.
func ExtractExtensions(text string) []string {
	seen := make(map[string]struct{})
	for _, m := range extensionPattern.FindAllStringSubmatch(text, -1) {
		seen[strings.ToLower(m[1])] = struct{}{}
	}
	return sortedKeys(seen)
}

// ExtractFromMessages collects extensions from the text of every message.
func ExtractFromMessages(messages []types.Message) []string {
	seen := make(map[string]struct{})
	for _, m := range messages {
		for _, ext := range ExtractExtensions(m.Content.String()) {
			seen[ext] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
