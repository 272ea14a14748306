package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/af-corp/meridian-gateway/internal/hooks"
)

// ${NAME} or ${NAME:default}
var envRef = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnv substitutes environment references and returns the names that
// were unset and had no default.
func expandEnv(s string) (string, []string) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if !strings.Contains(ref, ":") && !slices.Contains(missing, m[1]) {
			missing = append(missing, m[1])
		}
		return m[2]
	})
	return out, missing
}

// LoadFile reads a YAML file into dest after environment expansion.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded, missing := expandEnv(string(data))
	if len(missing) > 0 {
		slog.Debug("config references unset variables", "file", path, "vars", missing)
	}
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// loadOptional is LoadFile for files that may be absent. It reports whether
// the file existed.
func loadOptional(path string, dest any) (bool, error) {
	err := LoadFile(path, dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// snapshot is one consistent generation of every configuration file.
type snapshot struct {
	cfg       *Config
	models    *ModelsConfig
	providers *ProvidersConfig
	hooks     map[string][]hooks.Entry
	hooksPath string
}

// Loader owns the configuration directory. Readers get the latest snapshot;
// Watch reloads it when a YAML file in the directory changes.
type Loader struct {
	configDir string
	logger    *slog.Logger
	debounce  time.Duration

	mu       sync.RWMutex
	current  snapshot
	watchers []func()
	watcher  *fsnotify.Watcher
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{configDir: configDir, logger: logger, debounce: 250 * time.Millisecond}
}

// Load reads every configuration file. Missing files fall back to defaults;
// a malformed file is an error and the previous snapshot stays active.
func (l *Loader) Load() error {
	next := snapshot{cfg: DefaultConfig(), models: &ModelsConfig{}, providers: &ProvidersConfig{}}

	found, err := loadOptional(filepath.Join(l.configDir, "gateway.yaml"), next.cfg)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	if !found {
		l.logger.Info("gateway.yaml not found, using defaults", "dir", l.configDir)
	}

	if _, err := loadOptional(filepath.Join(l.configDir, "models.yaml"), next.models); err != nil {
		return fmt.Errorf("load models config: %w", err)
	}
	if len(next.models.Models) == 0 {
		next.models = DefaultModels()
	}

	if _, err := loadOptional(filepath.Join(l.configDir, "providers.yaml"), next.providers); err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}
	next.providers.ApplyDefaults()

	if file := next.cfg.Hooks.File; file != "" {
		next.hooksPath = file
		if !filepath.IsAbs(file) {
			next.hooksPath = filepath.Join(l.configDir, file)
		}
		if _, err := loadOptional(next.hooksPath, &next.hooks); err != nil {
			return fmt.Errorf("load hooks config: %w", err)
		}
	}

	l.mu.Lock()
	l.current = next
	l.mu.Unlock()

	l.logger.Info("configuration loaded",
		"dir", l.configDir,
		"providers", len(next.providers.Providers),
		"models", len(next.models.Models),
		"hook_events", len(next.hooks),
	)
	return nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.cfg
}

func (l *Loader) Models() *ModelsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.models
}

func (l *Loader) Providers() *ProvidersConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.providers
}

// Hooks returns the native hook configuration from the hooks file.
func (l *Loader) Hooks() hooks.Config {
	l.mu.RLock()
	raw := l.current.hooks
	l.mu.RUnlock()
	return hooks.ParseConfig(raw)
}

// OnReload registers fn to run after every successful reload.
func (l *Loader) OnReload(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Watch reloads the configuration when a YAML file in the config directory,
// or the hooks file wherever it lives, is written, created, renamed or
// removed. Bursts of events within the debounce interval cause one reload.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	dirs := []string{l.configDir}
	l.mu.RLock()
	if hp := l.current.hooksPath; hp != "" && filepath.Dir(hp) != filepath.Clean(l.configDir) {
		dirs = append(dirs, filepath.Dir(hp))
	}
	l.mu.RUnlock()
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch config dir %s: %w", dir, err)
		}
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watch(w)
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	var (
		timer   *time.Timer
		pending = make(chan struct{}, 1)
	)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				return
			}
			if !l.relevant(ev) {
				continue
			}
			l.logger.Debug("config file changed", "file", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			l.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("config watcher error", "error", err)
		}
	}
}

func (l *Loader) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	l.mu.RLock()
	hooksPath := l.current.hooksPath
	l.mu.RUnlock()
	if hooksPath != "" && filepath.Clean(ev.Name) == filepath.Clean(hooksPath) {
		return true
	}
	switch filepath.Ext(ev.Name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) reload() {
	if err := l.Load(); err != nil {
		l.logger.Error("failed to reload config, keeping previous", "error", err)
		return
	}
	l.mu.RLock()
	fns := slices.Clone(l.watchers)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Close stops the watcher started by Watch.
func (l *Loader) Close() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
