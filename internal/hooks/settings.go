package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const claudeSettingsPath = ".claude/settings.json"

type claudeSettings struct {
	Hooks map[string][]Entry `json:"hooks"`
}

// LoadClaudeSettings imports hooks from Claude Code settings files. The
// project file wins; the home directory file is only read when the project
// file yields no hooks. Missing files are not an error.
func LoadClaudeSettings(projectDir, homeDir string) (Config, error) {
	if projectDir != "" {
		cfg, err := loadSettingsFile(filepath.Join(projectDir, claudeSettingsPath))
		if err != nil {
			return nil, err
		}
		if !cfg.Empty() {
			slog.Info("loaded claude settings hooks", "scope", "project", "dir", projectDir)
			return cfg, nil
		}
	}

	if homeDir != "" {
		cfg, err := loadSettingsFile(filepath.Join(homeDir, claudeSettingsPath))
		if err != nil {
			return nil, err
		}
		if !cfg.Empty() {
			slog.Info("loaded claude settings hooks", "scope", "user", "dir", homeDir)
		}
		return cfg, nil
	}
	return Config{}, nil
}

func loadSettingsFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return nil, fmt.Errorf("read claude settings %s: %w", path, err)
	}

	var settings claudeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("ignoring unparseable claude settings", "path", path, "error", err)
		return Config{}, nil
	}

	for name, entries := range settings.Hooks {
		for i := range entries {
			for j := range entries[i].Hooks {
				if entries[i].Hooks[j].Type == "" {
					entries[i].Hooks[j].Type = TypeCommand
				}
			}
		}
		settings.Hooks[name] = entries
	}
	return ParseConfig(settings.Hooks), nil
}
