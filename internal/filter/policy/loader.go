package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadRegoFiles collects the .rego modules under dir, keyed by their path
// relative to dir. Rego unit tests (*_test.rego) are skipped. A single file
// path is accepted as a one-module bundle.
func LoadRegoFiles(dir string) (map[string]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat policy bundle: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(dir)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		return map[string]string{filepath.Base(dir): string(src)}, nil
	}

	modules := make(map[string]string)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(name) != ".rego" || strings.HasSuffix(name, "_test.rego") {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		modules[filepath.ToSlash(rel)] = string(src)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy bundle: %w", err)
	}
	return modules, nil
}
