package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Load parses and validates a YAML rule file. Invalid categories or
// deductibility values fail at load time, not at match time.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse validates a rule document.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		if err := rs.Rules[i].validate(); err != nil {
			return nil, err
		}
		if seen[rs.Rules[i].ID] {
			return nil, fmt.Errorf("duplicate rule id %s", rs.Rules[i].ID)
		}
		seen[rs.Rules[i].ID] = true
	}
	return &rs, nil
}

// LoadOrDefault loads the configured rule file, falling back to the built-in
// set when the file does not exist.
func LoadOrDefault(path string) (*RuleSet, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Parse(defaultRulesYAML)
}

// Watch reloads the rule file on change, swapping the engine's set
// atomically. Invalid edits keep the previous set active. The watcher stops
// when the returned closer is called.
func Watch(engine *Engine, path string, logger *zap.Logger) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors commonly replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				rs, err := Load(path)
				if err != nil {
					logger.Warn("rules reload rejected", zap.String("path", path), zap.Error(err))
					continue
				}
				engine.Swap(rs)
				logger.Info("rules reloaded", zap.String("path", path), zap.Int("rules", len(rs.Rules)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("rules watcher error", zap.Error(err))
			}
		}
	}()

	return watcher.Close, nil
}
