package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// agentFile is the shape of a standalone agent catalog file.
type agentFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// loadAgentFiles appends the agents declared in cfg.AgentFiles to cfg.Agents.
// Patterns may be globs and are resolved relative to baseDir; files are read
// in lexical order so registration order stays stable across restarts.
func loadAgentFiles(cfg *Config, baseDir string) error {
	seen := make(map[string]bool)
	for _, pattern := range cfg.AgentFiles {
		paths, err := resolveAgentPaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("agent files: abs path %q: %w", p, err)
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true

			agents, err := readAgentFile(abs)
			if err != nil {
				return err
			}
			cfg.Agents = append(cfg.Agents, agents...)
		}
	}
	return nil
}

// resolveAgentPaths expands pattern relative to baseDir. It refuses paths that
// escape baseDir.
func resolveAgentPaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && len(rel) >= 2 && rel[:2] == ".." {
		return nil, fmt.Errorf("agent files: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("agent files: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !hasMeta(pattern) {
		// Literal path: let the read report the missing file.
		return []string{pattern}, nil
	}
	sort.Strings(matches)
	return matches, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

func readAgentFile(path string) ([]AgentConfig, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("agent files: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent files: read %q: %w", path, err)
	}
	var f agentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("agent files: parse %q: %w", path, err)
	}
	return f.Agents, nil
}
