package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAgentFilesGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agents", "b.yaml"), "agents:\n  - id: cardio\n    type: static\n")
	writeFile(t, filepath.Join(dir, "agents", "a.yaml"), "agents:\n  - id: derm\n    type: static\n")
	writeFile(t, filepath.Join(dir, "config.yaml"), `
agents:
  - id: triage
    type: static
agent_files:
  - "agents/*.yaml"
`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var ids []string
	for _, a := range cfg.Agents {
		ids = append(ids, a.ID)
	}
	want := []string{"triage", "derm", "cardio"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestLoadAgentFilesMissingLiteral(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "agent_files:\n  - missing.yaml\n")

	if _, err := Load(filepath.Join(dir, "config.yaml")); err == nil {
		t.Fatal("expected error for missing agent file")
	}
}

func TestLoadAgentFilesEmptyGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "agent_files:\n  - \"agents.d/*.yaml\"\n")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 0 {
		t.Errorf("Agents = %v, want none", cfg.Agents)
	}
}

func TestLoadAgentFilesTraversal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "conf", "config.yaml"), "agent_files:\n  - ../outside.yaml\n")

	if _, err := Load(filepath.Join(dir, "conf", "config.yaml")); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestLoadAgentFilesDuplicateIDsRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "more.yaml"), "agents:\n  - id: triage\n    type: static\n")
	writeFile(t, filepath.Join(dir, "config.yaml"), "agents:\n  - id: triage\n    type: static\nagent_files:\n  - more.yaml\n")

	_, err := Load(filepath.Join(dir, "config.yaml"))
	if err == nil {
		t.Fatal("expected duplicate ID validation error")
	}
	assertContains(t, err.Error(), `duplicate agent ID "triage"`)
}
