package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeConfig(t, `{
  "workspaceRoot": "/tmp/ws",
  "agents": {
    "droid": {
      "type": "acp",
      "command": "droid-acp",
      "defaultModel": "fast",
      "models": {"fast": {"flag": "--model", "value": "fast-1"}}
    }
  },
  "messaging": {"enabled": true, "failSilently": true}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkspaceRoot != "/tmp/ws" {
		t.Errorf("workspaceRoot = %q", cfg.WorkspaceRoot)
	}
	agent, ok := cfg.Agents["droid"]
	if !ok {
		t.Fatal("agent droid missing")
	}
	if agent.Command != "droid-acp" || agent.DefaultModel != "fast" {
		t.Errorf("agent = %+v", agent)
	}
	if !agent.HasModel("fast") || agent.HasModel("slow") {
		t.Error("HasModel wrong")
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeConfig(t, `
workspaceRoot: /tmp/ws
agents:
  codex:
    type: acp
    command: codex-acp
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.Agents["codex"]; !ok {
		t.Error("agent codex missing")
	}
}

func TestLoadRejectsUnknownCommand(t *testing.T) {
	path := writeConfig(t, `{
  "workspaceRoot": "/tmp/ws",
  "agents": {"evil": {"type": "acp", "command": "rm"}}
}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "not an accepted agent command") {
		t.Fatalf("expected command rejection, got %v", err)
	}
}

func TestLoadAcceptsExtraCommands(t *testing.T) {
	path := writeConfig(t, `{
  "workspaceRoot": "/tmp/ws",
  "extraCommands": ["my-agent"],
  "agents": {"mine": {"type": "acp", "command": "my-agent"}}
}`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestValidateDefaultModel(t *testing.T) {
	cfg := Default()
	cfg.Agents = map[string]AgentConfig{
		"a": {
			Command:      "codex-acp",
			DefaultModel: "ghost",
			Models:       map[string]ModelConfig{"real": {}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected defaultModel validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{WorkspaceRoot: "/tmp/ws"}
	if got := cfg.BridgeRoot(); got != filepath.Join("/tmp/ws", ".claude", "bridge") {
		t.Errorf("BridgeRoot = %q", got)
	}
	if got := cfg.TaskStorePath(); got != filepath.Join("/tmp/ws", ".bridge-tasks.db") {
		t.Errorf("TaskStorePath = %q", got)
	}
}

func TestModelNamesSorted(t *testing.T) {
	a := AgentConfig{Models: map[string]ModelConfig{"b": {}, "a": {}, "c": {}}}
	names := a.ModelNames()
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Errorf("ModelNames = %v", names)
	}
}
