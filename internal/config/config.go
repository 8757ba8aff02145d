// Package config loads and validates the bridge configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the config file looked up when --config is not given.
const DefaultConfigPath = "./bridge.config.json"

// builtinCommands are the agent commands accepted without an extraCommands
// declaration in the config file.
var builtinCommands = []string{"codex-acp", "claude-code-acp", "droid-acp"}

// ModelConfig describes one selectable model of an agent.
type ModelConfig struct {
	Flag     string `yaml:"flag" json:"flag"`
	Value    string `yaml:"value" json:"value"`
	KeyEnv   string `yaml:"keyEnv,omitempty" json:"keyEnv,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// AgentConfig describes one configured agent CLI.
type AgentConfig struct {
	Type          string                 `yaml:"type" json:"type"`
	Command       string                 `yaml:"command" json:"command"`
	Args          []string               `yaml:"args,omitempty" json:"args,omitempty"`
	Cwd           string                 `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	DefaultModel  string                 `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	Models        map[string]ModelConfig `yaml:"models,omitempty" json:"models,omitempty"`
	Strengths     []string               `yaml:"strengths,omitempty" json:"strengths,omitempty"`
	Env           map[string]string      `yaml:"env,omitempty" json:"env,omitempty"`
	FallbackAgent string                 `yaml:"fallbackAgent,omitempty" json:"fallbackAgent,omitempty"`
}

// ModelNames returns the agent's model names sorted for stable output.
func (a AgentConfig) ModelNames() []string {
	names := make([]string, 0, len(a.Models))
	for name := range a.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasModel reports whether name is a configured model of the agent.
func (a AgentConfig) HasModel(name string) bool {
	_, ok := a.Models[name]
	return ok
}

// PermissionsConfig controls the permission policy defaults.
type PermissionsConfig struct {
	AutoApprove bool `yaml:"autoApprove" json:"autoApprove"`
}

// PollingConfig is consumed by the (out of scope) watcher mode; kept so
// existing config files parse.
type PollingConfig struct {
	IntervalMs int `yaml:"intervalMs" json:"intervalMs"`
}

// LoggingConfig controls log level and optional log file.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
}

// MessagingConfig controls the cross-agent message bus.
type MessagingConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	FailSilently bool `yaml:"failSilently" json:"failSilently"`
}

// ViewerConfig is consumed by the (out of scope) session viewer.
type ViewerConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Mode        string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Interactive bool   `yaml:"interactive" json:"interactive"`
}

// Config is the full bridge configuration, consumed read-only by the core.
type Config struct {
	WorkspaceRoot string                 `yaml:"workspaceRoot" json:"workspaceRoot"`
	Agents        map[string]AgentConfig `yaml:"agents" json:"agents"`
	Permissions   PermissionsConfig      `yaml:"permissions" json:"permissions"`
	Polling       PollingConfig          `yaml:"polling" json:"polling"`
	Logging       LoggingConfig          `yaml:"logging" json:"logging"`
	Messaging     MessagingConfig        `yaml:"messaging" json:"messaging"`
	Viewer        ViewerConfig           `yaml:"viewer" json:"viewer"`

	// ExtraCommands extends the fixed set of accepted agent commands.
	ExtraCommands []string `yaml:"extraCommands,omitempty" json:"extraCommands,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		WorkspaceRoot: ".",
		Agents:        map[string]AgentConfig{},
		Messaging:     MessagingConfig{Enabled: true, FailSilently: true},
		Logging:       LoggingConfig{Level: "info"},
		Polling:       PollingConfig{IntervalMs: 2000},
	}
}

// Load reads and validates a config file. YAML is a superset of JSON, so the
// default bridge.config.json parses through the same decoder.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	cfg.WorkspaceRoot = abs

	return cfg, nil
}

// Validate rejects agent commands outside the accepted set and agents whose
// default model is not in their model map.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspaceRoot is required")
	}
	allowed := make(map[string]bool, len(builtinCommands)+len(c.ExtraCommands))
	for _, cmd := range builtinCommands {
		allowed[cmd] = true
	}
	for _, cmd := range c.ExtraCommands {
		allowed[cmd] = true
	}
	for name, agent := range c.Agents {
		if agent.Command == "" {
			return fmt.Errorf("agent %q: command is required", name)
		}
		if !allowed[agent.Command] {
			return fmt.Errorf("agent %q: command %q is not an accepted agent command", name, agent.Command)
		}
		if agent.DefaultModel != "" && len(agent.Models) > 0 && !agent.HasModel(agent.DefaultModel) {
			return fmt.Errorf("agent %q: defaultModel %q not in models", name, agent.DefaultModel)
		}
	}
	return nil
}

// BridgeRoot returns the on-disk bus/registry root for the workspace.
func (c *Config) BridgeRoot() string {
	return filepath.Join(c.WorkspaceRoot, ".claude", "bridge")
}

// TaskStorePath returns the sqlite task store path for the workspace.
func (c *Config) TaskStorePath() string {
	return filepath.Join(c.WorkspaceRoot, ".bridge-tasks.db")
}
