// Package app wires the bridge service: the in-memory task table, admission
// control, agent availability, messaging and workflow orchestration behind
// the tool-call surface.
package app

import (
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/jaervinen/taskbridge/internal/bus"
	"github.com/jaervinen/taskbridge/internal/config"
	"github.com/jaervinen/taskbridge/internal/domain"
	"github.com/jaervinen/taskbridge/internal/metrics"
	"github.com/jaervinen/taskbridge/internal/policy"
	"github.com/jaervinen/taskbridge/internal/registry"
	"github.com/jaervinen/taskbridge/internal/store"
	"github.com/jaervinen/taskbridge/internal/workflow"
)

const (
	// MaxGlobalRunning caps in-flight tasks across all agents.
	MaxGlobalRunning = 10
	// MaxPerAgentRunning caps in-flight tasks per effective agent.
	MaxPerAgentRunning = 3

	// MaxTrackedTasks caps the in-memory task table.
	MaxTrackedTasks = 100
	// PruneGrace protects recently finished tasks from pruning.
	PruneGrace = 5 * time.Minute
	// TaskRetention is how long terminal tasks are kept.
	TaskRetention = time.Hour

	// DefaultWaitSeconds applies to synchronous assign_task without a timeout.
	DefaultWaitSeconds = 300
	// MaxWaitSeconds caps the synchronous wait.
	MaxWaitSeconds = 1800

	orchestratorSender = "orchestrator"
)

// Bridge is the shared handler context: one instance owns the task table
// and serializes its mutations.
type Bridge struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *store.Store
	bus      *bus.Bus
	registry *registry.Registry
	metrics  *metrics.Metrics
	engine   *workflow.Engine
	policy   *policy.Engine
	team     string

	mu    sync.Mutex
	tasks map[string]*domain.Task

	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
	// runSession is swapped in tests; defaults to the session supervisor.
	runSession sessionRunner
}

// New assembles a Bridge from its collaborators.
func New(cfg *config.Config, team string, logger *log.Logger, st *store.Store, b *bus.Bus, reg *registry.Registry, m *metrics.Metrics, eng *workflow.Engine, pol *policy.Engine) *Bridge {
	br := &Bridge{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		bus:      b,
		registry: reg,
		metrics:  m,
		engine:   eng,
		policy:   pol,
		team:     team,
		tasks:    make(map[string]*domain.Task),
		lookPath: exec.LookPath,
	}
	br.runSession = br.superviseSession
	return br
}

func (b *Bridge) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

// config returns the current configuration pointer. Configs are read-only
// once loaded; reload swaps the whole pointer.
func (b *Bridge) config() *config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// ReloadConfig replaces the configuration in place. Running tasks keep the
// settings they started with.
func (b *Bridge) ReloadConfig(cfg *config.Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	b.logf("config reloaded (%d agents, workspace %s)", len(cfg.Agents), cfg.WorkspaceRoot)
}

// AgentInfo is one list_agents entry.
type AgentInfo struct {
	Available       bool     `json:"available"`
	DefaultModel    string   `json:"defaultModel,omitempty"`
	AvailableModels []string `json:"availableModels"`
	Strengths       []string `json:"strengths,omitempty"`
	Type            string   `json:"type"`
}

// ListAgents reports every configured agent with its availability.
func (b *Bridge) ListAgents() map[string]AgentInfo {
	agents := b.config().Agents
	out := make(map[string]AgentInfo, len(agents))
	for name, agent := range agents {
		out[name] = AgentInfo{
			Available:       b.agentAvailable(agent),
			DefaultModel:    agent.DefaultModel,
			AvailableModels: agent.ModelNames(),
			Strengths:       agent.Strengths,
			Type:            agent.Type,
		}
	}
	return out
}

// agentAvailable probes the agent command on PATH for acp agents; other
// types need at least one model whose API-key variable is present.
func (b *Bridge) agentAvailable(agent config.AgentConfig) bool {
	if agent.Type == "acp" {
		_, err := b.lookPath(agent.Command)
		return err == nil
	}
	for _, model := range agent.Models {
		if model.KeyEnv != "" && envSet(model.KeyEnv) {
			return true
		}
	}
	return false
}

// Health is the health_check payload.
type Health struct {
	Status      string         `json:"status"`
	Healthy     bool           `json:"healthy"`
	Timestamp   time.Time      `json:"timestamp"`
	Version     string         `json:"version"`
	ActiveTasks int            `json:"active_tasks"`
	Agents      HealthAgents   `json:"agents"`
	Limits      map[string]int `json:"limits"`
}

// HealthAgents partitions configured agents by availability.
type HealthAgents struct {
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable"`
	Total       int      `json:"total"`
}

// HealthCheck reports degraded unless at least one agent is available.
func (b *Bridge) HealthCheck(version string) Health {
	configured := b.config().Agents
	agents := HealthAgents{}
	for name, agent := range configured {
		if b.agentAvailable(agent) {
			agents.Available = append(agents.Available, name)
		} else {
			agents.Unavailable = append(agents.Unavailable, name)
		}
	}
	agents.Total = len(configured)

	status := "degraded"
	if len(agents.Available) > 0 {
		status = "healthy"
	}
	return Health{
		Status:      status,
		Healthy:     status == "healthy",
		Timestamp:   time.Now(),
		Version:     version,
		ActiveTasks: b.runningCount(""),
		Agents:      agents,
		Limits: map[string]int{
			"max_concurrent_tasks":    MaxGlobalRunning,
			"max_per_agent":           MaxPerAgentRunning,
			"max_wait_seconds":        MaxWaitSeconds,
			"session_timeout_minutes": 30,
			"max_tracked_tasks":       MaxTrackedTasks,
			"task_retention_minutes":  int(TaskRetention.Minutes()),
		},
	}
}

// Metrics returns the metrics snapshot.
func (b *Bridge) Metrics() metrics.Snapshot {
	return b.metrics.Snapshot()
}

func (b *Bridge) runningCount(agent string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.tasks {
		if t.State != domain.TaskRunning {
			continue
		}
		if agent == "" || t.Agent == agent {
			n++
		}
	}
	return n
}

// resolveAgent returns the effective agent after the fallback switch, or an
// admission error when neither the named agent nor its fallback is usable.
func (b *Bridge) resolveAgent(name string) (string, config.AgentConfig, error) {
	agents := b.config().Agents
	agent, ok := agents[name]
	if !ok {
		return "", config.AgentConfig{}, fmt.Errorf("unknown agent %q", name)
	}
	if b.agentAvailable(agent) {
		return name, agent, nil
	}
	if agent.FallbackAgent != "" {
		if fb, ok := agents[agent.FallbackAgent]; ok && b.agentAvailable(fb) {
			b.logf("agent %s unavailable, falling back to %s", name, agent.FallbackAgent)
			return agent.FallbackAgent, fb, nil
		}
	}
	return "", config.AgentConfig{}, fmt.Errorf("agent %q is not available", name)
}

// resolveModel validates the requested model, warning and substituting the
// default when the request is not in the agent's model list.
func (b *Bridge) resolveModel(agentName string, agent config.AgentConfig, requested string) string {
	if requested == "" {
		return agent.DefaultModel
	}
	if agent.HasModel(requested) {
		return requested
	}
	b.logf("model %q not configured for agent %s, using default %q", requested, agentName, agent.DefaultModel)
	return agent.DefaultModel
}
