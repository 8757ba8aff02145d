// Package metrics keeps in-process counters and per-agent task aggregates,
// surfaced through the get_metrics tool.
package metrics

import (
	"sync"
	"time"
)

// Counter names recorded by the bridge.
const (
	MessageWriteFailures = "messageWriteFailures"
	MessageDropped       = "messageDropped"
	RegistrySaveFailures = "registrySaveFailures"
	AgentSpawnFailures   = "agentSpawnFailures"
	AgentTimeouts        = "agentTimeouts"
	TaskCompleted        = "taskCompleted"
	TaskFailed           = "taskFailed"
	TaskCancelled        = "taskCancelled"
)

// AgentStats aggregates task outcomes for one agent.
type AgentStats struct {
	Assigned      int64         `json:"assigned"`
	Completed     int64         `json:"completed"`
	Failed        int64         `json:"failed"`
	TotalDuration time.Duration `json:"-"`
}

// AgentSnapshot is the externally visible per-agent view.
type AgentSnapshot struct {
	Assigned      int64   `json:"assigned"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

// Snapshot is the full metrics view returned to the orchestrator.
type Snapshot struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Counters      map[string]int64         `json:"counters"`
	Agents        map[string]AgentSnapshot `json:"agents"`
}

// Metrics is safe for concurrent use.
type Metrics struct {
	mu       sync.Mutex
	started  time.Time
	counters map[string]int64
	agents   map[string]*AgentStats
}

func New() *Metrics {
	return &Metrics{
		started:  time.Now(),
		counters: make(map[string]int64),
		agents:   make(map[string]*AgentStats),
	}
}

// Inc increments a named counter by one.
func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

// Get returns the current value of a counter.
func (m *Metrics) Get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *Metrics) agentLocked(name string) *AgentStats {
	s, ok := m.agents[name]
	if !ok {
		s = &AgentStats{}
		m.agents[name] = s
	}
	return s
}

// TaskAssigned records a task dispatch to the named agent.
func (m *Metrics) TaskAssigned(agent string) {
	m.mu.Lock()
	m.agentLocked(agent).Assigned++
	m.mu.Unlock()
}

// TaskFinished records a task outcome plus its duration for the named agent.
func (m *Metrics) TaskFinished(agent string, succeeded bool, duration time.Duration) {
	m.mu.Lock()
	s := m.agentLocked(agent)
	if succeeded {
		s.Completed++
		m.counters[TaskCompleted]++
	} else {
		s.Failed++
		m.counters[TaskFailed]++
	}
	s.TotalDuration += duration
	m.mu.Unlock()
}

// Snapshot copies the current state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
		Counters:      make(map[string]int64, len(m.counters)),
		Agents:        make(map[string]AgentSnapshot, len(m.agents)),
	}
	for name, v := range m.counters {
		snap.Counters[name] = v
	}
	for name, s := range m.agents {
		out := AgentSnapshot{Assigned: s.Assigned, Completed: s.Completed, Failed: s.Failed}
		finished := s.Completed + s.Failed
		if finished > 0 {
			out.SuccessRate = float64(s.Completed) / float64(finished)
			out.AvgDurationMs = s.TotalDuration.Milliseconds() / finished
		}
		snap.Agents[name] = out
	}
	return snap
}
