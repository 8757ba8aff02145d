// Package registry keeps the shared agents.json file: per-agent presence,
// heartbeat liveness, and pending-message counts.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jaervinen/taskbridge/internal/domain"
)

const (
	// HeartbeatInterval is how often live agents are expected to heartbeat.
	HeartbeatInterval = 10 * time.Second
	// DeadThreshold is how stale a heartbeat must be before the PID probe.
	DeadThreshold = 30 * time.Second
)

// Registry serializes all access to the agents file through a mutex and
// persists the full list atomically on every mutation.
type Registry struct {
	mu     sync.Mutex
	path   string
	logger *log.Logger
	agents []*domain.AgentEntry

	// onSaveFailure counts failed persists; persistence errors never raise.
	onSaveFailure func()

	// probe reports whether the pid is alive; replaced in tests.
	probe func(pid int) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithSaveFailureCounter installs a callback fired when a persist fails.
func WithSaveFailureCounter(fn func()) Option {
	return func(r *Registry) { r.onSaveFailure = fn }
}

// WithProbe replaces the PID liveness probe.
func WithProbe(fn func(pid int) bool) Option {
	return func(r *Registry) { r.probe = fn }
}

// Open loads (or initializes) the registry at path. A corrupt file is
// treated as empty with a warning.
func Open(path string, logger *log.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{path: path, logger: logger, probe: pidAlive}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		return r, nil
	}
	if err := json.Unmarshal(data, &r.agents); err != nil {
		r.logf("registry: corrupt %s, starting empty: %v", path, err)
		r.agents = nil
	}
	return r, nil
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// persistLocked writes the full list through a temp file, fsync and rename.
// Failures log and count but do not raise.
func (r *Registry) persistLocked() {
	data, err := json.MarshalIndent(r.agents, "", "  ")
	if err != nil {
		r.saveFailed(err)
		return
	}
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		r.saveFailed(err)
		return
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		r.saveFailed(err)
		return
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		r.saveFailed(err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		r.saveFailed(err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		r.saveFailed(err)
	}
}

func (r *Registry) saveFailed(err error) {
	r.logf("registry: persist failed: %v", err)
	if r.onSaveFailure != nil {
		r.onSaveFailure()
	}
}

func (r *Registry) findLocked(name string) (int, *domain.AgentEntry) {
	for i, a := range r.agents {
		if a.Name == name {
			return i, a
		}
	}
	return -1, nil
}

// Register inserts an agent, replacing any prior entry with the same name.
func (r *Registry) Register(name, model string, pid int) *domain.AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, _ := r.findLocked(name); i >= 0 {
		r.agents = append(r.agents[:i], r.agents[i+1:]...)
	}
	now := time.Now()
	entry := &domain.AgentEntry{
		Name:          name,
		Status:        domain.AgentRunning,
		Model:         model,
		RegisteredAt:  now,
		LastHeartbeat: now,
		LastActivity:  now,
		PID:           pid,
	}
	r.agents = append(r.agents, entry)
	r.persistLocked()
	return entry
}

// Deregister removes the agent, reporting whether anything changed.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, _ := r.findLocked(name)
	if i < 0 {
		return false
	}
	r.agents = append(r.agents[:i], r.agents[i+1:]...)
	r.persistLocked()
	return true
}

// Get returns a copy of the named entry, or nil.
func (r *Registry) Get(name string) *domain.AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, a := r.findLocked(name)
	if a == nil {
		return nil
	}
	copy := *a
	return &copy
}

// GetAll returns copies of every entry.
func (r *Registry) GetAll() []*domain.AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AgentEntry, 0, len(r.agents))
	for _, a := range r.agents {
		copy := *a
		out = append(out, &copy)
	}
	return out
}

// GetActive returns copies of every non-dead entry.
func (r *Registry) GetActive() []*domain.AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.AgentEntry
	for _, a := range r.agents {
		if a.Status == domain.AgentDead {
			continue
		}
		copy := *a
		out = append(out, &copy)
	}
	return out
}

// UpdateStatus sets the agent's status (and optionally its current task) and
// touches lastActivity.
func (r *Registry) UpdateStatus(name string, status domain.AgentStatus, currentTask string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, a := r.findLocked(name)
	if a == nil {
		return false
	}
	a.Status = status
	a.CurrentTask = currentTask
	a.LastActivity = time.Now()
	r.persistLocked()
	return true
}

// Heartbeat touches the agent's lastHeartbeat.
func (r *Registry) Heartbeat(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, a := r.findLocked(name)
	if a == nil {
		return false
	}
	a.LastHeartbeat = time.Now()
	r.persistLocked()
	return true
}

// UpdateMessageCounts refreshes the pending counters for one agent.
func (r *Registry) UpdateMessageCounts(name string, pendingMsgs, pendingReqs int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, a := r.findLocked(name)
	if a == nil {
		return false
	}
	a.PendingMessages = pendingMsgs
	a.PendingRequests = pendingReqs
	r.persistLocked()
	return true
}

// DetectDead marks agents whose heartbeat is stale and whose PID no longer
// responds to a signal-0 probe, returning the newly dead names.
func (r *Registry) DetectDead() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []string
	changed := false
	now := time.Now()
	for _, a := range r.agents {
		if a.Status == domain.AgentDead {
			continue
		}
		if now.Sub(a.LastHeartbeat) <= DeadThreshold {
			continue
		}
		if a.PID > 0 && r.probe(a.PID) {
			continue
		}
		a.Status = domain.AgentDead
		dead = append(dead, a.Name)
		changed = true
	}
	if changed {
		r.persistLocked()
	}
	return dead
}

// PruneDeadAgents removes every dead entry, returning how many went.
func (r *Registry) PruneDeadAgents() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.agents[:0]
	removed := 0
	for _, a := range r.agents {
		if a.Status == domain.AgentDead {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	if removed > 0 {
		r.agents = kept
		r.persistLocked()
	}
	return removed
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = nil
	r.persistLocked()
}

// RefreshHeartbeats touches every entry's heartbeat. Run at startup so
// agents persisted by a previous bridge run are not instantly declared dead.
func (r *Registry) RefreshHeartbeats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, a := range r.agents {
		a.LastHeartbeat = now
	}
	if len(r.agents) > 0 {
		r.persistLocked()
	}
}

// GetUptimeSeconds returns seconds since registration, or -1 if unknown.
func (r *Registry) GetUptimeSeconds(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, a := r.findLocked(name)
	if a == nil {
		return -1
	}
	return int64(time.Since(a.RegisteredAt).Seconds())
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
