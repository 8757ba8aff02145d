package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jaervinen/taskbridge/internal/config"
	"github.com/jaervinen/taskbridge/internal/domain"
	"github.com/jaervinen/taskbridge/internal/lockfile"
	"github.com/jaervinen/taskbridge/internal/metrics"
	"github.com/jaervinen/taskbridge/internal/retry"
	"github.com/jaervinen/taskbridge/internal/session"
)

const (
	// MaxAgentNameBytes bounds the agent field of assign_task.
	MaxAgentNameBytes = 256
	// MaxPromptBytes bounds the prompt field of assign_task.
	MaxPromptBytes = 100 * 1024
	// MaxProjectBytes bounds the project field of assign_task.
	MaxProjectBytes = 256
)

// spawnEnvAllowlist is the only ambient environment forwarded to agents.
// API keys are added per agent from its model configs.
var spawnEnvAllowlist = []string{"PATH", "HOME", "SHELL", "TERM", "LANG"}

type sessionRunner func(ctx context.Context, spawn session.SpawnConfig, prompt string, opts session.Options) session.Result

// AssignParams are the assign_task inputs after tool-layer decoding.
type AssignParams struct {
	Agent          string
	Prompt         string
	Project        string
	Model          string
	Team           string
	Wait           bool
	TimeoutSeconds int
}

// TaskView is the tool-facing projection of a task.
type TaskView struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Agent       string    `json:"agent"`
	Model       string    `json:"model,omitempty"`
	Project     string    `json:"project,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ToolCalls   int       `json:"tool_calls"`
	OutputBytes int       `json:"output_bytes"`
}

func viewOf(t *domain.Task) TaskView {
	v := TaskView{
		TaskID:      t.ID,
		Status:      string(t.State),
		Agent:       t.Agent,
		Model:       t.Model,
		Project:     t.Project,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Output:      t.Output,
		Error:       t.Error,
		ToolCalls:   t.ToolCalls,
		OutputBytes: t.OutputBytes,
	}
	if !t.CompletedAt.IsZero() {
		v.DurationMs = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	}
	return v
}

// AssignTask validates, admits and starts one agent task. With Wait set it
// blocks until the task finishes or the wait budget runs out; otherwise it
// returns the running task immediately.
func (b *Bridge) AssignTask(ctx context.Context, p AssignParams) (TaskView, error) {
	if p.Agent == "" {
		return TaskView{}, fmt.Errorf("agent is required")
	}
	if len(p.Agent) > MaxAgentNameBytes {
		return TaskView{}, fmt.Errorf("agent name exceeds %d bytes", MaxAgentNameBytes)
	}
	if p.Prompt == "" {
		return TaskView{}, fmt.Errorf("prompt is required")
	}
	if len(p.Prompt) > MaxPromptBytes {
		return TaskView{}, fmt.Errorf("prompt exceeds %d bytes", MaxPromptBytes)
	}
	projectDir, err := b.resolveProjectDir(p.Project)
	if err != nil {
		return TaskView{}, err
	}

	agentName, agentCfg, err := b.resolveAgent(p.Agent)
	if err != nil {
		return TaskView{}, err
	}
	model := b.resolveModel(agentName, agentCfg, p.Model)

	team := p.Team
	if team == "" {
		team = b.team
	}
	task := &domain.Task{
		ID:        uuid.NewString(),
		Agent:     agentName,
		Model:     model,
		Project:   p.Project,
		Prompt:    p.Prompt,
		State:     domain.TaskRunning,
		StartedAt: time.Now(),
		Team:      team,
	}

	// Admission and insertion under one lock so concurrent assigns cannot
	// both sneak past the caps.
	b.mu.Lock()
	global, perAgent := 0, 0
	for _, t := range b.tasks {
		if t.State != domain.TaskRunning {
			continue
		}
		global++
		if t.Agent == agentName {
			perAgent++
		}
	}
	if global >= MaxGlobalRunning {
		b.mu.Unlock()
		return TaskView{}, fmt.Errorf("too many concurrent tasks (%d running, limit %d)", global, MaxGlobalRunning)
	}
	if perAgent >= MaxPerAgentRunning {
		b.mu.Unlock()
		return TaskView{}, fmt.Errorf("agent %s already has %d running tasks (limit %d)", agentName, perAgent, MaxPerAgentRunning)
	}
	b.tasks[task.ID] = task
	b.mu.Unlock()

	if err := b.store.Save(task); err != nil {
		b.logf("task %s: persist: %v", task.ID, err)
	}
	b.metrics.TaskAssigned(agentName)
	b.logf("task %s: assigned to %s (model %s, project %s)", task.ID, agentName, model, p.Project)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res := b.runSession(context.Background(), b.buildSpawnConfig(agentCfg, model, projectDir), p.Prompt, b.sessionOptions(task, agentName, model))
		b.finalizeTask(task.ID, res)
	}()

	if !p.Wait {
		return b.snapshotTask(task.ID), nil
	}

	wait := time.Duration(p.TimeoutSeconds) * time.Second
	if p.TimeoutSeconds <= 0 {
		wait = DefaultWaitSeconds * time.Second
	} else if p.TimeoutSeconds > MaxWaitSeconds {
		wait = MaxWaitSeconds * time.Second
	}
	select {
	case <-done:
	case <-time.After(wait):
		b.logf("task %s: still running after %s wait, returning", task.ID, wait)
	case <-ctx.Done():
	}
	return b.snapshotTask(task.ID), nil
}

// resolveProjectDir resolves project relative to the workspace root and
// rejects anything that escapes it.
func (b *Bridge) resolveProjectDir(project string) (string, error) {
	if project == "" {
		return "", fmt.Errorf("project is required")
	}
	if len(project) > MaxProjectBytes {
		return "", fmt.Errorf("project exceeds %d bytes", MaxProjectBytes)
	}
	for _, r := range project {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("project contains control characters")
		}
	}

	root := b.config().WorkspaceRoot
	dir := filepath.Clean(filepath.Join(root, project))
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("project %q escapes workspace root", project)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("project directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %s is not a directory", dir)
	}
	return dir, nil
}

// buildSpawnConfig assembles the agent command line. The model flag comes
// from the agent's model table; a model without a flag rides on env alone.
func (b *Bridge) buildSpawnConfig(agent config.AgentConfig, model, projectDir string) session.SpawnConfig {
	args := append([]string{}, agent.Args...)
	if mc, ok := agent.Models[model]; ok && mc.Flag != "" {
		value := mc.Value
		if value == "" {
			value = model
		}
		args = append(args, mc.Flag, value)
	}
	cwd := agent.Cwd
	if cwd == "" {
		cwd = projectDir
	}
	return session.SpawnConfig{
		Command: agent.Command,
		Args:    args,
		Cwd:     cwd,
		Env:     buildSpawnEnv(agent),
	}
}

// buildSpawnEnv builds the child environment from the allowlist, the agent's
// API-key variables and its configured overrides. Nothing else leaks through.
func buildSpawnEnv(agent config.AgentConfig) []string {
	var env []string
	for _, name := range spawnEnvAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for _, mc := range agent.Models {
		if mc.KeyEnv == "" {
			continue
		}
		if v, ok := os.LookupEnv(mc.KeyEnv); ok {
			env = append(env, mc.KeyEnv+"="+v)
		}
	}
	for k, v := range agent.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func envSet(name string) bool {
	return os.Getenv(name) != ""
}

func (b *Bridge) sessionOptions(task *domain.Task, agentName, model string) session.Options {
	opts := session.Options{
		AgentName: agentName,
		Model:     model,
		Logger:    b.logger,
		Policy:    b.policy,
		OnSpawn: func(proc *os.Process) {
			b.mu.Lock()
			if t, ok := b.tasks[task.ID]; ok && t.State == domain.TaskRunning {
				t.Proc = proc
			}
			b.mu.Unlock()
			if b.registry != nil {
				b.registry.UpdateStatus(agentName, domain.AgentRunning, task.ID)
			}
		},
	}
	// Inbox injection and agent registration only run when messaging is on.
	if b.config().Messaging.Enabled {
		opts.Bus = b.bus
		opts.Registry = b.registry
	}
	return opts
}

// superviseSession serializes agent spawns through a per-agent lockfile and
// delegates to the session supervisor. The lock is released as soon as the
// child is started.
func (b *Bridge) superviseSession(ctx context.Context, spawn session.SpawnConfig, prompt string, opts session.Options) session.Result {
	lock, err := b.acquireSpawnLock(ctx, opts.AgentName)
	if err != nil {
		b.metrics.Inc(metrics.AgentSpawnFailures)
		return session.Result{Error: fmt.Sprintf("spawn lock for %s: %v", opts.AgentName, err)}
	}
	var once sync.Once
	release := func() { once.Do(lock.Release) }
	defer release()

	inner := opts.OnSpawn
	opts.OnSpawn = func(proc *os.Process) {
		release()
		if inner != nil {
			inner(proc)
		}
	}
	res := session.Run(ctx, spawn, prompt, opts)
	if res.SpawnFailed {
		b.metrics.Inc(metrics.AgentSpawnFailures)
	}
	return res
}

func (b *Bridge) acquireSpawnLock(ctx context.Context, agent string) (*lockfile.Lock, error) {
	if agent == "" {
		agent = "default"
	}
	dir := b.config().BridgeRoot()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "spawn-"+agent+".lock")

	var lock *lockfile.Lock
	err := retry.Do(ctx, 5, 200*time.Millisecond, 2*time.Second, func() error {
		var err error
		lock, err = lockfile.Acquire(path, lockfile.DefaultStale)
		return err
	})
	return lock, err
}

// finalizeTask applies the session result as the task's single terminal
// transition. A task already cancelled keeps its cancelled state.
func (b *Bridge) finalizeTask(id string, res session.Result) {
	now := time.Now()

	b.mu.Lock()
	task, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	if task.State != domain.TaskRunning {
		task.Proc = nil
		b.mu.Unlock()
		return
	}
	if res.Error != "" {
		task.State = domain.TaskFailed
		task.Error = res.Error
	} else {
		task.State = domain.TaskCompleted
	}
	task.Output = res.Output
	task.CompletedAt = now
	task.ToolCalls = len(res.ToolCalls)
	task.OutputBytes = len(res.Output)
	task.Proc = nil
	agent := task.Agent
	state := task.State
	duration := now.Sub(task.StartedAt)
	b.mu.Unlock()

	if err := b.store.Update(id, domain.TaskPatch{
		State:       &state,
		CompletedAt: &now,
		Output:      &task.Output,
		Error:       &task.Error,
		ToolCalls:   &task.ToolCalls,
		OutputBytes: &task.OutputBytes,
	}); err != nil {
		b.logf("task %s: persist result: %v", id, err)
	}

	succeeded := state == domain.TaskCompleted
	b.metrics.TaskFinished(agent, succeeded, duration)
	if succeeded {
		b.metrics.Inc(metrics.TaskCompleted)
	} else {
		b.metrics.Inc(metrics.TaskFailed)
		if res.TimedOut {
			b.metrics.Inc(metrics.AgentTimeouts)
		}
	}
	if b.registry != nil {
		b.registry.UpdateStatus(agent, domain.AgentIdle, "")
	}
	b.logf("task %s: %s after %s (%d tool calls, %d output bytes)", id, state, duration.Round(time.Millisecond), task.ToolCalls, task.OutputBytes)

	b.pruneTasks(now)
	if _, err := b.store.Prune(TaskRetention); err != nil {
		b.logf("store prune: %v", err)
	}
}

func (b *Bridge) snapshotTask(id string) TaskView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[id]; ok {
		return viewOf(t)
	}
	return TaskView{TaskID: id, Status: "unknown"}
}

// TaskStatus looks a task up in memory first, then in the durable store.
func (b *Bridge) TaskStatus(id string) (TaskView, error) {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if ok {
		v := viewOf(t)
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	stored, err := b.store.Get(id)
	if err != nil {
		return TaskView{}, fmt.Errorf("look up task %s: %w", id, err)
	}
	if stored == nil {
		return TaskView{}, fmt.Errorf("task %s not found", id)
	}
	return viewOf(stored), nil
}

// TaskResult is TaskStatus with the output attached; the tool layer decides
// how to present a still-running task.
func (b *Bridge) TaskResult(id string) (TaskView, error) {
	return b.TaskStatus(id)
}

// CancelTask terminates a running task. The process group gets SIGTERM, then
// SIGKILL after the grace period. The task is marked cancelled even when no
// process handle was ever attached.
func (b *Bridge) CancelTask(id string) (TaskView, error) {
	now := time.Now()

	b.mu.Lock()
	task, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return TaskView{}, fmt.Errorf("task %s not found", id)
	}
	if task.State != domain.TaskRunning {
		v := viewOf(task)
		b.mu.Unlock()
		return v, fmt.Errorf("task %s is not running (%s)", id, task.State)
	}
	task.State = domain.TaskCancelled
	task.CompletedAt = now
	task.Error = "cancelled"
	proc := task.Proc
	task.Proc = nil
	agent := task.Agent
	duration := now.Sub(task.StartedAt)
	view := viewOf(task)
	b.mu.Unlock()

	if proc != nil {
		// Negative pid signals the process group set up at spawn.
		_ = syscall.Kill(-proc.Pid, syscall.SIGTERM)
		go func(pid int) {
			time.Sleep(session.KillGrace)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}(proc.Pid)
	}

	state := domain.TaskCancelled
	errText := "cancelled"
	if err := b.store.Update(id, domain.TaskPatch{
		State:       &state,
		CompletedAt: &now,
		Error:       &errText,
	}); err != nil {
		b.logf("task %s: persist cancel: %v", id, err)
	}
	b.metrics.Inc(metrics.TaskCancelled)
	b.metrics.TaskFinished(agent, false, duration)
	if b.registry != nil {
		b.registry.UpdateStatus(agent, domain.AgentIdle, "")
	}
	b.logf("task %s: cancelled after %s", id, duration.Round(time.Millisecond))
	return view, nil
}

// pruneTasks enforces the table cap: only when above it, evict terminal
// tasks whose age exceeds both the grace period and the retention window,
// oldest first. Running tasks are never evicted.
func (b *Bridge) pruneTasks(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.tasks) <= MaxTrackedTasks {
		return
	}

	type aged struct {
		id          string
		completedAt time.Time
	}
	var evictable []aged
	for id, t := range b.tasks {
		age := now.Sub(t.CompletedAt)
		if t.State.Terminal() && age > PruneGrace && age > TaskRetention {
			evictable = append(evictable, aged{id, t.CompletedAt})
		}
	}
	for len(b.tasks) > MaxTrackedTasks && len(evictable) > 0 {
		oldest := 0
		for i := range evictable {
			if evictable[i].completedAt.Before(evictable[oldest].completedAt) {
				oldest = i
			}
		}
		delete(b.tasks, evictable[oldest].id)
		evictable = append(evictable[:oldest], evictable[oldest+1:]...)
	}
}
