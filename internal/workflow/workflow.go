// Package workflow executes DAGs of agent steps: cycle-checked validation,
// parallel dispatch of ready steps, dependency-output prompt injection, and
// failure cascade to dependents.
package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jaervinen/taskbridge/internal/domain"
)

// Runner executes one step and returns its output plus the backing task id.
type Runner func(ctx context.Context, step domain.StepDef, prompt string) (output, taskID string, err error)

// Engine tracks workflows by id. All state mutation happens under mu.
type Engine struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
	logger    *log.Logger
}

func NewEngine(logger *log.Logger) *Engine {
	return &Engine{
		workflows: make(map[string]*domain.Workflow),
		logger:    logger,
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// Create validates the definition and registers a pending workflow.
func (e *Engine) Create(name, project string, steps []domain.StepDef) (*domain.Workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow needs at least one step")
	}
	if err := Validate(steps); err != nil {
		return nil, err
	}

	wf := &domain.Workflow{
		ID:        uuid.NewString(),
		Name:      name,
		Project:   project,
		Steps:     steps,
		CreatedAt: time.Now(),
		State:     domain.StepPending,
		Results:   make(map[string]*domain.StepResult, len(steps)),
	}
	for _, step := range steps {
		wf.Results[step.Name] = &domain.StepResult{
			Name:  step.Name,
			Agent: step.Agent,
			State: domain.StepPending,
		}
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	return wf, nil
}

// Get returns a deep snapshot of the workflow, or nil.
func (e *Engine) Get(id string) *domain.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[id]
	if !ok {
		return nil
	}
	return snapshotLocked(wf)
}

func snapshotLocked(wf *domain.Workflow) *domain.Workflow {
	out := *wf
	out.Results = make(map[string]*domain.StepResult, len(wf.Results))
	for name, res := range wf.Results {
		copy := *res
		out.Results[name] = &copy
	}
	return &out
}

// Validate rejects unknown dependency references and cycles.
func Validate(steps []domain.StepDef) error {
	byName := make(map[string]domain.StepDef, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("step with empty name")
		}
		if _, dup := byName[step.Name]; dup {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		byName[step.Name] = step
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", step.Name, dep)
			}
		}
	}

	// DFS with a recursion stack; re-entering an in-stack node is a cycle.
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case inStack:
			return fmt.Errorf("cycle detected through step %q", name)
		case done:
			return nil
		}
		state[name] = inStack
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, step := range steps {
		if err := visit(step.Name); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the workflow to a terminal state. Steps whose dependencies are
// all completed run in parallel; a failed or skipped dependency cascades to
// skipped. The workflow is failed iff any step failed or was skipped.
func (e *Engine) Run(ctx context.Context, id string, run Runner) error {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s not found", id)
	}
	wf.State = domain.StepRunning
	steps := wf.Steps
	e.mu.Unlock()

	for {
		runnable := e.selectRunnable(wf, steps)
		if len(runnable) == 0 {
			if e.anyRunning(wf) {
				// Shouldn't happen: dispatch below waits for its batch.
				return fmt.Errorf("workflow %s stuck with steps running", id)
			}
			if e.skipBlocked(wf, steps) {
				continue
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, step := range runnable {
			step := step
			e.setStepState(wf, step.Name, domain.StepRunning)
			g.Go(func() error {
				prompt := e.buildStepPrompt(wf, step)
				output, taskID, err := run(gctx, step, prompt)
				e.finishStep(wf, step.Name, output, taskID, err)
				return nil
			})
		}
		// Runner errors land in step results, not here.
		_ = g.Wait()

		if ctx.Err() != nil {
			e.failPending(wf, ctx.Err())
			break
		}
	}

	return e.finalize(wf)
}

func (e *Engine) selectRunnable(wf *domain.Workflow, steps []domain.StepDef) []domain.StepDef {
	e.mu.Lock()
	defer e.mu.Unlock()

	var runnable []domain.StepDef
	for _, step := range steps {
		if wf.Results[step.Name].State != domain.StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if wf.Results[dep].State != domain.StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, step)
		}
	}
	return runnable
}

func (e *Engine) anyRunning(wf *domain.Workflow) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, res := range wf.Results {
		if res.State == domain.StepRunning {
			return true
		}
	}
	return false
}

// skipBlocked marks pending steps with a failed or skipped dependency as
// skipped. Returns true if anything changed.
func (e *Engine) skipBlocked(wf *domain.Workflow, steps []domain.StepDef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	for _, step := range steps {
		res := wf.Results[step.Name]
		if res.State != domain.StepPending {
			continue
		}
		for _, dep := range step.DependsOn {
			depState := wf.Results[dep].State
			if depState == domain.StepFailed || depState == domain.StepSkipped {
				res.State = domain.StepSkipped
				res.CompletedAt = time.Now()
				e.logf("workflow %s: skipping step %s (dependency %s %s)", wf.ID, step.Name, dep, depState)
				changed = true
				break
			}
		}
	}
	return changed
}

func (e *Engine) setStepState(wf *domain.Workflow, name string, state domain.WorkflowState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := wf.Results[name]
	res.State = state
	if state == domain.StepRunning {
		res.StartedAt = time.Now()
	}
}

func (e *Engine) finishStep(wf *domain.Workflow, name, output, taskID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := wf.Results[name]
	res.CompletedAt = time.Now()
	res.Output = output
	res.TaskID = taskID
	if err != nil {
		res.State = domain.StepFailed
		res.Error = err.Error()
		e.logf("workflow %s: step %s failed: %v", wf.ID, name, err)
	} else {
		res.State = domain.StepCompleted
	}
}

func (e *Engine) failPending(wf *domain.Workflow, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, res := range wf.Results {
		if res.State == domain.StepPending {
			res.State = domain.StepSkipped
			res.Error = cause.Error()
			res.CompletedAt = time.Now()
		}
	}
}

// buildStepPrompt prefixes the step prompt with each dependency's output.
func (e *Engine) buildStepPrompt(wf *domain.Workflow, step domain.StepDef) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(step.DependsOn) == 0 {
		return step.Prompt
	}
	var blocks []string
	for _, dep := range step.DependsOn {
		out := wf.Results[dep].Output
		blocks = append(blocks, fmt.Sprintf("--- Output from %q ---\n%s\n--- End ---", dep, out))
	}
	blocks = append(blocks, step.Prompt)
	return strings.Join(blocks, "\n\n")
}

func (e *Engine) finalize(wf *domain.Workflow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	failed := false
	for _, res := range wf.Results {
		if res.State == domain.StepFailed || res.State == domain.StepSkipped {
			failed = true
			break
		}
	}
	if failed {
		wf.State = domain.StepFailed
		e.logf("workflow %s (%s) failed", wf.ID, wf.Name)
		return fmt.Errorf("workflow %s failed", wf.ID)
	}
	wf.State = domain.StepCompleted
	e.logf("workflow %s (%s) completed", wf.ID, wf.Name)
	return nil
}
