package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jaervinen/taskbridge/internal/domain"
	"github.com/jaervinen/taskbridge/internal/workflow"
)

// CreateWorkflow validates the DAG, registers it and starts execution in the
// background. The caller polls get_workflow_status for progress.
func (b *Bridge) CreateWorkflow(name, project string, steps []domain.StepDef) (*domain.Workflow, error) {
	projectDir, err := b.resolveProjectDir(project)
	if err != nil {
		return nil, err
	}
	agents := b.config().Agents
	for i, step := range steps {
		if _, ok := agents[step.Agent]; !ok {
			return nil, fmt.Errorf("step %d (%s): unknown agent %q", i, step.Name, step.Agent)
		}
	}

	wf, err := b.engine.Create(name, project, steps)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := b.engine.Run(context.Background(), wf.ID, b.stepRunner(project, projectDir)); err != nil {
			b.logf("workflow %s: %v", wf.ID, err)
		}
	}()
	return wf, nil
}

// stepRunner executes one workflow step as a regular tracked task.
func (b *Bridge) stepRunner(project, projectDir string) workflow.Runner {
	return func(ctx context.Context, step domain.StepDef, prompt string) (string, string, error) {
		agentName, agentCfg, err := b.resolveAgent(step.Agent)
		if err != nil {
			return "", "", err
		}
		model := b.resolveModel(agentName, agentCfg, step.Model)

		task := &domain.Task{
			ID:        uuid.NewString(),
			Agent:     agentName,
			Model:     model,
			Project:   project,
			Prompt:    prompt,
			State:     domain.TaskRunning,
			StartedAt: time.Now(),
			Team:      b.team,
		}
		b.mu.Lock()
		b.tasks[task.ID] = task
		b.mu.Unlock()
		if err := b.store.Save(task); err != nil {
			b.logf("task %s: persist: %v", task.ID, err)
		}
		b.metrics.TaskAssigned(agentName)
		b.logf("task %s: workflow step %s on %s", task.ID, step.Name, agentName)

		res := b.runSession(ctx, b.buildSpawnConfig(agentCfg, model, projectDir), prompt, b.sessionOptions(task, agentName, model))
		b.finalizeTask(task.ID, res)
		if res.Error != "" {
			return res.Output, task.ID, errors.New(res.Error)
		}
		return res.Output, task.ID, nil
	}
}

// WorkflowStatus returns a snapshot of the workflow.
func (b *Bridge) WorkflowStatus(id string) (*domain.Workflow, error) {
	wf := b.engine.Get(id)
	if wf == nil {
		return nil, fmt.Errorf("workflow %s not found", id)
	}
	return wf, nil
}
