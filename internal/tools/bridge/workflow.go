package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaervinen/taskbridge/internal/app"
	"github.com/jaervinen/taskbridge/internal/domain"
)

// registerCreateWorkflow registers the create_workflow tool.
func registerCreateWorkflow(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("create_workflow",
			mcp.WithDescription("Create and start a multi-step workflow. Steps form a DAG via depends_on; independent steps run in parallel and each step's prompt is prefixed with its dependencies' outputs. Poll get_workflow_status for progress."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
			mcp.WithString("project", mcp.Required(), mcp.Description("Project directory relative to the workspace root")),
			mcp.WithArray("steps", mcp.Required(), mcp.Description("Step objects: {name, agent, prompt, model?, depends_on?}")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			name, err := requireString(args, "name")
			if err != nil {
				return nil, err
			}
			project, err := requireString(args, "project")
			if err != nil {
				return nil, err
			}
			steps, err := parseSteps(args["steps"])
			if err != nil {
				return nil, err
			}

			wf, err := svc.CreateWorkflow(name, project, steps)
			if err != nil {
				return nil, err
			}
			logger.Printf("create_workflow: %s (%d steps)", wf.ID, len(steps))
			return jsonResult(map[string]any{
				"workflow_id": wf.ID,
				"name":        wf.Name,
				"state":       wf.State,
				"steps":       len(wf.Steps),
			})
		},
	)
}

// parseSteps decodes the steps argument into step definitions.
func parseSteps(raw any) ([]domain.StepDef, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("steps must be a non-empty array")
	}
	steps := make([]domain.StepDef, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d must be an object", i)
		}
		step := domain.StepDef{
			Name:   optionalString(obj, "name"),
			Agent:  optionalString(obj, "agent"),
			Prompt: optionalString(obj, "prompt"),
			Model:  optionalString(obj, "model"),
		}
		if step.Name == "" || step.Agent == "" || step.Prompt == "" {
			return nil, fmt.Errorf("step %d needs name, agent and prompt", i)
		}
		if deps, ok := obj["depends_on"].([]any); ok {
			for _, d := range deps {
				if dep, ok := d.(string); ok && dep != "" {
					step.DependsOn = append(step.DependsOn, dep)
				}
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// registerGetWorkflowStatus registers the get_workflow_status tool.
func registerGetWorkflowStatus(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_workflow_status",
			mcp.WithDescription("Show a workflow's overall state and every step's result."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow identifier from create_workflow")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireTaskID(req.GetArguments(), "workflow_id")
			if err != nil {
				return nil, err
			}
			wf, err := svc.WorkflowStatus(id)
			if err != nil {
				return nil, err
			}
			return jsonResult(wf)
		},
	)
}
