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

// registerAssignTask registers the assign_task tool.
func registerAssignTask(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Assign a coding task to an agent. By default blocks until the task finishes or the wait budget runs out; set wait=false to fire and poll with get_task_status."),
			mcp.WithString("agent", mcp.Required(), mcp.Description("Agent to run the task (see list_agents)")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The task prompt, up to 100 KiB")),
			mcp.WithString("project", mcp.Required(), mcp.Description("Project directory relative to the workspace root")),
			mcp.WithString("model", mcp.Description("Model override; falls back to the agent's default when unknown")),
			mcp.WithString("team", mcp.Description("Team tag recorded on the task (default: the bridge's --team)")),
			mcp.WithBoolean("wait", mcp.Description("Block until the task finishes (default: true)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Wait budget in seconds, 1-1800 (default: 300). Only meaningful with wait=true.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agent, err := requireString(args, "agent")
			if err != nil {
				return nil, err
			}
			prompt, err := requireString(args, "prompt")
			if err != nil {
				return nil, err
			}
			project, err := requireString(args, "project")
			if err != nil {
				return nil, err
			}

			view, err := svc.AssignTask(ctx, app.AssignParams{
				Agent:          agent,
				Prompt:         prompt,
				Project:        project,
				Model:          optionalString(args, "model"),
				Team:           optionalString(args, "team"),
				Wait:           optionalBool(args, "wait", true),
				TimeoutSeconds: optionalInt(args, "timeout_seconds", 0),
			})
			if err != nil {
				return nil, err
			}
			logger.Printf("assign_task: %s -> %s (%s)", view.TaskID, view.Agent, view.Status)
			return jsonResult(view)
		},
	)
}

// registerGetTaskStatus registers the get_task_status tool.
func registerGetTaskStatus(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Check the state of a task without its output. Works for tasks from earlier bridge runs too."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier from assign_task")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireTaskID(req.GetArguments(), "task_id")
			if err != nil {
				return nil, err
			}
			view, err := svc.TaskStatus(id)
			if err != nil {
				return nil, err
			}
			view.Output = ""
			return jsonResult(view)
		},
	)
}

// registerGetTaskResult registers the get_task_result tool.
func registerGetTaskResult(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_task_result",
			mcp.WithDescription("Fetch the full output of a finished task. A still-running task reports its status instead."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier from assign_task")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireTaskID(req.GetArguments(), "task_id")
			if err != nil {
				return nil, err
			}
			view, err := svc.TaskResult(id)
			if err != nil {
				return nil, err
			}
			if view.Status == string(domain.TaskRunning) {
				return jsonResult(map[string]any{
					"task_id": view.TaskID,
					"status":  view.Status,
					"note":    "task is still running; poll get_task_status or fetch the result later",
				})
			}
			return jsonResult(view)
		},
	)
}

// registerCancelTask registers the cancel_task tool.
func registerCancelTask(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a running task. The agent process group is terminated, forcefully after a grace period."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier from assign_task")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireTaskID(req.GetArguments(), "task_id")
			if err != nil {
				return nil, err
			}
			view, err := svc.CancelTask(id)
			if err != nil {
				return nil, err
			}
			logger.Printf("cancel_task: %s", id)
			return jsonResult(map[string]any{
				"task_id":   view.TaskID,
				"status":    view.Status,
				"cancelled": true,
				"message":   fmt.Sprintf("task %s cancelled", id),
			})
		},
	)
}
