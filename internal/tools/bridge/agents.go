package bridge

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaervinen/taskbridge/internal/app"
)

// registerListAgents registers the list_agents tool.
func registerListAgents(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List configured agents with availability, models and strengths. Check this before assign_task."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(svc.ListAgents())
		},
	)
}

// registerGetAgentStatus registers the get_agent_status tool.
func registerGetAgentStatus(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_agent_status",
			mcp.WithDescription("Show every registered agent: liveness, current task, pending messages and uptime. Dead agents are detected on the way."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(svc.AgentStatuses())
		},
	)
}

// registerShutdownAgent registers the shutdown_agent tool.
func registerShutdownAgent(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("shutdown_agent",
			mcp.WithDescription("Ask a registered agent to wind down gracefully via a shutdown message."),
			mcp.WithString("agent", mcp.Required(), mcp.Description("Registered agent name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agent, err := requireString(req.GetArguments(), "agent")
			if err != nil {
				return nil, err
			}
			if err := svc.ShutdownAgent(agent); err != nil {
				return nil, err
			}
			logger.Printf("shutdown_agent: %s", agent)
			return jsonResult(map[string]any{"agent": agent, "shutdown_requested": true})
		},
	)
}

// registerKillAgent registers the kill_agent tool.
func registerKillAgent(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("kill_agent",
			mcp.WithDescription("Terminate a registered agent process immediately. Prefer shutdown_agent when the agent may still be saving work."),
			mcp.WithString("agent", mcp.Required(), mcp.Description("Registered agent name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agent, err := requireString(req.GetArguments(), "agent")
			if err != nil {
				return nil, err
			}
			if err := svc.KillAgent(agent); err != nil {
				return nil, err
			}
			logger.Printf("kill_agent: %s", agent)
			return jsonResult(map[string]any{"agent": agent, "killed": true})
		},
	)
}
