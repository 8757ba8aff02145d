package bridge

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaervinen/taskbridge/internal/app"
)

// registerGetMetrics registers the get_metrics tool.
func registerGetMetrics(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_metrics",
			mcp.WithDescription("Report bridge counters and per-agent task statistics since startup."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(svc.Metrics())
		},
	)
}

// registerHealthCheck registers the health_check tool.
func registerHealthCheck(s *server.MCPServer, svc *app.Bridge, logger *log.Logger, version string) {
	s.AddTool(
		mcp.NewTool("health_check",
			mcp.WithDescription("Report bridge health: degraded when no agent is available."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(svc.HealthCheck(version))
		},
	)
}
