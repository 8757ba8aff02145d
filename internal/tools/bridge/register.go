// Package bridge exposes the orchestration tools over the mcp-go server.
package bridge

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaervinen/taskbridge/internal/app"
)

// Register wires every bridge tool onto the mcp-go server.
func Register(s *server.MCPServer, svc *app.Bridge, logger *log.Logger, version string) {
	// Agent tools (4)
	registerListAgents(s, svc, logger)
	registerGetAgentStatus(s, svc, logger)
	registerShutdownAgent(s, svc, logger)
	registerKillAgent(s, svc, logger)

	// Task tools (4)
	registerAssignTask(s, svc, logger)
	registerGetTaskStatus(s, svc, logger)
	registerGetTaskResult(s, svc, logger)
	registerCancelTask(s, svc, logger)

	// Messaging tools (2)
	registerBroadcast(s, svc, logger)
	registerSendAgentMessage(s, svc, logger)

	// Workflow tools (2)
	registerCreateWorkflow(s, svc, logger)
	registerGetWorkflowStatus(s, svc, logger)

	// Introspection tools (2)
	registerGetMetrics(s, svc, logger)
	registerHealthCheck(s, svc, logger, version)
}
