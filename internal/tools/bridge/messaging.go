package bridge

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaervinen/taskbridge/internal/app"
	"github.com/jaervinen/taskbridge/internal/domain"
)

// registerBroadcast registers the broadcast tool.
func registerBroadcast(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("broadcast",
			mcp.WithDescription("Send a message to every agent inbox. Agents see it at the start of their next session."),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message content, up to 64 KiB")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			content, err := requireString(req.GetArguments(), "message")
			if err != nil {
				return nil, err
			}
			msg, err := svc.Broadcast(content)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				// Write failed but the messaging config fails silently.
				return jsonResult(map[string]any{"delivered": false})
			}
			logger.Printf("broadcast: %d bytes", len(content))
			return jsonResult(map[string]any{"message_id": msg.ID, "delivered": true})
		},
	)
}

// registerSendAgentMessage registers the send_agent_message tool.
func registerSendAgentMessage(s *server.MCPServer, svc *app.Bridge, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("send_agent_message",
			mcp.WithDescription("Send a direct message to a registered agent's inbox."),
			mcp.WithString("agent", mcp.Required(), mcp.Description("Registered agent name")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message content, up to 64 KiB")),
			mcp.WithString("type", mcp.Description("Message type: 'message' (default) or 'nudge'")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agent, err := requireString(args, "agent")
			if err != nil {
				return nil, err
			}
			content, err := requireString(args, "message")
			if err != nil {
				return nil, err
			}
			msgType := domain.MessageType(optionalString(args, "type"))
			msg, err := svc.SendMessage(agent, content, msgType)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				return jsonResult(map[string]any{"delivered": false, "to": agent})
			}
			logger.Printf("send_agent_message: -> %s (%s)", agent, msg.Type)
			return jsonResult(map[string]any{"message_id": msg.ID, "to": agent, "type": msg.Type})
		},
	)
}
