package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/jaervinen/taskbridge/internal/policy"
)

// boringToolTitle matches tool titles whose content duplicates what the
// agent already narrates (file reads and the like).
var boringToolTitle = regexp.MustCompile(`(?i)(read|cat|view|open|load).*(file|content|source)`)

// ToolCallRecord is one tool invocation observed during a session.
type ToolCallRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`
}

// client implements acp.Client for one supervised session: it accumulates
// agent output, records tool calls, and routes permission requests through
// the policy engine.
type client struct {
	logger      *log.Logger
	projectRoot string
	evaluate    func(policy.PermissionContext) policy.PermissionResult

	mu        sync.Mutex
	agentBuf  cappedBuffer
	toolBuf   cappedBuffer
	toolCalls []ToolCallRecord
	plans     int
}

var _ acp.Client = (*client)(nil)

func newClient(logger *log.Logger, projectRoot string, evaluate func(policy.PermissionContext) policy.PermissionResult) *client {
	c := &client{logger: logger, projectRoot: projectRoot, evaluate: evaluate}
	c.agentBuf.cap = MaxAgentOutput
	c.toolBuf.cap = MaxToolOutput
	c.agentBuf.logger = logger
	c.toolBuf.logger = logger
	c.agentBuf.label = "agent output"
	c.toolBuf.label = "tool output"
	return c
}

func (c *client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// cappedBuffer appends up to cap bytes, warning once on overflow.
type cappedBuffer struct {
	buf    strings.Builder
	cap    int
	warned bool
	logger *log.Logger
	label  string
}

func (b *cappedBuffer) append(s string) {
	room := b.cap - b.buf.Len()
	if room <= 0 {
		b.warnOnce()
		return
	}
	if len(s) > room {
		s = s[:room]
		b.warnOnce()
	}
	b.buf.WriteString(s)
}

func (b *cappedBuffer) warnOnce() {
	if b.warned {
		return
	}
	b.warned = true
	if b.logger != nil {
		b.logger.Printf("session: %s exceeded %d bytes, truncating", b.label, b.cap)
	}
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// RequestPermission routes the agent's permission request through the
// policy engine and maps the decision onto the offered options.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	toolName, args := permissionToolContext(p)

	result := policy.PermissionResult{Action: policy.Ask, Reason: "no policy engine"}
	if c.evaluate != nil {
		result = c.evaluate(policy.PermissionContext{
			ToolName:    toolName,
			ToolTitle:   titleOf(p),
			Args:        args,
			ProjectRoot: c.projectRoot,
		})
	}
	c.logf("session: permission %s for tool %s (rule=%s): %s", result.Action, toolName, result.Rule, result.Reason)

	if len(p.Options) == 0 {
		return cancelledPermission(), nil
	}

	if result.Action == policy.Deny {
		for i := range p.Options {
			opt := &p.Options[i]
			if opt.Kind == acp.PermissionOptionKindRejectOnce || strings.Contains(strings.ToLower(string(opt.OptionId)), "deny") || strings.Contains(strings.ToLower(string(opt.OptionId)), "reject") {
				return selectedPermission(opt.OptionId), nil
			}
		}
		return cancelledPermission(), nil
	}

	// Allow and ask both approve: the bridge has no interactive surface, so
	// ask resolves to the least-privileged allow option.
	var selected *acp.PermissionOption
	for i := range p.Options {
		if p.Options[i].Kind == acp.PermissionOptionKindAllowOnce {
			selected = &p.Options[i]
			break
		}
	}
	if selected == nil {
		for i := range p.Options {
			if p.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
				selected = &p.Options[i]
				break
			}
		}
	}
	if selected == nil {
		for i := range p.Options {
			if string(p.Options[i].OptionId) == "allow" {
				selected = &p.Options[i]
				break
			}
		}
	}
	if selected == nil {
		return cancelledPermission(), nil
	}
	return selectedPermission(selected.OptionId), nil
}

func titleOf(p acp.RequestPermissionRequest) string {
	if p.ToolCall.Title != nil {
		return *p.ToolCall.Title
	}
	return ""
}

// permissionToolContext derives the policy tool name and argument map from
// the permission request's tool call.
func permissionToolContext(p acp.RequestPermissionRequest) (string, map[string]any) {
	toolName := ""
	if p.ToolCall.Kind != nil {
		toolName = toolNameForKind(string(*p.ToolCall.Kind))
	}
	if toolName == "" && p.ToolCall.Title != nil {
		toolName = *p.ToolCall.Title
	}

	args := map[string]any{}
	if p.ToolCall.RawInput != nil {
		if m, ok := p.ToolCall.RawInput.(map[string]any); ok {
			args = m
		} else if data, err := json.Marshal(p.ToolCall.RawInput); err == nil {
			_ = json.Unmarshal(data, &args)
		}
	}
	return toolName, args
}

// toolNameForKind maps ACP tool-call kinds onto the policy rule vocabulary.
func toolNameForKind(kind string) string {
	switch kind {
	case "read":
		return "Read"
	case "edit":
		return "Edit"
	case "execute":
		return "Bash"
	case "fetch":
		return "FetchURL"
	case "search":
		return "WebSearch"
	default:
		return kind
	}
}

func selectedPermission(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

// SessionUpdate accumulates streamed output by update type.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	u := n.Update
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			c.agentBuf.append(u.AgentMessageChunk.Content.Text.Text)
		}
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			text := u.AgentThoughtChunk.Content.Text.Text
			if len(text) > 120 {
				text = text[:120]
			}
			c.logf("session: agent thought: %s", text)
		}
	case u.ToolCall != nil:
		rec := ToolCallRecord{
			ID:    string(u.ToolCall.ToolCallId),
			Title: u.ToolCall.Title,
		}
		if u.ToolCall.Kind != "" {
			rec.Kind = string(u.ToolCall.Kind)
		}
		if u.ToolCall.Status != "" {
			rec.Status = string(u.ToolCall.Status)
		}
		c.toolCalls = append(c.toolCalls, rec)
		c.extractToolContent(u.ToolCall.Title, u.ToolCall.Content, u.ToolCall.RawInput, nil)
	case u.ToolCallUpdate != nil:
		title := ""
		if u.ToolCallUpdate.Title != nil {
			title = *u.ToolCallUpdate.Title
		}
		if u.ToolCallUpdate.Status != nil {
			c.updateToolStatus(string(u.ToolCallUpdate.ToolCallId), string(*u.ToolCallUpdate.Status))
		}
		c.extractToolContent(title, u.ToolCallUpdate.Content, nil, u.ToolCallUpdate.RawOutput)
	case u.Plan != nil:
		c.plans++
		c.logf("session: plan update with %d entries", len(u.Plan.Entries))
	case u.AvailableCommandsUpdate != nil:
		c.logf("session: %d commands available", len(u.AvailableCommandsUpdate.AvailableCommands))
	}
	return nil
}

func (c *client) updateToolStatus(id, status string) {
	for i := range c.toolCalls {
		if c.toolCalls[i].ID == id {
			c.toolCalls[i].Status = status
			return
		}
	}
}

// extractToolContent appends orchestrator-useful tool output to the tool
// buffer, skipping plain file-read echoes.
func (c *client) extractToolContent(title string, content []acp.ToolCallContent, rawInput any, rawOutput any) {
	if boringToolTitle.MatchString(title) {
		return
	}
	_ = rawInput

	for _, item := range content {
		switch {
		case item.Content != nil && item.Content.Content.Text != nil:
			c.toolBuf.append(item.Content.Content.Text.Text)
			c.toolBuf.append("\n")
		case item.Diff != nil:
			c.toolBuf.append(fmt.Sprintf("--- Diff: %s ---\n", item.Diff.Path))
			if item.Diff.OldText != nil {
				c.toolBuf.append(*item.Diff.OldText)
				c.toolBuf.append("\n---\n")
			}
			c.toolBuf.append(item.Diff.NewText)
			c.toolBuf.append("\n")
		case item.Terminal != nil:
			// Terminal content carries only the terminal id; actual output
			// arrives through rawOutput on the final update.
		}
	}

	if rawOutput != nil {
		if data, err := json.Marshal(rawOutput); err == nil && len(data) > 0 && len(data) < 10000 {
			if out := terminalOutputField(data); out != "" {
				c.toolBuf.append(out)
				c.toolBuf.append("\n")
			} else {
				c.toolBuf.append(string(data))
				c.toolBuf.append("\n")
			}
		}
	}
}

// terminalOutputField pulls a conventional output field out of a raw tool
// result, if the payload is an object carrying one.
func terminalOutputField(data []byte) string {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	for _, key := range []string{"output", "stdout", "result"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// snapshot returns the buffers and tool calls accumulated so far.
func (c *client) snapshot() (agentOut, toolOut string, calls []ToolCallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls = make([]ToolCallRecord, len(c.toolCalls))
	copy(calls, c.toolCalls)
	return c.agentBuf.String(), c.toolBuf.String(), calls
}

// ReadTextFile serves agent file reads relative to the project root.
func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(data)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves agent file writes.
func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// Terminal methods are stubbed: the bridge does not lend terminals to
// agents, but the interface requires them.
func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminals not supported")
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminals not supported")
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminals not supported")
}
