package session

import (
	"context"
	"strings"
	"testing"

	"github.com/coder/acp-go-sdk"

	"github.com/jaervinen/taskbridge/internal/policy"
)

func TestMergeOutputs(t *testing.T) {
	long := strings.Repeat("a", 600)
	tool := strings.Repeat("t", 300)

	tests := []struct {
		name  string
		agent string
		tool  string
		want  string
	}{
		{"both large and distinct", long, tool, long + "\n\n--- Tool Output ---\n" + tool},
		{"large agent only", long, "", long},
		{"large agent small tool", long, "tiny", long},
		{"tool duplicated in agent", long + tool, tool, long + tool},
		{"small agent with tool", "short", "tool says hi", "short\n\n--- Tool Output ---\ntool says hi"},
		{"empty agent with tool", "", "only tool", "\n\n--- Tool Output ---\nonly tool"},
		{"small agent no tool", "short", "", "short"},
		{"both empty", "", "", ""},
	}
	for _, tt := range tests {
		if got := mergeOutputs(tt.agent, tt.tool); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, head(got, 80), head(tt.want, 80))
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	b := cappedBuffer{cap: 10}
	b.append("12345")
	b.append("67890extra")
	if got := b.String(); got != "1234567890" {
		t.Errorf("got %q", got)
	}
	if len(b.String()) != 10 {
		t.Errorf("len = %d", len(b.String()))
	}
	b.append("more")
	if len(b.String()) != 10 {
		t.Error("appended past cap")
	}
}

func TestClientBufferCaps(t *testing.T) {
	c := newClient(nil, "/work", nil)
	chunk := strings.Repeat("x", 32*1024)
	for i := 0; i < 10; i++ {
		c.mu.Lock()
		c.agentBuf.append(chunk)
		c.toolBuf.append(chunk)
		c.mu.Unlock()
	}
	agentOut, toolOut, _ := c.snapshot()
	if len(agentOut) != MaxAgentOutput {
		t.Errorf("agent output = %d bytes, want %d", len(agentOut), MaxAgentOutput)
	}
	if len(toolOut) != MaxToolOutput {
		t.Errorf("tool output = %d bytes, want %d", len(toolOut), MaxToolOutput)
	}
}

func TestBoringToolTitle(t *testing.T) {
	boring := []string{
		"Read file src/main.go",
		"cat file contents",
		"View source",
		"Loading file content",
	}
	for _, title := range boring {
		if !boringToolTitle.MatchString(title) {
			t.Errorf("%q should be skipped", title)
		}
	}
	interesting := []string{
		"Run tests",
		"Edit src/main.go",
		"git diff",
		"Search the web",
	}
	for _, title := range interesting {
		if boringToolTitle.MatchString(title) {
			t.Errorf("%q should not be skipped", title)
		}
	}
}

func TestToolNameForKind(t *testing.T) {
	tests := map[string]string{
		"read":    "Read",
		"edit":    "Edit",
		"execute": "Bash",
		"fetch":   "FetchURL",
		"search":  "WebSearch",
		"other":   "other",
	}
	for kind, want := range tests {
		if got := toolNameForKind(kind); got != want {
			t.Errorf("%s: got %s, want %s", kind, got, want)
		}
	}
}

func TestTerminalOutputField(t *testing.T) {
	if got := terminalOutputField([]byte(`{"output":"hello"}`)); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := terminalOutputField([]byte(`{"stdout":"world"}`)); got != "world" {
		t.Errorf("got %q", got)
	}
	if got := terminalOutputField([]byte(`"just a string"`)); got != "" {
		t.Errorf("got %q", got)
	}
	if got := terminalOutputField([]byte(`not json`)); got != "" {
		t.Errorf("got %q", got)
	}
}

func denyAllEngine() *policy.Engine {
	return policy.New([]policy.Rule{{
		Name:        "deny-everything",
		ToolPattern: "*",
		Action:      policy.Deny,
	}}, nil, nil)
}

func allowAllEngine() *policy.Engine {
	return policy.New([]policy.Rule{{
		Name:        "allow-everything",
		ToolPattern: "*",
		Action:      policy.Allow,
	}}, nil, nil)
}

func options(kinds ...acp.PermissionOptionKind) []acp.PermissionOption {
	var opts []acp.PermissionOption
	for i, kind := range kinds {
		opts = append(opts, acp.PermissionOption{
			OptionId: acp.PermissionOptionId(string(kind) + "-" + string(rune('a'+i))),
			Name:     string(kind),
			Kind:     kind,
		})
	}
	return opts
}

func TestRequestPermissionAllowPrefersAllowOnce(t *testing.T) {
	c := newClient(nil, "/work", allowAllEngine().Evaluate)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: options(acp.PermissionOptionKindAllowAlways, acp.PermissionOptionKindAllowOnce, acp.PermissionOptionKindRejectOnce),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome.Selected == nil {
		t.Fatal("expected selection")
	}
	if !strings.HasPrefix(string(resp.Outcome.Selected.OptionId), string(acp.PermissionOptionKindAllowOnce)) {
		t.Errorf("selected %s", resp.Outcome.Selected.OptionId)
	}
}

func TestRequestPermissionAllowFallsBackToAllowAlways(t *testing.T) {
	c := newClient(nil, "/work", allowAllEngine().Evaluate)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: options(acp.PermissionOptionKindRejectOnce, acp.PermissionOptionKindAllowAlways),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome.Selected == nil ||
		!strings.HasPrefix(string(resp.Outcome.Selected.OptionId), string(acp.PermissionOptionKindAllowAlways)) {
		t.Errorf("resp = %+v", resp.Outcome)
	}
}

func TestRequestPermissionDenySelectsReject(t *testing.T) {
	c := newClient(nil, "/work", denyAllEngine().Evaluate)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: options(acp.PermissionOptionKindAllowOnce, acp.PermissionOptionKindRejectOnce),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome.Selected == nil ||
		!strings.HasPrefix(string(resp.Outcome.Selected.OptionId), string(acp.PermissionOptionKindRejectOnce)) {
		t.Errorf("resp = %+v", resp.Outcome)
	}
}

func TestRequestPermissionDenyWithoutRejectOptionCancels(t *testing.T) {
	c := newClient(nil, "/work", denyAllEngine().Evaluate)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: options(acp.PermissionOptionKindAllowOnce),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome.Cancelled == nil {
		t.Errorf("resp = %+v", resp.Outcome)
	}
}

func TestRequestPermissionNoOptionsCancels(t *testing.T) {
	c := newClient(nil, "/work", allowAllEngine().Evaluate)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome.Cancelled == nil {
		t.Errorf("resp = %+v", resp.Outcome)
	}
}

func TestUpdateToolStatus(t *testing.T) {
	c := newClient(nil, "/work", nil)
	c.toolCalls = []ToolCallRecord{{ID: "tc1", Status: "pending"}}
	c.updateToolStatus("tc1", "completed")
	if c.toolCalls[0].Status != "completed" {
		t.Errorf("status = %s", c.toolCalls[0].Status)
	}
	c.updateToolStatus("ghost", "completed")
}

func TestSpawnFailure(t *testing.T) {
	res := Run(context.Background(), SpawnConfig{
		Command: "/nonexistent/agent-binary",
		Cwd:     t.TempDir(),
	}, "hello", Options{})
	if res.Error == "" || !strings.Contains(res.Error, "spawn") {
		t.Errorf("result = %+v", res)
	}
	if res.TimedOut {
		t.Error("spawn failure marked timedOut")
	}
	if !res.SpawnFailed {
		t.Error("spawn failure not flagged")
	}
	if res.Proc != nil {
		t.Error("process handle set without a spawned process")
	}
}

func TestRunReturnsProcessHandle(t *testing.T) {
	// A command that exits immediately never speaks the protocol, so the
	// session fails, but the process handle must still come back.
	res := Run(context.Background(), SpawnConfig{
		Command: "/bin/true",
		Cwd:     t.TempDir(),
	}, "hello", Options{})
	if res.Error == "" {
		t.Error("expected a failed session against a non-agent command")
	}
	if res.SpawnFailed {
		t.Error("post-spawn failure flagged as spawn failure")
	}
	if res.Proc == nil {
		t.Error("process handle missing from result")
	}
}
