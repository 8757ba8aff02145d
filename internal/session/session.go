// Package session runs one end-to-end agent session: spawn the agent CLI,
// negotiate the Agent Protocol handshake, stream updates through policy and
// output capture, and guarantee teardown.
package session

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/jaervinen/taskbridge/internal/bus"
	"github.com/jaervinen/taskbridge/internal/policy"
	"github.com/jaervinen/taskbridge/internal/registry"
)

const (
	// MaxAgentOutput caps accumulated agent message text.
	MaxAgentOutput = 128 * 1024
	// MaxToolOutput caps accumulated tool-extracted text.
	MaxToolOutput = 64 * 1024
	// MaxStderr caps captured child stderr.
	MaxStderr = 64 * 1024

	// StepTimeout bounds initialize and new-session individually.
	StepTimeout = 30 * time.Second
	// SessionTimeout bounds the whole session.
	SessionTimeout = 30 * time.Minute
	// KillGrace is the SIGTERM-to-SIGKILL delay.
	KillGrace = 5 * time.Second

	stderrTail = 2 * 1024
)

// promptPreamble frames every task prompt sent to an agent.
const promptPreamble = `You are completing a task on behalf of an orchestrator. ` +
	`Return your answer as plain text in your response; do not ask clarifying questions. ` +
	`If a tool permission is denied, try an alternative tool or approach instead of stopping.`

// SpawnConfig describes how to start the agent process.
type SpawnConfig struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
}

// Result is the completion record of one session. Every failure mode is
// reported through Error; Run never returns an error value.
type Result struct {
	Output     string
	Error      string
	TimedOut   bool
	StopReason string
	ToolCalls  []ToolCallRecord
	Proc       *os.Process

	// SpawnFailed marks failures before the agent process existed.
	SpawnFailed bool
}

// Options carries the collaborators of a session.
type Options struct {
	AgentName string
	Model     string
	Logger    *log.Logger

	// Policy evaluates agent tool-call permissions; nil asks-then-allows.
	Policy *policy.Engine

	// Bus and Registry enable messaging context injection when both set.
	Bus      *bus.Bus
	Registry *registry.Registry

	// Timeout overrides SessionTimeout when positive.
	Timeout time.Duration

	// OnSpawn receives the child process handle right after start, so the
	// caller can attach it to its task record for cancellation.
	OnSpawn func(proc *os.Process)
}

func (o Options) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Run executes one session and always returns a Result.
func Run(ctx context.Context, spawn SpawnConfig, prompt string, opts Options) Result {
	sessionTimeout := opts.Timeout
	if sessionTimeout <= 0 {
		sessionTimeout = SessionTimeout
	}

	cmd := exec.Command(spawn.Command, spawn.Args...)
	cmd.Dir = spawn.Cwd
	cmd.Env = spawn.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("stdin pipe: %v", err), SpawnFailed: true}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("stdout pipe: %v", err), SpawnFailed: true}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("stderr pipe: %v", err), SpawnFailed: true}
	}

	if err := cmd.Start(); err != nil {
		return Result{Error: fmt.Sprintf("spawn %s: %v", spawn.Command, err), SpawnFailed: true}
	}
	proc := cmd.Process
	if opts.OnSpawn != nil {
		opts.OnSpawn(proc)
	}
	opts.logf("session: spawned %s (pid %d) in %s", spawn.Command, proc.Pid, spawn.Cwd)

	// Capture stderr up to the cap on its own goroutine.
	var stderrMu sync.Mutex
	var stderrBuf strings.Builder
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderrMu.Lock()
			if stderrBuf.Len() < MaxStderr {
				line := scanner.Text()
				room := MaxStderr - stderrBuf.Len()
				if len(line) > room {
					line = line[:room]
				}
				stderrBuf.WriteString(line)
				stderrBuf.WriteString("\n")
			}
			stderrMu.Unlock()
		}
	}()
	lastStderr := func() string {
		stderrMu.Lock()
		defer stderrMu.Unlock()
		s := stderrBuf.String()
		if len(s) > stderrTail {
			s = s[len(s)-stderrTail:]
		}
		return strings.TrimSpace(s)
	}

	// Exit watcher: every protocol step races this channel.
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	cl := newClient(opts.Logger, spawn.Cwd, policyEvaluator(opts.Policy))
	conn := acp.NewClientSideConnection(cl, stdin, stdout)

	sup := &supervisor{
		opts:       opts,
		spawn:      spawn,
		proc:       proc,
		conn:       conn,
		client:     cl,
		exitCh:     exitCh,
		lastStderr: lastStderr,
	}
	result := sup.run(ctx, prompt, sessionTimeout)

	sup.teardown(result.Error != "")
	return result
}

func policyEvaluator(engine *policy.Engine) func(policy.PermissionContext) policy.PermissionResult {
	if engine == nil {
		return nil
	}
	return engine.Evaluate
}

type supervisor struct {
	opts       Options
	spawn      SpawnConfig
	proc       *os.Process
	conn       *acp.ClientSideConnection
	client     *client
	exitCh     chan error
	lastStderr func() string

	exited bool
}

// step runs fn racing the exit watcher and a timeout. An early child exit
// aborts the whole session.
func (s *supervisor) step(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	case exitErr := <-s.exitCh:
		s.exited = true
		return fmt.Errorf("%s: agent exited unexpectedly (%s)", name, exitStatus(exitErr))
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: timed out after %s", name, timeout)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *supervisor) failure(err error) Result {
	agentOut, toolOut, calls := s.client.snapshot()
	msg := err.Error()
	if tail := s.lastStderr(); tail != "" {
		msg = fmt.Sprintf("%s; stderr: %s", msg, tail)
	}
	s.opts.logf("session: %s", msg)
	return Result{
		Output:    mergeOutputs(agentOut, toolOut),
		Error:     msg,
		ToolCalls: calls,
		Proc:      s.proc,
	}
}

func (s *supervisor) run(ctx context.Context, prompt string, sessionTimeout time.Duration) Result {
	sessionCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	// Initialize.
	var initResp acp.InitializeResponse
	err := s.step(sessionCtx, "initialize", StepTimeout, func(ctx context.Context) error {
		var err error
		initResp, err = s.conn.Initialize(ctx, acp.InitializeRequest{
			ProtocolVersion: acp.ProtocolVersionNumber,
			ClientCapabilities: acp.ClientCapabilities{
				Fs: acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			},
			ClientInfo: &acp.Implementation{Name: "taskbridge", Version: Version},
		})
		return err
	})
	if err != nil {
		return s.failure(err)
	}
	if initResp.AgentInfo != nil {
		s.opts.logf("session: agent %s %s", initResp.AgentInfo.Name, initResp.AgentInfo.Version)
	}

	// New session.
	var sessResp acp.NewSessionResponse
	err = s.step(sessionCtx, "new session", StepTimeout, func(ctx context.Context) error {
		var err error
		sessResp, err = s.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        s.spawn.Cwd,
			McpServers: []acp.McpServer{},
		})
		return err
	})
	if err != nil {
		return s.failure(err)
	}
	sessionID := sessResp.SessionId

	// Set model, best effort.
	s.setModel(sessionCtx, sessionID, sessResp.Models)

	// Context injection from the message bus.
	finalPrompt := promptPreamble + "\n\n" + s.injectContext() + prompt

	// Keep the registry heartbeat fresh for the lifetime of the prompt.
	if s.opts.Registry != nil && s.opts.AgentName != "" {
		go func() {
			ticker := time.NewTicker(registry.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sessionCtx.Done():
					return
				case <-ticker.C:
					s.opts.Registry.Heartbeat(s.opts.AgentName)
				}
			}
		}()
	}

	// Prompt: bounded by the remaining session budget.
	var promptResp acp.PromptResponse
	err = s.step(sessionCtx, "prompt", sessionTimeout, func(ctx context.Context) error {
		var err error
		promptResp, err = s.conn.Prompt(ctx, acp.PromptRequest{
			SessionId: sessionID,
			Prompt:    []acp.ContentBlock{acp.TextBlock(finalPrompt)},
		})
		return err
	})
	if err != nil {
		timedOut := sessionCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		res := s.failure(err)
		if timedOut {
			res.TimedOut = true
			res.Error = fmt.Sprintf("session timed out after %s", sessionTimeout)
		}
		return res
	}

	agentOut, toolOut, calls := s.client.snapshot()
	return Result{
		Output:     mergeOutputs(agentOut, toolOut),
		StopReason: string(promptResp.StopReason),
		ToolCalls:  calls,
		Proc:       s.proc,
	}
}

// setModel issues the set-model call when the requested model matches an
// advertised one by id or display name. Failure logs but never aborts.
func (s *supervisor) setModel(ctx context.Context, sessionID acp.SessionId, models *acp.SessionModelState) {
	if s.opts.Model == "" || models == nil {
		return
	}
	var match *acp.ModelInfo
	for i := range models.AvailableModels {
		m := &models.AvailableModels[i]
		if string(m.ModelId) == s.opts.Model || m.Name == s.opts.Model {
			match = m
			break
		}
	}
	if match == nil {
		s.opts.logf("session: model %q not advertised by agent, keeping default", s.opts.Model)
		return
	}
	err := s.step(ctx, "set model", StepTimeout, func(ctx context.Context) error {
		_, err := s.conn.SetSessionModel(ctx, acp.SetSessionModelRequest{
			SessionId: sessionID,
			ModelId:   match.ModelId,
		})
		return err
	})
	if err != nil {
		s.opts.logf("session: set model %s failed: %v", s.opts.Model, err)
	}
}

// injectContext registers the agent and returns a fenced block of its unread
// messages, marking them read. Empty when messaging is not wired.
func (s *supervisor) injectContext() string {
	if s.opts.Bus == nil || s.opts.Registry == nil || s.opts.AgentName == "" {
		return ""
	}
	s.opts.Registry.Register(s.opts.AgentName, s.opts.Model, s.proc.Pid)
	_ = s.opts.Bus.EnsureInbox(s.opts.AgentName)

	unread, err := s.opts.Bus.UnreadMessages(s.opts.AgentName)
	if err != nil {
		s.opts.logf("session: reading inbox for %s: %v", s.opts.AgentName, err)
		return ""
	}
	if len(unread) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Messages received while you were away:\n```\n")
	ids := make([]string, 0, len(unread))
	for _, msg := range unread {
		fmt.Fprintf(&sb, "[%s → %s] %s\n", msg.From, msg.To, msg.Content)
		ids = append(ids, msg.ID)
	}
	sb.WriteString("```\n\n")

	if _, err := s.opts.Bus.MarkRead(s.opts.AgentName, ids); err != nil {
		s.opts.logf("session: marking inbox read for %s: %v", s.opts.AgentName, err)
	}
	return sb.String()
}

// teardown reaps the child: SIGTERM, then SIGKILL after the grace period.
// Deregisters the agent on error paths.
func (s *supervisor) teardown(failed bool) {
	if failed && s.opts.Registry != nil && s.opts.AgentName != "" {
		s.opts.Registry.Deregister(s.opts.AgentName)
	}
	if s.exited {
		return
	}

	_ = s.proc.Signal(syscall.SIGTERM)
	select {
	case <-s.exitCh:
		return
	case <-time.After(KillGrace):
	}
	_ = s.proc.Kill()
	select {
	case <-s.exitCh:
	case <-time.After(KillGrace):
		s.opts.logf("session: pid %d did not reap after SIGKILL", s.proc.Pid)
	}
}

// mergeOutputs combines agent message text with tool-extracted text.
func mergeOutputs(agentOut, toolOut string) string {
	const fence = "\n\n--- Tool Output ---\n"
	switch {
	case len(agentOut) > 500 && len(toolOut) > 100 && !strings.Contains(agentOut, head(toolOut, 200)):
		return agentOut + fence + toolOut
	case len(agentOut) > 500:
		return agentOut
	case len(toolOut) > 0:
		return agentOut + fence + toolOut
	default:
		return agentOut
	}
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Version is stamped by the build; the CLI prints it and the handshake
// reports it.
var Version = "dev"
