package app

import (
	"fmt"
	"syscall"
	"time"

	"github.com/jaervinen/taskbridge/internal/bus"
	"github.com/jaervinen/taskbridge/internal/domain"
	"github.com/jaervinen/taskbridge/internal/session"
)

// Broadcast fans a message from the orchestrator out to every agent inbox.
// A nil message with a nil error means the write failed and the messaging
// config asked to fail silently.
func (b *Bridge) Broadcast(content string) (*domain.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("message is required")
	}
	if !b.config().Messaging.Enabled {
		return nil, fmt.Errorf("messaging is disabled")
	}
	msg, err := b.bus.WriteMessage(orchestratorSender, domain.BroadcastRecipient, content, bus.WriteOptions{
		Type: domain.MsgBroadcast,
	})
	if err != nil {
		return nil, b.busWriteError("broadcast", err)
	}
	return msg, nil
}

// SendMessage delivers a direct message to a registered agent. Nudge-typed
// messages are allowed; anything else goes out as a plain message.
func (b *Bridge) SendMessage(to, content string, msgType domain.MessageType) (*domain.Message, error) {
	if to == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if content == "" {
		return nil, fmt.Errorf("message is required")
	}
	if !b.config().Messaging.Enabled {
		return nil, fmt.Errorf("messaging is disabled")
	}
	if b.registry.Get(to) == nil {
		return nil, fmt.Errorf("agent %q is not registered", to)
	}
	if msgType != domain.MsgNudge {
		msgType = domain.MsgMessage
	}
	msg, err := b.bus.WriteMessage(orchestratorSender, to, content, bus.WriteOptions{Type: msgType})
	if err != nil {
		return nil, b.busWriteError("send to "+to, err)
	}
	return msg, nil
}

// busWriteError downgrades a bus write failure to a logged no-op when the
// messaging config says to fail silently.
func (b *Bridge) busWriteError(op string, err error) error {
	if b.config().Messaging.FailSilently {
		b.logf("%s: bus write failed, continuing: %v", op, err)
		return nil
	}
	return err
}

// AgentStatusView is one get_agent_status row.
type AgentStatusView struct {
	Name            string             `json:"name"`
	Status          domain.AgentStatus `json:"status"`
	Model           string             `json:"model,omitempty"`
	CurrentTask     string             `json:"current_task,omitempty"`
	PID             int                `json:"pid,omitempty"`
	RegisteredAt    time.Time          `json:"registered_at"`
	LastHeartbeat   time.Time          `json:"last_heartbeat"`
	LastActivity    time.Time          `json:"last_activity"`
	UptimeSeconds   int64              `json:"uptime_seconds"`
	PendingMessages int                `json:"pending_messages"`
	PendingRequests int                `json:"pending_requests"`
}

// AgentStatuses sweeps dead agents, refreshes inbox counts and returns every
// registry entry.
func (b *Bridge) AgentStatuses() []AgentStatusView {
	if dead := b.registry.DetectDead(); len(dead) > 0 {
		b.logf("registry: marked dead: %v", dead)
	}

	entries := b.registry.GetAll()
	out := make([]AgentStatusView, 0, len(entries))
	for _, e := range entries {
		unread, err := b.bus.UnreadCount(e.Name)
		if err != nil {
			b.logf("inbox count for %s: %v", e.Name, err)
		}
		open, err := b.bus.OpenRequestCountFor(e.Name)
		if err != nil {
			b.logf("request count for %s: %v", e.Name, err)
		}
		b.registry.UpdateMessageCounts(e.Name, unread, open)

		out = append(out, AgentStatusView{
			Name:            e.Name,
			Status:          e.Status,
			Model:           e.Model,
			CurrentTask:     e.CurrentTask,
			PID:             e.PID,
			RegisteredAt:    e.RegisteredAt,
			LastHeartbeat:   e.LastHeartbeat,
			LastActivity:    e.LastActivity,
			UptimeSeconds:   b.registry.GetUptimeSeconds(e.Name),
			PendingMessages: unread,
			PendingRequests: open,
		})
	}
	return out
}

// ShutdownAgent asks a registered agent to wind down via a shutdown-typed
// message. The agent picks it up at its next context injection.
func (b *Bridge) ShutdownAgent(name string) error {
	if !b.config().Messaging.Enabled {
		return fmt.Errorf("messaging is disabled")
	}
	if b.registry.Get(name) == nil {
		return fmt.Errorf("agent %q is not registered", name)
	}
	_, err := b.bus.WriteMessage(orchestratorSender, name, "shutdown requested by orchestrator", bus.WriteOptions{
		Type: domain.MsgShutdown,
	})
	if err != nil {
		if err = b.busWriteError("shutdown "+name, err); err != nil {
			return fmt.Errorf("send shutdown to %s: %w", name, err)
		}
	}
	b.registry.UpdateStatus(name, domain.AgentWaiting, "")
	return nil
}

// KillAgent terminates an agent process group immediately: SIGTERM now,
// SIGKILL after the grace period, and the registry entry goes dead.
func (b *Bridge) KillAgent(name string) error {
	entry := b.registry.Get(name)
	if entry == nil {
		return fmt.Errorf("agent %q is not registered", name)
	}
	if entry.PID > 0 {
		_ = syscall.Kill(-entry.PID, syscall.SIGTERM)
		go func(pid int) {
			time.Sleep(session.KillGrace)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}(entry.PID)
	}
	b.registry.UpdateStatus(name, domain.AgentDead, "")
	b.logf("agent %s killed (pid %d)", name, entry.PID)
	return nil
}

// Shutdown winds the whole bridge down: broadcast a shutdown notice, reap
// every registered agent process, then clear the bus and registry.
func (b *Bridge) Shutdown() {
	b.logf("shutdown: notifying agents")
	b.notifyShutdown()

	var pids []int
	for _, e := range b.registry.GetAll() {
		if e.PID > 0 {
			pids = append(pids, e.PID)
		}
	}
	for _, pid := range pids {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	if len(pids) > 0 {
		deadline := time.Now().Add(session.KillGrace)
		for time.Now().Before(deadline) && anyAlive(pids) {
			time.Sleep(100 * time.Millisecond)
		}
		for _, pid := range pids {
			if syscall.Kill(pid, 0) == nil {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}
	}

	if err := b.bus.CleanupAll(); err != nil {
		b.logf("shutdown: bus cleanup: %v", err)
	}
	b.registry.Clear()
	b.logf("shutdown: complete")
}

// notifyShutdown broadcasts a shutdown-typed notice so agents can tell it
// apart from informational broadcasts.
func (b *Bridge) notifyShutdown() {
	if !b.config().Messaging.Enabled {
		return
	}
	_, err := b.bus.WriteMessage(orchestratorSender, domain.BroadcastRecipient, "bridge shutting down", bus.WriteOptions{
		Type: domain.MsgShutdown,
	})
	if err != nil {
		b.logf("shutdown broadcast: %v", err)
	}
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if syscall.Kill(pid, 0) == nil {
			return true
		}
	}
	return false
}
