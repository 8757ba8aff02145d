// Package domain holds the bridge entities and their state machines.
// It has no dependencies on other packages.
package domain

import (
	"os"
	"time"
)

// TaskState is the lifecycle state of a single agent invocation.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one agent invocation. Exactly one terminal transition happens per
// task; CompletedAt is set iff the state is no longer running, and Proc is
// released on the terminal transition.
type Task struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Model       string    `json:"model"`
	Project     string    `json:"project"`
	Prompt      string    `json:"prompt"`
	State       TaskState `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Team        string    `json:"team,omitempty"`
	ToolCalls   int       `json:"tool_calls"`
	OutputBytes int       `json:"output_bytes"`

	// Proc is the running agent process, owned exclusively by this task.
	// Never persisted.
	Proc *os.Process `json:"-"`
}

// TaskPatch is a partial update applied to a stored task. Nil fields are
// left unchanged.
type TaskPatch struct {
	State       *TaskState
	CompletedAt *time.Time
	Output      *string
	Error       *string
	ToolCalls   *int
	OutputBytes *int
}

// WorkflowState is the lifecycle state of a workflow or a step.
type WorkflowState string

const (
	StepPending   WorkflowState = "pending"
	StepRunning   WorkflowState = "running"
	StepCompleted WorkflowState = "completed"
	StepFailed    WorkflowState = "failed"
	StepSkipped   WorkflowState = "skipped"
)

// StepDef is one node in a workflow DAG.
type StepDef struct {
	Name      string   `json:"name"`
	Agent     string   `json:"agent"`
	Prompt    string   `json:"prompt"`
	Model     string   `json:"model,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// StepResult tracks the execution of a single step.
type StepResult struct {
	Name        string        `json:"name"`
	Agent       string        `json:"agent"`
	State       WorkflowState `json:"state"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
}

// Workflow is a named DAG of steps. The dependency graph is acyclic and
// every named dependency resolves to an existing step; a step starts only
// when all its dependencies completed, and a failed or skipped dependency
// cascades to skipped.
type Workflow struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Project   string                 `json:"project"`
	Steps     []StepDef              `json:"steps"`
	CreatedAt time.Time              `json:"created_at"`
	State     WorkflowState          `json:"state"`
	Results   map[string]*StepResult `json:"results"`
}

// AgentStatus is the registry-visible status of an agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentIdle    AgentStatus = "idle"
	AgentWaiting AgentStatus = "waiting"
	AgentDead    AgentStatus = "dead"
)

// AgentEntry is one row in the shared agent registry. Name is the primary
// key; re-registration replaces the prior entry atomically.
type AgentEntry struct {
	Name            string      `json:"name"`
	Status          AgentStatus `json:"status"`
	Model           string      `json:"model,omitempty"`
	CurrentTask     string      `json:"current_task,omitempty"`
	RegisteredAt    time.Time   `json:"registered_at"`
	LastHeartbeat   time.Time   `json:"last_heartbeat"`
	LastActivity    time.Time   `json:"last_activity"`
	PID             int         `json:"pid,omitempty"`
	PendingMessages int         `json:"pending_messages"`
	PendingRequests int         `json:"pending_requests"`
}

// MessageType distinguishes bus message intents.
type MessageType string

const (
	MsgMessage   MessageType = "message"
	MsgRequest   MessageType = "request"
	MsgResponse  MessageType = "response"
	MsgNudge     MessageType = "nudge"
	MsgBroadcast MessageType = "broadcast"
	MsgShutdown  MessageType = "shutdown"
)

// BroadcastRecipient is the sentinel "to" value that fans a message out to
// every inbox except the sender's.
const BroadcastRecipient = "all"

// Message is one bus message. Content is bounded to 64 KiB; within a
// recipient inbox, file-sort order follows creation time.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	Read      bool        `json:"read"`
}

// RequestStatus is the lifecycle state of an open task request.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestClaimed   RequestStatus = "claimed"
	RequestCompleted RequestStatus = "completed"
	RequestExpired   RequestStatus = "expired"
)

// TaskRequest is the open-claim primitive used between agents: a broadcast
// solicitation that at most one agent may claim. Once CreatedAt plus
// TimeoutSeconds elapses, the next observing operation rewrites the status
// to expired.
type TaskRequest struct {
	ID             string        `json:"id"`
	From           string        `json:"from"`
	Description    string        `json:"description"`
	Context        string        `json:"context,omitempty"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	ClaimedAt      time.Time     `json:"claimed_at,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds"`
}

// Expired reports whether the request deadline has passed at now.
func (r *TaskRequest) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAt) > time.Duration(r.TimeoutSeconds)*time.Second
}
