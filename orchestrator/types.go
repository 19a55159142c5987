package orchestrator

import (
	"context"
	"encoding/json"
	"time"
)

// AgentStatus describes a worker as reported by the agent provider.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentRestored AgentStatus = "restored"
	AgentOffline  AgentStatus = "offline"
)

// Assignable reports whether an agent in this status may receive work.
func (s AgentStatus) Assignable() bool {
	return s == AgentIdle || s == AgentRestored
}

// Agent is a snapshot of one external worker.
type Agent struct {
	ID           string      `json:"id"`
	Status       AgentStatus `json:"status"`
	Role         string      `json:"role,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
}

// AgentProvider supplies the current worker roster. Implementations may
// block on network or IPC; errors are absorbed by the orchestrator.
type AgentProvider interface {
	GetAvailableAgents(ctx context.Context) ([]*Agent, error)
	// GetAgent returns the agent or nil when the id is unknown.
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// MessageType classifies an orchestrator-to-agent message.
type MessageType string

const (
	MessageAssignment            MessageType = "assignment"
	MessageReassignment          MessageType = "reassignment"
	MessageCancellation          MessageType = "cancellation"
	MessageBlockedNotification   MessageType = "blocked_notification"
	MessageUnblockedNotification MessageType = "unblocked_notification"
)

// TaskMessage is the payload delivered to a worker. TimeoutMs is advisory;
// the worker is expected to self-cancel on overrun.
type TaskMessage struct {
	TaskID          string          `json:"taskId"`
	Type            MessageType     `json:"type"`
	Input           json.RawMessage `json:"input,omitempty"`
	ExpectedOutput  json.RawMessage `json:"expectedOutput,omitempty"`
	SuccessCriteria string          `json:"successCriteria,omitempty"`
	TimeoutMs       int64           `json:"timeoutMs,omitempty"`
}

// MessageSender delivers task messages and free-form notifications to
// agents. Delivery is fire-and-forget from the orchestrator's point of
// view; a send error is logged, never propagated.
type MessageSender interface {
	SendTaskMessage(ctx context.Context, agentID string, message *TaskMessage) error
	SendNotification(ctx context.Context, agentID string, text string) error
}

// ResultStatus is the verdict a worker reports for a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// ResultConfidence grades how sure the worker is about its output.
type ResultConfidence string

const (
	ConfidenceHigh   ResultConfidence = "high"
	ConfidenceMedium ResultConfidence = "medium"
	ConfidenceLow    ResultConfidence = "low"
)

// TaskResult is a worker's report for one task execution.
type TaskResult struct {
	TaskID       string           `json:"taskId"`
	Status       ResultStatus     `json:"status"`
	Output       json.RawMessage  `json:"output,omitempty"`
	Confidence   ResultConfidence `json:"confidence,omitempty"`
	DurationMs   int64            `json:"durationMs,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// ErrVersionConflict marks a submit rejected by the optimistic guard.
const ErrVersionConflict = "version_conflict"

// SubmitOutcome reports how a result submission landed.
type SubmitOutcome struct {
	Accepted       bool     `json:"accepted"`
	UnblockedTasks []string `json:"unblockedTasks,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// AssignmentDecision records one matcher verdict from an assignment cycle.
type AssignmentDecision struct {
	TaskID  string  `json:"taskId"`
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Config tunes the orchestrator's scheduling behavior.
type Config struct {
	// MaxRetries is the per-task retry ceiling applied when decomposing
	// goals whose subtasks leave it unset.
	MaxRetries int
	// PollInterval paces the periodic assignment cycle.
	PollInterval time.Duration
	// MaxAssignmentsPerCycle bounds how many tasks one cycle considers.
	MaxAssignmentsPerCycle int
	// MinCapabilityScore is the matcher's rejection threshold.
	MinCapabilityScore float64
}

// Option mutates the orchestrator configuration.
type Option func(*Config)

func WithMaxRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxRetries = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

func WithMaxAssignmentsPerCycle(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAssignmentsPerCycle = n
		}
	}
}

func WithMinCapabilityScore(score float64) Option {
	return func(c *Config) {
		if score > 0 {
			c.MinCapabilityScore = score
		}
	}
}

func defaultConfig() Config {
	return Config{
		MaxRetries:             3,
		PollInterval:           5 * time.Second,
		MaxAssignmentsPerCycle: 5,
		MinCapabilityScore:     0.1,
	}
}
