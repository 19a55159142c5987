package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/taskgraph"
)

// Orchestrator turns goals into tasks, matches ready tasks to agents,
// absorbs worker results, and retries failed work. Reactivity comes from
// the graph subscription; liveness comes from the periodic cycle, which
// catches missed events and agents that appear without a graph event.
type Orchestrator struct {
	graph   *taskgraph.Graph
	agents  AgentProvider
	sender  MessageSender
	config  Config
	log     *eventLog
	metrics *Metrics

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
	unsubscribe func()
}

// New wires an orchestrator over a task graph and its collaborators.
func New(graph *taskgraph.Graph, agents AgentProvider, sender MessageSender, opts ...Option) *Orchestrator {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Orchestrator{
		graph:   graph,
		agents:  agents,
		sender:  sender,
		config:  config,
		log:     newEventLog(),
		metrics: newMetrics(),
	}
}

// Metrics returns the orchestrator's private metric set.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Start subscribes to the graph and begins the periodic assignment cycle.
// Calling Start on a running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	o.unsubscribe = o.graph.Subscribe(func(event taskgraph.Event) {
		o.handleTaskEvent(context.Background(), event)
	})

	go o.run(o.stopCh, o.done)
	o.log.append("orchestrator_started", nil)
	slog.Info("orchestrator started", "poll_interval", o.config.PollInterval.String())
}

// Stop halts the ticker and detaches from the graph. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	done := o.done
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	<-done
	o.log.append("orchestrator_stopped", nil)
	slog.Info("orchestrator stopped")
}

// IsRunning reports whether the periodic cycle is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := o.AssignmentCycle(context.Background()); err != nil {
				slog.Error("assignment cycle failed", "error", err)
			}
		}
	}
}

// AssignmentCycle pulls up to MaxAssignmentsPerCycle ready tasks and tries
// to hand each to the best available agent. One cycle never assigns two
// tasks to the same agent. Returns the decisions that were delivered.
func (o *Orchestrator) AssignmentCycle(ctx context.Context) ([]*AssignmentDecision, error) {
	start := time.Now()
	defer func() {
		o.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	}()
	cycleID := shortuuid.New()

	limit := o.config.MaxAssignmentsPerCycle
	tasks, err := o.graph.QueryTasks(ctx, &taskgraph.QueryFilter{
		Statuses:      []store.TaskStatus{store.TaskPending},
		Unowned:       true,
		UnblockedOnly: true,
		Limit:         &limit,
	})
	if err != nil {
		return nil, err
	}
	if summary, err := o.graph.GetSummary(ctx); err == nil {
		o.metrics.queueDepth.Set(float64(summary.ByStatus[store.TaskPending]))
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	agents, err := o.agents.GetAvailableAgents(ctx)
	if err != nil {
		slog.Error("agent provider failed", "cycle_id", cycleID, "error", err)
		o.log.append("agent_provider_error", map[string]string{"error": err.Error()})
		return nil, nil
	}

	exclude := map[string]bool{}
	var decisions []*AssignmentDecision
	for _, task := range tasks {
		decision, err := o.selectBestAgent(ctx, task, agents, exclude)
		if err != nil {
			slog.Error("matcher failed", "cycle_id", cycleID, "task_id", task.ID, "error", err)
			continue
		}
		if decision == nil {
			break
		}
		ok, err := o.graph.AssignTask(ctx, task.ID, decision.AgentID, task.Version)
		if err != nil {
			slog.Error("assign failed", "cycle_id", cycleID, "task_id", task.ID, "error", err)
			continue
		}
		if !ok {
			o.metrics.assignmentsTotal.WithLabelValues("conflict").Inc()
			continue
		}
		exclude[decision.AgentID] = true
		decisions = append(decisions, decision)
		o.metrics.assignmentsTotal.WithLabelValues("assigned").Inc()
		o.log.append("task_assigned", map[string]string{
			"task_id":  task.ID,
			"agent_id": decision.AgentID,
			"reason":   decision.Reason,
		})
		o.sendMessage(ctx, decision.AgentID, taskMessageFor(task, MessageAssignment))
	}
	return decisions, nil
}

// handleTaskEvent reacts to committed graph transitions. Unblocked tasks
// get a fast-path assignment; retryable failures go through recovery. The
// event's task may be stale by arrival, so both paths re-fetch.
func (o *Orchestrator) handleTaskEvent(ctx context.Context, event taskgraph.Event) {
	switch event.Type {
	case taskgraph.EventTaskUnblocked:
		o.tryAssignTask(ctx, event.Task.ID)
	case taskgraph.EventTaskFailed:
		if !event.CanRetry {
			return
		}
		task, err := o.graph.GetTask(ctx, event.Task.ID)
		if err != nil || task == nil {
			return
		}
		o.attemptRecovery(ctx, task)
	}
}

// attemptRecovery retries a failed task, preferring an agent other than
// the one that just failed it. When only the same agent is available it
// gets the task back. Exhausted budgets are logged and left alone.
func (o *Orchestrator) attemptRecovery(ctx context.Context, task *store.Task) {
	agents, err := o.agents.GetAvailableAgents(ctx)
	if err != nil {
		slog.Error("agent provider failed during recovery", "task_id", task.ID, "error", err)
		return
	}

	var alternate *Agent
	for _, agent := range agents {
		if agent.Status.Assignable() && agent.ID != task.Owner() {
			alternate = agent
			break
		}
	}

	targetID := ""
	messageType := MessageReassignment
	if alternate != nil {
		targetID = alternate.ID
	} else if owner := task.Owner(); owner != "" {
		// Same-owner fallback only when the provider still knows the agent.
		if known, err := o.agents.GetAgent(ctx, owner); err == nil && known != nil {
			targetID = owner
		}
	}
	if targetID == "" {
		o.log.append("task_recovery_exhausted", map[string]string{"task_id": task.ID, "reason": "no agent available"})
		return
	}

	ok, err := o.graph.RetryTask(ctx, task.ID, targetID)
	if err != nil {
		slog.Error("retry failed", "task_id", task.ID, "agent_id", targetID, "error", err)
		return
	}
	if !ok {
		o.metrics.recoveriesTotal.WithLabelValues("exhausted").Inc()
		o.log.append("task_recovery_exhausted", map[string]string{
			"task_id":     task.ID,
			"retry_count": fmt.Sprintf("%d", task.RetryCount),
		})
		return
	}
	o.metrics.recoveriesTotal.WithLabelValues("retried").Inc()
	o.log.append("task_retried", map[string]string{"task_id": task.ID, "agent_id": targetID})
	if fresh, err := o.graph.GetTask(ctx, task.ID); err == nil && fresh != nil {
		o.sendMessage(ctx, targetID, taskMessageFor(fresh, messageType))
	}
}

// tryAssignTask is the fast path for a single freshly runnable task.
func (o *Orchestrator) tryAssignTask(ctx context.Context, taskID string) {
	task, err := o.graph.GetTask(ctx, taskID)
	if err != nil || task == nil || task.Status != store.TaskPending {
		return
	}
	agents, err := o.agents.GetAvailableAgents(ctx)
	if err != nil {
		slog.Error("agent provider failed", "task_id", taskID, "error", err)
		return
	}
	decision, err := o.selectBestAgent(ctx, task, agents, nil)
	if err != nil || decision == nil {
		return
	}
	ok, err := o.graph.AssignTask(ctx, task.ID, decision.AgentID, task.Version)
	if err != nil || !ok {
		return
	}
	o.metrics.assignmentsTotal.WithLabelValues("assigned").Inc()
	o.log.append("task_assigned", map[string]string{
		"task_id":  task.ID,
		"agent_id": decision.AgentID,
		"reason":   decision.Reason,
	})
	o.sendMessage(ctx, decision.AgentID, taskMessageFor(task, MessageAssignment))
}

// CancelTask cancels a task and, when a worker held it, tells that worker
// to stop.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (bool, error) {
	task, err := o.graph.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	owner := task.Owner()
	ok, err := o.graph.CancelTask(ctx, taskID, task.Version)
	if err != nil || !ok {
		return false, err
	}
	o.log.append("task_cancelled", map[string]string{"task_id": taskID})
	if owner != "" {
		o.sendMessage(ctx, owner, &TaskMessage{TaskID: taskID, Type: MessageCancellation})
	}
	return true, nil
}

// Status is a point-in-time view of the orchestrator and its graph.
type Status struct {
	Running bool                                     `json:"running"`
	Summary *taskgraph.Summary                       `json:"summary"`
	Agents  map[string][]taskgraph.CapabilitySummary `json:"agents"`
}

// GetStatus reports running state, a graph census, and the five strongest
// capabilities of each known agent.
func (o *Orchestrator) GetStatus(ctx context.Context) (*Status, error) {
	summary, err := o.graph.GetSummary(ctx)
	if err != nil {
		return nil, err
	}
	profiles, err := o.graph.GetAllCapabilityProfiles(ctx)
	if err != nil {
		return nil, err
	}
	agents := make(map[string][]taskgraph.CapabilitySummary, len(profiles))
	for _, profile := range profiles {
		agents[profile.AgentID] = taskgraph.TopCapabilities(profile, 5)
	}
	return &Status{Running: o.IsRunning(), Summary: summary, Agents: agents}, nil
}

// GetEventLog returns up to limit log entries, most recent first.
func (o *Orchestrator) GetEventLog(limit int) []LogEntry {
	return o.log.tail(limit)
}

// sendMessage is fire-and-forget; delivery failures are logged and the
// task stays assigned for the next cycle to observe.
func (o *Orchestrator) sendMessage(ctx context.Context, agentID string, message *TaskMessage) {
	if err := o.sender.SendTaskMessage(ctx, agentID, message); err != nil {
		slog.Error("message send failed",
			"agent_id", agentID,
			"task_id", message.TaskID,
			"type", string(message.Type),
			"error", err)
		o.log.append("message_send_error", map[string]string{
			"agent_id": agentID,
			"task_id":  message.TaskID,
			"error":    err.Error(),
		})
	}
}

// sendNotification mirrors sendMessage for free-form agent notices.
func (o *Orchestrator) sendNotification(ctx context.Context, agentID string, text string) {
	if err := o.sender.SendNotification(ctx, agentID, text); err != nil {
		slog.Error("notification send failed", "agent_id", agentID, "error", err)
		o.log.append("notification_send_error", map[string]string{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
}

func taskMessageFor(task *store.Task, messageType MessageType) *TaskMessage {
	return &TaskMessage{
		TaskID:          task.ID,
		Type:            messageType,
		Input:           task.Input,
		ExpectedOutput:  task.ExpectedOutput,
		SuccessCriteria: task.AcceptanceCriteria,
		TimeoutMs:       task.TimeoutMs,
	}
}
