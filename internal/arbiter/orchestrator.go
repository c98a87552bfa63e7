// Package arbiter implements the Arbiter Orchestrator: the composition root
// that wires registry, queue, assignment manager, router, and constitutional
// runtime, exposes the task-submit / agent-register / status APIs, and
// routes events between components.
//
// Components are initialized once and handed to the request path; the
// dispatch loop bounds in-flight work by maxConcurrentTasks.
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/assignment"
	"github.com/arbiterhq/arbiter/internal/constitutional"
	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/judge"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/router"
	"github.com/arbiterhq/arbiter/internal/security"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

// Config tunes the orchestrator's own knobs.
type Config struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	DispatchInterval   time.Duration
}

// DefaultConfig returns maxConcurrentTasks=50, taskTimeout=5min.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 50,
		TaskTimeout:        5 * time.Minute,
		DispatchInterval:   100 * time.Millisecond,
	}
}

// RecoveryAdapter is the external collaborator consulted on task failure
// for retry policy decisions. A nil adapter means no retries beyond the
// assignment manager's own reassignment budget.
type RecoveryAdapter interface {
	ShouldRetry(ctx context.Context, taskID string, attempt int, cause error) bool
}

// Deps collects the components the orchestrator composes. Registry, Queue,
// Router, Assignments, Tracker, and Constitutional are required; Validator,
// AgentStore, and Recovery are optional collaborators.
type Deps struct {
	Registry       *registry.Registry
	Tracker        *registry.Tracker
	Queue          *queue.Queue
	Router         *router.Router
	Assignments    *assignment.Manager
	Constitutional *constitutional.Runtime
	Validator      security.Validator
	AgentStore     store.AgentRepository
	Recovery       RecoveryAdapter
	Notifier       store.NotificationAdapter
	Judge          judge.Judge
	Bus            *events.Bus
	Metrics        *Metrics
}

// Orchestrator is the control plane. It owns no business logic; every
// decision is delegated to the component that owns it, and all
// cross-component communication flows through public operations and the
// event bus.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *logging.Logger

	mu            sync.Mutex
	inFlight      int
	inFlightTasks map[string]queue.Task

	nowFunc func() time.Time
}

// New wires an Orchestrator and registers its reassignment hook with the
// assignment manager.
func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		deps:          deps,
		log:           logging.New("arbiter-orchestrator"),
		inFlightTasks: make(map[string]queue.Task),
		nowFunc:       time.Now,
	}
	deps.Assignments.OnReassign(o.handleReassign)
	if deps.Metrics != nil && deps.Bus != nil {
		deps.Metrics.Observe(deps.Bus)
	}
	return o
}

// SubmitInput is one client task submission.
type SubmitInput struct {
	Task        queue.Task
	Credentials *security.Credentials
	UserID      string
	SessionID   string
	Environment string
}

// SubmitResult reports where a submitted task landed.
type SubmitResult struct {
	TaskID        string
	AssignmentID  string
	WaiverApplied bool
}

// SubmitTask validates credentials, gates the submission through the
// constitutional runtime, enqueues on success, and attempts an immediate
// dispatch if capacity allows.
func (o *Orchestrator) SubmitTask(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	t := in.Task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}

	if in.Credentials != nil && o.deps.Validator != nil {
		if _, err := o.deps.Validator.Validate(*in.Credentials); err != nil {
			o.countSubmit("rejected")
			return SubmitResult{}, err
		}
	}

	payload, _ := t.Payload.(map[string]any)
	op := constitutional.Operation{
		ID:      t.ID,
		Type:    t.TaskType,
		Payload: payload,
	}
	ec := constitutional.EvalContext{
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		Environment: in.Environment,
		RequestID:   uuid.NewString(),
	}

	validation, err := o.deps.Constitutional.ValidateOperation(ctx, op, ec)
	if err != nil {
		o.countSubmit("blocked")
		return SubmitResult{}, err
	}
	if validation.SanitizedPayload != nil {
		t.Payload = validation.SanitizedPayload
	}

	if err := o.deps.Queue.Enqueue(t); err != nil {
		o.countSubmit("rejected")
		if errs.Is(err, errs.KindResourceExhaustion) {
			o.publish(events.SystemResourceAlert, events.SeverityHigh, map[string]any{
				"resource": "task-queue",
				"detail":   err.Error(),
			})
		}
		return SubmitResult{}, err
	}
	o.countSubmit("accepted")
	o.syncGauges()

	res := SubmitResult{TaskID: t.ID, WaiverApplied: validation.WaiverApplied}
	o.DispatchPending()
	if a, ok := o.deps.Assignments.GetByTask(t.ID); ok {
		res.AssignmentID = a.ID
	}
	return res, nil
}

// RegisterAgent validates credentials and passes through to the Agent
// Registry, persisting the profile best-effort when an agent store is
// configured.
func (o *Orchestrator) RegisterAgent(ctx context.Context, in registry.RegisterInput, creds *security.Credentials) (registry.Profile, error) {
	if creds != nil && o.deps.Validator != nil {
		if _, err := o.deps.Validator.Validate(*creds); err != nil {
			return registry.Profile{}, err
		}
	}

	p, err := o.deps.Registry.Register(in)
	if err != nil {
		if errs.Is(err, errs.KindResourceExhaustion) {
			o.publish(events.SystemResourceAlert, events.SeverityHigh, map[string]any{
				"resource": "agent-registry",
				"detail":   err.Error(),
			})
		}
		return registry.Profile{}, err
	}

	if o.deps.AgentStore != nil {
		if err := o.deps.AgentStore.SaveAgent(ctx, store.AgentRecord{Profile: p, UpdatedAt: o.nowFunc()}); err != nil {
			o.log.Warn(ctx, "", p.ID, "agent persistence failed; registry remains authoritative", map[string]any{"error": err.Error()})
		}
	}
	o.syncGauges()
	return p, nil
}

// UnregisterAgent removes an agent from the registry and, best-effort, the
// store.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, id string) bool {
	ok := o.deps.Registry.Unregister(id)
	if ok && o.deps.AgentStore != nil {
		if err := o.deps.AgentStore.DeleteAgent(ctx, id); err != nil {
			o.log.Warn(ctx, "", id, "agent delete persistence failed", map[string]any{"error": err.Error()})
		}
	}
	o.syncGauges()
	return ok
}

// GetAgentProfile returns an agent's profile, or a not-found error.
func (o *Orchestrator) GetAgentProfile(id string) (registry.Profile, error) {
	return o.deps.Registry.Get(id)
}

// UpdateAgentPerformance folds an externally reported outcome into an
// agent's history through the Performance Tracker.
func (o *Orchestrator) UpdateAgentPerformance(ctx context.Context, agentID string, outcome registry.Outcome) error {
	updated, err := o.deps.Tracker.Record(agentID, outcome)
	if err != nil {
		return err
	}
	if o.deps.AgentStore != nil {
		if err := o.deps.AgentStore.RecordPerformance(ctx, agentID, outcome.TaskType, updated.Performance); err != nil {
			o.log.Warn(ctx, "", agentID, "performance persistence failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// DispatchPending drains the queue while capacity allows, routing and
// assigning each task. Returns the id of the last agent assigned, or ""
// when nothing was dispatched.
func (o *Orchestrator) DispatchPending() string {
	var lastAgent string
	for {
		o.mu.Lock()
		if o.inFlight >= o.cfg.MaxConcurrentTasks {
			o.mu.Unlock()
			return lastAgent
		}
		o.mu.Unlock()

		t, ok := o.deps.Queue.Dequeue()
		if !ok {
			o.syncGauges()
			return lastAgent
		}
		if agentID := o.dispatchOne(t); agentID != "" {
			lastAgent = agentID
		}
	}
}

// dispatchOne routes a single task and creates its assignment. A routing
// failure marks the task failed; a dispatch failure never panics the loop.
func (o *Orchestrator) dispatchOne(t queue.Task) string {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error(context.Background(), t.ID, "", "dispatch panicked; task failed, loop continues", nil, map[string]any{"panic": r})
			o.deps.Queue.MarkFailed(t.ID)
		}
	}()

	start := o.nowFunc()
	decision := o.deps.Router.Route(router.Request{
		TaskID:                  t.ID,
		TaskType:                t.TaskType,
		RequiredLanguages:       t.RequiredLanguages,
		RequiredSpecializations: t.RequiredSpecializations,
	})
	elapsed := o.nowFunc().Sub(start)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRouting(elapsed)
	}
	o.log.WithDuration(context.Background(), t.ID, decision.SelectedAgentID, "routing decided", elapsed, map[string]any{
		"strategy": string(decision.Strategy),
		"attempt":  t.Attempt,
	})

	if decision.Failed {
		o.deps.Queue.MarkFailed(t.ID)
		o.publish(events.TaskFailed, events.SeverityMedium, map[string]any{
			"task_id": t.ID,
			"reason":  decision.FailureReason,
		})
		o.countFinished("failed")
		return ""
	}

	asnID := uuid.NewString()
	o.deps.Assignments.Create(asnID, t.ID, decision.SelectedAgentID, t.Attempt)
	if _, err := o.deps.Registry.UpdateLoad(decision.SelectedAgentID, 1, 0); err != nil {
		o.log.Warn(context.Background(), t.ID, decision.SelectedAgentID, "load increment failed", map[string]any{"error": err.Error()})
	}

	o.mu.Lock()
	o.inFlight++
	o.inFlightTasks[t.ID] = t
	o.mu.Unlock()
	o.syncGauges()

	return decision.SelectedAgentID
}

// Acknowledge records a worker agent's acceptance of an assignment.
func (o *Orchestrator) Acknowledge(assignmentID string) error {
	_, err := o.deps.Assignments.Acknowledge(assignmentID)
	return err
}

// StartWork records a worker agent beginning execution.
func (o *Orchestrator) StartWork(assignmentID string) error {
	_, err := o.deps.Assignments.Start(assignmentID)
	return err
}

// Heartbeat records worker liveness for an in-progress assignment.
func (o *Orchestrator) Heartbeat(assignmentID string) error {
	return o.deps.Assignments.Heartbeat(assignmentID)
}

// CompleteTask is the outcome intake for a successful assignment: the
// performance history is updated before task.completed is published.
func (o *Orchestrator) CompleteTask(ctx context.Context, assignmentID string, outcome registry.Outcome) error {
	a, err := o.deps.Assignments.Complete(assignmentID)
	if err != nil {
		return err
	}

	outcome.Success = true
	if err := o.UpdateAgentPerformance(ctx, a.AgentID, outcome); err != nil {
		o.log.Warn(ctx, a.TaskID, a.AgentID, "outcome recording failed", map[string]any{"error": err.Error()})
	}
	o.releaseTask(a.TaskID, a.AgentID)
	o.deps.Queue.MarkCompleted(a.TaskID)

	o.publish(events.TaskCompleted, events.SeverityInfo, map[string]any{
		"task_id":  a.TaskID,
		"agent_id": a.AgentID,
		"quality":  outcome.Quality,
	})
	o.countFinished("completed")
	return nil
}

// FailTask is the outcome intake for a failed assignment. The failure is
// recorded against the agent, then the recovery adapter decides whether the
// task is requeued or terminally failed.
func (o *Orchestrator) FailTask(ctx context.Context, assignmentID string, outcome registry.Outcome, cause error) error {
	a, err := o.deps.Assignments.Fail(assignmentID)
	if err != nil {
		return err
	}

	outcome.Success = false
	if err := o.UpdateAgentPerformance(ctx, a.AgentID, outcome); err != nil {
		o.log.Warn(ctx, a.TaskID, a.AgentID, "outcome recording failed", map[string]any{"error": err.Error()})
	}

	o.mu.Lock()
	t, tracked := o.inFlightTasks[a.TaskID]
	o.mu.Unlock()
	o.releaseTask(a.TaskID, a.AgentID)

	if tracked && o.deps.Recovery != nil && o.deps.Recovery.ShouldRetry(ctx, a.TaskID, a.Attempt, cause) {
		t.Attempt = a.Attempt + 1
		if err := o.deps.Queue.Enqueue(t); err == nil {
			o.DispatchPending()
			return nil
		}
	}

	o.deps.Queue.MarkFailed(a.TaskID)
	reason := "task-failed"
	if cause != nil {
		reason = cause.Error()
	}
	o.publish(events.TaskFailed, events.SeverityMedium, map[string]any{
		"task_id":  a.TaskID,
		"agent_id": a.AgentID,
		"reason":   reason,
	})
	o.countFinished("failed")
	return nil
}

// CancelTask cancels a task wherever it currently is: queued tasks are
// terminally failed, in-progress assignments are cancelled. Returns false
// when the task is unknown or already terminal.
func (o *Orchestrator) CancelTask(taskID string) bool {
	if a, ok := o.deps.Assignments.GetByTask(taskID); ok {
		if _, err := o.deps.Assignments.CancelAny(a.ID); err != nil {
			return false
		}
		o.releaseTask(taskID, a.AgentID)
		o.deps.Queue.MarkFailed(taskID)
		return true
	}

	if o.deps.Queue.GetTaskState(taskID) == queue.StateQueued {
		o.deps.Queue.MarkFailed(taskID)
		return true
	}
	return false
}

// TaskStatus merges queue state and assignment state.
type TaskStatus struct {
	TaskID          string
	QueueState      queue.State
	AssignmentState assignment.State
	AgentID         string
	Attempt         int
}

// GetTaskStatus reports a task's merged state, or ok=false for an unknown
// id.
func (o *Orchestrator) GetTaskStatus(taskID string) (TaskStatus, bool) {
	qs := o.deps.Queue.GetTaskState(taskID)
	a, hasAssignment := o.deps.Assignments.GetByTask(taskID)
	if qs == queue.StateUnknown && !hasAssignment {
		return TaskStatus{}, false
	}

	st := TaskStatus{TaskID: taskID, QueueState: qs}
	if hasAssignment {
		st.AssignmentState = a.State
		st.AgentID = a.AgentID
		st.Attempt = a.Attempt
	}
	return st, true
}

// RequestWaiver passes through to the constitutional runtime and notifies
// approvers best-effort: a failed notification is logged, never propagated.
func (o *Orchestrator) RequestWaiver(in waiver.RequestInput) (waiver.Waiver, error) {
	w, err := o.deps.Constitutional.RequestWaiver(in)
	if err != nil {
		return waiver.Waiver{}, err
	}
	if o.deps.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if nerr := o.deps.Notifier.Notify(notifyCtx, "waiver-approvers", "waiver approval requested", map[string]any{
			"waiver_id":    w.ID,
			"policy_id":    w.PolicyID,
			"requested_by": w.RequestedBy,
			"reason":       w.Reason,
		}); nerr != nil {
			o.log.Warn(notifyCtx, "", "", "waiver approval notification failed", map[string]any{"error": nerr.Error()})
		}
	}
	return w, nil
}

// ScoreAndComplete completes an assignment whose quality has not been
// scored yet: the external judge scores the agent's output, and the verdict
// becomes the recorded outcome. Without a judge the output is recorded as a
// successful outcome with zero quality.
func (o *Orchestrator) ScoreAndComplete(ctx context.Context, assignmentID, taskType, taskPayload, agentOutput string, latencyMs float64, tokensUsed int) error {
	outcome := registry.Outcome{LatencyMs: latencyMs, TokensUsed: tokensUsed, TaskType: taskType}
	if o.deps.Judge != nil {
		verdict, err := o.deps.Judge.Score(ctx, taskType, taskPayload, agentOutput)
		if err != nil {
			o.log.Warn(ctx, "", "", "judge scoring failed; recording unscored outcome", map[string]any{"error": err.Error()})
		} else {
			outcome.Quality = verdict.Quality
			if !verdict.Success {
				return o.FailTask(ctx, assignmentID, outcome, errs.New(errs.KindInvalidInput, "judge-rejected", verdict.Rationale))
			}
		}
	}
	return o.CompleteTask(ctx, assignmentID, outcome)
}

// ApproveWaiver passes through to the constitutional runtime.
func (o *Orchestrator) ApproveWaiver(ctx context.Context, id, approver string) (waiver.Waiver, error) {
	return o.deps.Constitutional.ApproveWaiver(ctx, id, approver)
}

// RejectWaiver passes through to the constitutional runtime.
func (o *Orchestrator) RejectWaiver(id, rejecter, reason string) (waiver.Waiver, error) {
	return o.deps.Constitutional.RejectWaiver(id, rejecter, reason)
}

// Status is the aggregate health report.
type Status struct {
	Healthy    bool
	Components map[string]string
	Metrics    StatusMetrics
}

// StatusMetrics is the aggregated operational snapshot inside a Status.
type StatusMetrics struct {
	ActiveTasks      int
	QueuedTasks      int
	RegisteredAgents int
}

// GetStatus reports per-component health and aggregated metrics. Component
// degradations are reported, never raised as errors.
func (o *Orchestrator) GetStatus(ctx context.Context) Status {
	o.mu.Lock()
	active := o.inFlight
	o.mu.Unlock()

	components := map[string]string{
		"registry":    "ok",
		"queue":       "ok",
		"assignments": "ok",
		"router":      "ok",
	}

	healthy := true
	if o.deps.AgentStore != nil {
		if err := o.deps.AgentStore.Ping(ctx); err != nil {
			components["store"] = "degraded: " + err.Error()
			healthy = false
		} else {
			components["store"] = "ok"
		}
	}

	return Status{
		Healthy:    healthy,
		Components: components,
		Metrics: StatusMetrics{
			ActiveTasks:      active,
			QueuedTasks:      o.deps.Queue.Size(),
			RegisteredAgents: o.deps.Registry.Count(),
		},
	}
}

// Run drives the dispatch loop until ctx is cancelled: background sweeps
// are started, pending tasks are dispatched on an interval, and everything
// winds down with the context.
func (o *Orchestrator) Run(ctx context.Context) {
	o.deps.Registry.StartCleanup(ctx)
	o.deps.Assignments.StartSweeps(ctx)

	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.deps.Registry.StopCleanup()
			o.deps.Assignments.StopSweeps()
			return
		case <-ticker.C:
			o.DispatchPending()
		}
	}
}

// handleReassign reacts to the assignment manager's timeout sweep: the old
// agent's load is released, then the task is either requeued for a fresh
// routing pass or terminally failed once attempts are exhausted.
func (o *Orchestrator) handleReassign(d assignment.ReassignDecision) {
	o.mu.Lock()
	t, tracked := o.inFlightTasks[d.TaskID]
	o.mu.Unlock()
	o.releaseTask(d.TaskID, d.AgentID)

	if o.deps.Metrics != nil {
		o.deps.Metrics.Reassignments.Inc()
	}

	if d.Exceeded || !tracked {
		o.deps.Queue.MarkFailed(d.TaskID)
		o.countFinished("failed")
		return
	}

	t.Attempt = d.Attempt
	if err := o.deps.Queue.Enqueue(t); err != nil {
		o.log.Error(context.Background(), d.TaskID, d.AgentID, "requeue after reassignment failed", err, nil)
		o.deps.Queue.MarkFailed(d.TaskID)
		return
	}
	o.DispatchPending()
}

// releaseTask drops in-flight tracking and decrements the agent's load.
func (o *Orchestrator) releaseTask(taskID, agentID string) {
	o.mu.Lock()
	if _, ok := o.inFlightTasks[taskID]; ok {
		delete(o.inFlightTasks, taskID)
		o.inFlight--
	}
	o.mu.Unlock()

	if agentID != "" {
		if _, err := o.deps.Registry.UpdateLoad(agentID, -1, 0); err != nil && !errs.Is(err, errs.KindNotFound) {
			o.log.Warn(context.Background(), taskID, agentID, "load decrement failed", map[string]any{"error": err.Error()})
		}
	}
	o.syncGauges()
}

func (o *Orchestrator) countSubmit(outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.TasksSubmitted.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) countFinished(result string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.TasksCompleted.WithLabelValues(result).Inc()
	}
}

func (o *Orchestrator) syncGauges() {
	if o.deps.Metrics == nil {
		return
	}
	o.mu.Lock()
	active := o.inFlight
	o.mu.Unlock()
	o.deps.Metrics.ActiveTasks.Set(float64(active))
	o.deps.Metrics.QueueDepth.Set(float64(o.deps.Queue.Size()))
	o.deps.Metrics.RegisteredAgents.Set(float64(o.deps.Registry.Count()))
}

func (o *Orchestrator) publish(t events.Type, sev events.Severity, payload map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: o.nowFunc(),
		Severity:  sev,
		Source:    "orchestrator",
		Payload:   payload,
	})
}
