package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/assignment"
	"github.com/arbiterhq/arbiter/internal/bandit"
	"github.com/arbiterhq/arbiter/internal/constitutional"
	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/router"
	"github.com/arbiterhq/arbiter/internal/violation"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

type harness struct {
	orch    *Orchestrator
	reg     *registry.Registry
	waivers *waiver.Manager
	bus     *events.Bus
}

// newHarness wires a full orchestrator with epsilon=0 so selection is
// deterministic, no persistence, and the given policy set.
func newHarness(t *testing.T, policies []policy.Policy) *harness {
	t.Helper()

	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)
	tracker := registry.NewTracker(reg, nil, 64)
	q := queue.New(queue.DefaultConfig(), bus, nil)
	selector := bandit.NewSelector(bandit.Config{Epsilon: 0, TopKAlternatives: 5})
	rt := router.New(router.DefaultConfig(), reg, selector, bus)
	asn := assignment.New(assignment.DefaultConfig(), bus)
	wm := waiver.New(waiver.DefaultConfig(), bus)
	engine := policy.NewEngine(policies)
	handler := violation.New(violation.DefaultConfig(), nil, nil)
	constRT := constitutional.New(constitutional.DefaultConfig(), engine, handler, wm, nil, bus)

	orch := New(DefaultConfig(), Deps{
		Registry:       reg,
		Tracker:        tracker,
		Queue:          q,
		Router:         rt,
		Assignments:    asn,
		Constitutional: constRT,
		Bus:            bus,
	})
	return &harness{orch: orch, reg: reg, waivers: wm, bus: bus}
}

func registerAnalysisAgents(t *testing.T, h *harness, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.orch.RegisterAgent(context.Background(), registry.RegisterInput{
			ID: id, Name: "agent " + id, ModelFamily: "claude", TaskTypes: []string{"analysis"},
		}, nil)
		if err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func TestOptimisticBootstrapSpreadsAcrossUntriedAgents(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a", "agent-b", "agent-c")

	selected := map[string]bool{}
	for i := 0; i < 4; i++ {
		res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
			Task: queue.Task{TaskType: "analysis", Priority: 1},
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		st, ok := h.orch.GetTaskStatus(res.TaskID)
		if !ok || st.AgentID == "" {
			t.Fatalf("task %d not assigned: %+v", i, st)
		}
		if i < 3 {
			selected[st.AgentID] = true
		}
	}

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		if !selected[id] {
			t.Fatalf("expected %s selected within first three tasks, saw %v", id, selected)
		}
	}
}

func TestLearningShiftPrefersSuccessfulAgent(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a", "agent-b")

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := h.orch.UpdateAgentPerformance(ctx, "agent-a", registry.Outcome{Success: true, Quality: 0.9, LatencyMs: 800, TaskType: "analysis"}); err != nil {
			t.Fatal(err)
		}
		if err := h.orch.UpdateAgentPerformance(ctx, "agent-b", registry.Outcome{Success: false, Quality: 0.2, LatencyMs: 800, TaskType: "analysis"}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := h.orch.SubmitTask(ctx, SubmitInput{Task: queue.Task{TaskType: "analysis", Priority: 1}})
	if err != nil {
		t.Fatal(err)
	}
	st, _ := h.orch.GetTaskStatus(res.TaskID)
	if st.AgentID != "agent-a" {
		t.Fatalf("expected agent-a after 20/20 interleaved outcomes, got %s", st.AgentID)
	}

	d, ok := h.orch.deps.Router.Decision(res.TaskID)
	if !ok {
		t.Fatalf("expected recorded routing decision")
	}
	if d.Confidence < 0.85 {
		t.Fatalf("expected confidence >= 0.85, got %v", d.Confidence)
	}
}

func criticalDeletePolicy() policy.Policy {
	return policy.Policy{
		ID:        "no-system-delete",
		Name:      "no system delete",
		Principle: string(policy.PrincipleSafety),
		Severity:  policy.SeverityCritical,
		Enabled:   true,
		Rules: []policy.Rule{
			{ID: "r1", Field: "operation.type", Operator: "equals", Value: "system_delete", Message: "system_delete operations are forbidden"},
		},
	}
}

func TestPolicyBlockRefusesSubmission(t *testing.T) {
	h := newHarness(t, []policy.Policy{criticalDeletePolicy()})
	registerAnalysisAgents(t, h, "agent-a")

	detected := make(chan events.Event, 1)
	h.bus.Subscribe(events.ConstitutionalViolationsDetected, func(e events.Event) { detected <- e })

	_, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{ID: "del-1", TaskType: "system_delete", Priority: 1},
	})
	if !errs.Is(err, errs.KindPolicyBlock) {
		t.Fatalf("expected policy-block, got %v", err)
	}
	if state := h.orch.deps.Queue.GetTaskState("del-1"); state != queue.StateUnknown {
		t.Fatalf("blocked task must never be enqueued, state=%s", state)
	}

	select {
	case e := <-detected:
		if e.Severity != events.SeverityCritical {
			t.Fatalf("expected critical violations-detected event, got %s", e.Severity)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected constitutional.violations-detected event")
	}
}

func TestWaiverShadowsPolicyBlock(t *testing.T) {
	h := newHarness(t, []policy.Policy{criticalDeletePolicy()})
	registerAnalysisAgents(t, h, "agent-a")

	w, err := h.orch.RequestWaiver(waiver.RequestInput{
		PolicyID:         "no-system-delete",
		OperationPattern: "system_delete",
		Reason:           "scheduled decommission",
		RequestedBy:      "ops",
		ExpiresAt:        time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.ApproveWaiver(context.Background(), w.ID, "reviewer"); err != nil {
		t.Fatal(err)
	}

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "system_delete", Priority: 1},
	})
	if err != nil {
		t.Fatalf("waivered submission must pass, got %v", err)
	}
	if !res.WaiverApplied {
		t.Fatalf("expected WaiverApplied on result, got %+v", res)
	}
}

func TestSanitizationRoundTrip(t *testing.T) {
	policies := []policy.Policy{
		{
			ID: "privacy-pii", Name: "no pii", Principle: string(policy.PrinciplePrivacy),
			Severity: policy.SeverityMedium, Enabled: true, Remediation: "modify",
			Rules: []policy.Rule{{ID: "r1", Field: "operation.payload.email", Operator: "exists", Message: "raw email in payload"}},
		},
		{
			ID: "safety-perms", Name: "least privilege", Principle: string(policy.PrincipleSafety),
			Severity: policy.SeverityMedium, Enabled: true, Remediation: "modify",
			Rules: []policy.Rule{{ID: "r1", Field: "operation.payload.permissions", Operator: "contains", Value: "execute", Message: "execute permission requested"}},
		},
		{
			ID: "reliability-timeout", Name: "sane timeouts", Principle: string(policy.PrincipleReliability),
			Severity: policy.SeverityMedium, Enabled: true, Remediation: "modify",
			Rules: []policy.Rule{{ID: "r1", Field: "operation.payload.timeout", Operator: "less_than", Value: 5000, Message: "timeout below floor"}},
		},
	}
	h := newHarness(t, policies)
	registerAnalysisAgents(t, h, "agent-a")

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "analysis", Priority: 1, Payload: map[string]any{
			"text":        "Hi <script>alert(1)</script>",
			"email":       "a@b.com",
			"permissions": []any{"read", "write", "execute"},
			"timeout":     0,
		}},
	})
	if err != nil {
		t.Fatalf("medium violations must not block: %v", err)
	}

	h.orch.mu.Lock()
	task := h.orch.inFlightTasks[res.TaskID]
	h.orch.mu.Unlock()

	payload, ok := task.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected sanitized map payload, got %T", task.Payload)
	}
	if _, present := payload["email"]; present {
		t.Fatalf("email field must be removed: %+v", payload)
	}
	if text, _ := payload["text"].(string); text == "Hi <script>alert(1)</script>" {
		t.Fatalf("script tag must be stripped, got %q", text)
	}
	perms, ok := payload["permissions"].([]string)
	if !ok || len(perms) != 1 || perms[0] != "read" {
		t.Fatalf("permissions must be reduced to read-only, got %+v", payload["permissions"])
	}
	if timeout, _ := payload["timeout"].(int); timeout != 5000 {
		t.Fatalf("timeout must be clamped to 5000, got %v", payload["timeout"])
	}
}

func TestNoCapableAgentFailsTask(t *testing.T) {
	h := newHarness(t, nil)

	failed := make(chan events.Event, 1)
	h.bus.Subscribe(events.TaskFailed, func(e events.Event) { failed <- e })

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "analysis", Priority: 1},
	})
	if err != nil {
		t.Fatalf("submission itself succeeds; routing fails the task: %v", err)
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatalf("expected task.failed for no-capable-agent")
	}
	if state := h.orch.deps.Queue.GetTaskState(res.TaskID); state != queue.StateFailed {
		t.Fatalf("expected failed state, got %s", state)
	}
}

func TestCompleteTaskUpdatesPerformanceAndLoad(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a")

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "analysis", Priority: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.AssignmentID == "" {
		t.Fatalf("expected immediate dispatch")
	}

	p, _ := h.reg.Get("agent-a")
	if p.Load.ActiveTasks != 1 {
		t.Fatalf("expected load incremented on assignment, got %d", p.Load.ActiveTasks)
	}

	if err := h.orch.Acknowledge(res.AssignmentID); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.StartWork(res.AssignmentID); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.CompleteTask(context.Background(), res.AssignmentID, registry.Outcome{Quality: 0.9, LatencyMs: 500, TaskType: "analysis"}); err != nil {
		t.Fatal(err)
	}

	p, _ = h.reg.Get("agent-a")
	if p.Load.ActiveTasks != 0 {
		t.Fatalf("expected load released on completion, got %d", p.Load.ActiveTasks)
	}
	if p.Performance.TaskCount != 1 || p.Performance.SuccessRate != 1.0 {
		t.Fatalf("expected one successful outcome recorded, got %+v", p.Performance)
	}
	if state := h.orch.deps.Queue.GetTaskState(res.TaskID); state != queue.StateCompleted {
		t.Fatalf("expected completed state, got %s", state)
	}
}

func TestCancelQueuedAndAssignedTasks(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a")

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "analysis", Priority: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !h.orch.CancelTask(res.TaskID) {
		t.Fatalf("expected in-flight task cancellable")
	}
	if h.orch.CancelTask(res.TaskID) {
		t.Fatalf("second cancel must report false")
	}
	if h.orch.CancelTask("unknown-task") {
		t.Fatalf("unknown task must not cancel")
	}
}

func TestReassignmentRequeuesWithBumpedAttempt(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a")

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "analysis", Priority: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.orch.handleReassign(assignment.ReassignDecision{
		TaskID: res.TaskID, AgentID: "agent-a", Attempt: 2,
	})

	st, ok := h.orch.GetTaskStatus(res.TaskID)
	if !ok {
		t.Fatalf("task lost after reassignment")
	}
	if st.Attempt != 2 {
		t.Fatalf("expected fresh assignment at attempt 2, got %+v", st)
	}
	if st.AssignmentState != assignment.StatePendingAck {
		t.Fatalf("expected new pending-ack assignment, got %s", st.AssignmentState)
	}
}

func TestReassignmentExhaustionFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a")

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: queue.Task{TaskType: "analysis", Priority: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.orch.handleReassign(assignment.ReassignDecision{
		TaskID: res.TaskID, AgentID: "agent-a", Attempt: 4, Exceeded: true,
	})

	if state := h.orch.deps.Queue.GetTaskState(res.TaskID); state != queue.StateFailed {
		t.Fatalf("expected terminal failure after exhausted reassignments, got %s", state)
	}
}

func TestGetStatusReportsAggregates(t *testing.T) {
	h := newHarness(t, nil)
	registerAnalysisAgents(t, h, "agent-a", "agent-b")

	st := h.orch.GetStatus(context.Background())
	if !st.Healthy {
		t.Fatalf("expected healthy with no store configured: %+v", st)
	}
	if st.Metrics.RegisteredAgents != 2 {
		t.Fatalf("expected 2 registered agents, got %d", st.Metrics.RegisteredAgents)
	}
}
