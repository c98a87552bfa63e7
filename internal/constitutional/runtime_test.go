package constitutional

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/violation"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

type countingSink struct {
	records int
}

func (s *countingSink) RecordAudit(_ context.Context, _ string, _ bool, _ int, _ string, _ int) error {
	s.records++
	return nil
}

func blockDeletePolicy() policy.Policy {
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

func newTestRuntime(policies []policy.Policy) (*Runtime, *waiver.Manager, *countingSink) {
	wm := waiver.New(waiver.DefaultConfig(), nil)
	sink := &countingSink{}
	rt := New(
		DefaultConfig(),
		policy.NewEngine(policies),
		violation.New(violation.DefaultConfig(), nil, nil),
		wm,
		sink,
		nil,
	)
	return rt, wm, sink
}

func TestValidateCompliantOperation(t *testing.T) {
	rt, _, _ := newTestRuntime([]policy.Policy{blockDeletePolicy()})

	res, err := rt.ValidateOperation(context.Background(), Operation{ID: "op1", Type: "task_submit"}, EvalContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("ValidateOperation: %v", err)
	}
	if !res.Compliant || res.Blocked || res.WaiverApplied {
		t.Fatalf("expected clean pass, got %+v", res)
	}
}

func TestValidateBlocksCriticalViolation(t *testing.T) {
	rt, _, _ := newTestRuntime([]policy.Policy{blockDeletePolicy()})

	res, err := rt.ValidateOperation(context.Background(), Operation{ID: "op2", Type: "system_delete"}, EvalContext{})
	if !errs.Is(err, errs.KindPolicyBlock) {
		t.Fatalf("expected policy-block error, got %v", err)
	}
	if !res.Blocked {
		t.Fatalf("expected Blocked=true, got %+v", res)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(res.Violations))
	}
}

func TestWaiverShortCircuitsPolicyEvaluation(t *testing.T) {
	rt, wm, _ := newTestRuntime([]policy.Policy{blockDeletePolicy()})

	w, err := wm.Request(waiver.RequestInput{
		PolicyID:         "no-system-delete",
		OperationPattern: "system_delete",
		Reason:           "scheduled purge",
		RequestedBy:      "ops",
		ExpiresAt:        time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wm.Approve(w.ID, "reviewer"); err != nil {
		t.Fatal(err)
	}

	res, err := rt.ValidateOperation(context.Background(), Operation{ID: "op3", Type: "system_delete"}, EvalContext{})
	if err != nil {
		t.Fatalf("expected waivered operation to pass, got %v", err)
	}
	if !res.WaiverApplied || res.WaiverID != w.ID {
		t.Fatalf("expected waiver %s applied, got %+v", w.ID, res)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("policy engine must not run under an active waiver, got %+v", res.Violations)
	}
}

func TestValidateDisabledReturnsCompliant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	rt := New(cfg, policy.NewEngine([]policy.Policy{blockDeletePolicy()}), violation.New(violation.DefaultConfig(), nil, nil), waiver.New(waiver.DefaultConfig(), nil), nil, nil)

	res, err := rt.ValidateOperation(context.Background(), Operation{ID: "op4", Type: "system_delete"}, EvalContext{})
	if err != nil || !res.Compliant {
		t.Fatalf("disabled runtime must pass everything, got %+v err=%v", res, err)
	}
}

func TestValidateTruncatesViolations(t *testing.T) {
	var policies []policy.Policy
	for i := 0; i < 15; i++ {
		p := blockDeletePolicy()
		p.ID = p.ID + "-" + string(rune('a'+i))
		p.Severity = policy.SeverityLow
		policies = append(policies, p)
	}
	rt, _, _ := newTestRuntime(policies)

	res, err := rt.ValidateOperation(context.Background(), Operation{ID: "op5", Type: "system_delete"}, EvalContext{})
	if err != nil {
		t.Fatalf("low-severity violations must not block: %v", err)
	}
	if len(res.Violations) != DefaultConfig().MaxViolationsPerOperation {
		t.Fatalf("expected violations truncated to %d, got %d", DefaultConfig().MaxViolationsPerOperation, len(res.Violations))
	}
}

func TestValidateAppliesModifyRemediation(t *testing.T) {
	p := policy.Policy{
		ID:          "privacy-email",
		Name:        "no raw email",
		Principle:   string(policy.PrinciplePrivacy),
		Severity:    policy.SeverityMedium,
		Enabled:     true,
		Remediation: "modify",
		Rules: []policy.Rule{
			{ID: "r1", Field: "operation.payload.email", Operator: "exists", Message: "payload carries a raw email"},
		},
	}
	rt, _, _ := newTestRuntime([]policy.Policy{p})

	op := Operation{ID: "op6", Type: "task_submit", Payload: map[string]any{
		"email": "a@b.com",
		"text":  "contact a@b.com",
	}}
	res, err := rt.ValidateOperation(context.Background(), op, EvalContext{})
	if err != nil {
		t.Fatalf("medium violation must not block: %v", err)
	}
	if res.SanitizedPayload == nil {
		t.Fatalf("expected sanitized payload")
	}
	if _, ok := res.SanitizedPayload["email"]; ok {
		t.Fatalf("denylisted field must be removed, got %+v", res.SanitizedPayload)
	}
	if res.SanitizedPayload["text"] == "contact a@b.com" {
		t.Fatalf("email in string value must be redacted, got %v", res.SanitizedPayload["text"])
	}
	if op.Payload["email"] != "a@b.com" {
		t.Fatalf("original payload must not be mutated")
	}
}

func TestAuditScoresAndRecommends(t *testing.T) {
	rt, _, _ := newTestRuntime([]policy.Policy{blockDeletePolicy()})

	out := rt.AuditOperation(context.Background(), Operation{ID: "op7", Type: "system_delete"}, map[string]any{"status": "done"}, EvalContext{})
	if out.Compliant {
		t.Fatalf("expected non-compliant audit, got %+v", out)
	}
	if out.ComplianceScore != 50 {
		t.Fatalf("critical violation must deduct 50, got score %d", out.ComplianceScore)
	}
	if len(out.Recommendations) != 1 {
		t.Fatalf("expected one safety recommendation, got %+v", out.Recommendations)
	}
}

func TestAuditRecordsToSink(t *testing.T) {
	rt, _, sink := newTestRuntime(nil)

	if _, err := rt.ValidateOperation(context.Background(), Operation{ID: "op8", Type: "task_submit"}, EvalContext{}); err != nil {
		t.Fatal(err)
	}
	if sink.records == 0 {
		t.Fatalf("expected validation pass to write an audit record")
	}
}

func TestCanonicalOperationIncludesIdentityTuple(t *testing.T) {
	op := Operation{ID: "t-1", Type: "system_delete", AgentID: "agent-9", Payload: map[string]any{"k": "v"}}
	ec := EvalContext{UserID: "u-1", SessionID: "s-1"}

	canonical := CanonicalOperation(op, ec)
	for _, part := range []string{"system_delete", "t-1", "agent-9", "u-1", "s-1", `"k":"v"`} {
		if !strings.Contains(canonical, part) {
			t.Fatalf("canonical form missing %q: %s", part, canonical)
		}
	}
}
