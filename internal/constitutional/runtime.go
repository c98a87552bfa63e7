// Package constitutional implements the Constitutional Runtime: the facade
// that gates every orchestrated operation through waiver checks and policy
// evaluation before execution, and audits it afterward.
//
// Validation runs before any dispatch: an active waiver short-circuits the
// policy engine entirely, otherwise every enabled policy is evaluated and
// its violations handed to the violation handler.
package constitutional

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/violation"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

// Operation is the unit the runtime validates and audits: everything the
// orchestrator does on behalf of a client is expressed as one of these.
type Operation struct {
	ID      string
	Type    string
	AgentID string
	Payload map[string]any
}

// EvalContext is the identifying tuple carried into every policy evaluation
// and violation snapshot.
type EvalContext struct {
	UserID      string
	SessionID   string
	Environment string
	RequestID   string
}

// ValidationResult is the outcome of one pre-execution validate pass.
type ValidationResult struct {
	Compliant        bool
	WaiverApplied    bool
	WaiverID         string
	Violations       []policy.Violation
	Blocked          bool
	SanitizedPayload map[string]any
	Duration         time.Duration
}

// AuditResult is the outcome of one post-execution audit pass: a 0-100 compliance score plus principle-specific recommendations.
type AuditResult struct {
	OperationID     string
	Compliant       bool
	ComplianceScore int
	Violations      []policy.Violation
	Recommendations []string
	Timestamp       time.Time
}

// Config tunes the runtime.
type Config struct {
	Enabled                   bool
	StrictMode                bool
	AuditEnabled              bool
	ViolationResponseTimeout  time.Duration
	MaxViolationsPerOperation int
}

// DefaultConfig returns the spec defaults: enabled, 5s violation response
// timeout, 10 violations per operation.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		AuditEnabled:              true,
		ViolationResponseTimeout:  5 * time.Second,
		MaxViolationsPerOperation: 10,
	}
}

// AuditSink receives durable audit records for evaluated operations.
// Writes are best-effort: a failing sink is logged by the caller, never
// propagated into the decision path.
type AuditSink interface {
	RecordAudit(ctx context.Context, operationID string, compliant bool, score int, waiverID string, violationCount int) error
}

// Runtime is the constitutional facade wired between the orchestrator and
// the policy/violation/waiver components.
type Runtime struct {
	cfg     Config
	engine  *policy.Engine
	handler *violation.Handler
	waivers *waiver.Manager
	audit   AuditSink
	bus     *events.Bus

	nowFunc func() time.Time
}

// New creates a Runtime. audit may be nil (audit writes skipped).
func New(cfg Config, engine *policy.Engine, handler *violation.Handler, waivers *waiver.Manager, audit AuditSink, bus *events.Bus) *Runtime {
	return &Runtime{
		cfg:     cfg,
		engine:  engine,
		handler: handler,
		waivers: waivers,
		audit:   audit,
		bus:     bus,
		nowFunc: time.Now,
	}
}

// CanonicalOperation builds the serialization waiver patterns are matched
// against: the joined type, id, agentId, userId, sessionId, and stringified
// payload.
func CanonicalOperation(op Operation, ec EvalContext) string {
	payload, _ := json.Marshal(op.Payload)
	return strings.Join([]string{op.Type, op.ID, op.AgentID, ec.UserID, ec.SessionID, string(payload)}, "|")
}

// evalRoot builds the {operation, context} root the policy engine's field
// paths resolve against.
func evalRoot(op Operation, ec EvalContext) map[string]any {
	return map[string]any{
		"operation": map[string]any{
			"id":      op.ID,
			"type":    op.Type,
			"agentId": op.AgentID,
			"payload": clonePayload(op.Payload),
		},
		"context": map[string]any{
			"userId":      ec.UserID,
			"sessionId":   ec.SessionID,
			"environment": ec.Environment,
			"requestId":   ec.RequestID,
		},
	}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

var tracer = otel.Tracer("arbiter.constitutional")

// ValidateOperation runs the pre-execution compliance gate:
// disabled -> compliant; active waiver -> compliant with WaiverApplied; else
// evaluate all policies, truncate violations, and hand them to the violation
// handler under the configured response timeout. A blocked critical
// violation surfaces as a KindPolicyBlock error alongside the result.
func (r *Runtime) ValidateOperation(ctx context.Context, op Operation, ec EvalContext) (ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "constitutional:validateOperation",
		trace.WithAttributes(
			attribute.String("operation.id", op.ID),
			attribute.String("operation.type", op.Type),
		))
	defer span.End()

	start := r.nowFunc()

	if !r.cfg.Enabled {
		return ValidationResult{Compliant: true, Duration: time.Since(start)}, nil
	}

	if check := r.waivers.CheckWaiver(CanonicalOperation(op, ec)); check.HasActiveWaiver {
		span.AddEvent("waiver applied")
		r.publish(events.ConstitutionalWaiverApplied, events.SeverityInfo, map[string]any{
			"operation_id": op.ID,
			"waiver_id":    check.Waiver.ID,
			"policy_id":    check.Waiver.PolicyID,
		})
		res := ValidationResult{
			Compliant:     true,
			WaiverApplied: true,
			WaiverID:      check.Waiver.ID,
			Duration:      time.Since(start),
		}
		r.recordAudit(ctx, op, res)
		return res, nil
	}

	eval := r.engine.EvaluateOperation(op.ID, evalRoot(op, ec))

	res := ValidationResult{
		Compliant:  eval.Compliant,
		Violations: eval.Violations,
	}

	if !eval.Compliant {
		if max := r.cfg.MaxViolationsPerOperation; max > 0 && len(res.Violations) > max {
			res.Violations = res.Violations[:max]
		}

		r.publish(events.ConstitutionalViolationsDetected, maxSeverity(res.Violations), map[string]any{
			"operation_id":    op.ID,
			"violation_count": len(res.Violations),
		})

		handleCtx, cancel := context.WithTimeout(ctx, r.cfg.ViolationResponseTimeout)
		outcome := r.handler.Handle(handleCtx, res.Violations)
		cancel()

		res.Blocked = outcome.Blocked
		res.SanitizedPayload = r.applyRemediations(op, res.Violations)
	}

	res.Duration = time.Since(start)

	r.publish(events.ConstitutionalOperationValidated, events.SeverityInfo, map[string]any{
		"operation_id": op.ID,
		"compliant":    res.Compliant,
		"blocked":      res.Blocked,
	})
	r.recordAudit(ctx, op, res)

	if res.Blocked {
		return res, errs.New(errs.KindPolicyBlock, "policy-block", blockMessage(res.Violations))
	}
	if r.cfg.StrictMode && !res.Compliant {
		return res, errs.New(errs.KindPolicyBlock, "policy-block", blockMessage(res.Violations))
	}
	return res, nil
}

// applyRemediations runs the "modify" sanitization pass for every violation
// whose policy carries a modify remediation directive, folding each
// principle's sanitizer over the payload in violation order.
func (r *Runtime) applyRemediations(op Operation, violations []policy.Violation) map[string]any {
	var sanitized map[string]any
	for _, v := range violations {
		if v.Remediation != string(violation.ActionModify) {
			continue
		}
		if sanitized == nil {
			sanitized = clonePayload(op.Payload)
			if sanitized == nil {
				sanitized = map[string]any{}
			}
		}
		sanitized = violation.Sanitize(v.Principle, sanitized)
	}
	return sanitized
}

func blockMessage(violations []policy.Violation) string {
	for _, v := range violations {
		if v.Severity == policy.SeverityCritical {
			return v.Message
		}
	}
	if len(violations) > 0 {
		return violations[0].Message
	}
	return "operation blocked by constitutional policy"
}

// severityWeights are the per-violation audit score deductions.
var severityWeights = map[policy.Severity]int{
	policy.SeverityLow:      5,
	policy.SeverityMedium:   15,
	policy.SeverityHigh:     30,
	policy.SeverityCritical: 50,
}

// AuditOperation runs the optional post-execution audit pass: re-evaluates
// the operation (now enriched with its result) and produces a compliance
// score of 100 minus per-severity deductions, clamped at zero.
func (r *Runtime) AuditOperation(ctx context.Context, op Operation, result map[string]any, ec EvalContext) AuditResult {
	_, span := tracer.Start(ctx, "constitutional:auditOperation",
		trace.WithAttributes(attribute.String("operation.id", op.ID)))
	defer span.End()

	now := r.nowFunc()
	out := AuditResult{OperationID: op.ID, Compliant: true, ComplianceScore: 100, Timestamp: now}

	if !r.cfg.Enabled || !r.cfg.AuditEnabled {
		return out
	}

	root := evalRoot(op, ec)
	root["result"] = result
	eval := r.engine.EvaluateOperation(op.ID, root)

	out.Compliant = eval.Compliant
	out.Violations = eval.Violations

	score := 100
	seen := make(map[string]struct{})
	for _, v := range eval.Violations {
		score -= severityWeights[v.Severity]
		if _, ok := seen[v.Principle]; !ok {
			seen[v.Principle] = struct{}{}
			out.Recommendations = append(out.Recommendations, recommendationFor(v.Principle))
		}
	}
	if score < 0 {
		score = 0
	}
	out.ComplianceScore = score

	if r.audit != nil {
		_ = r.audit.RecordAudit(ctx, op.ID, out.Compliant, out.ComplianceScore, "", len(out.Violations))
	}
	return out
}

func recommendationFor(principle string) string {
	switch principle {
	case string(policy.PrincipleTransparency):
		return "attach a routing rationale and decision record to this operation type"
	case string(policy.PrincipleAccountability):
		return "ensure the operation carries a resolvable user and session identity"
	case string(policy.PrincipleSafety):
		return "restrict the operation payload to read-only permissions and vetted actions"
	case string(policy.PrincipleFairness):
		return "review agent selection statistics for systematic bias against eligible agents"
	case string(policy.PrinciplePrivacy):
		return "redact personal data from the payload before submission"
	case string(policy.PrincipleReliability):
		return "bring timeout, retry, and concurrency settings within operational limits"
	default:
		return fmt.Sprintf("review the %s policy set for this operation type", principle)
	}
}

// RequestWaiver passes through to the Waiver Manager.
func (r *Runtime) RequestWaiver(in waiver.RequestInput) (waiver.Waiver, error) {
	return r.waivers.Request(in)
}

// ApproveWaiver approves a pending waiver and records the grant with the
// audit sink as a compliant entry (score 100). No severity is recorded with it.
func (r *Runtime) ApproveWaiver(ctx context.Context, id, approver string) (waiver.Waiver, error) {
	w, err := r.waivers.Approve(id, approver)
	if err != nil {
		return waiver.Waiver{}, err
	}
	if r.audit != nil {
		_ = r.audit.RecordAudit(ctx, "waiver-approve:"+id, true, 100, id, 0)
	}
	return w, nil
}

// RejectWaiver rejects a pending waiver.
func (r *Runtime) RejectWaiver(id, rejecter, reason string) (waiver.Waiver, error) {
	return r.waivers.Reject(id, rejecter, reason)
}

// RevokeWaiver revokes an approved waiver and records the revocation with
// the audit sink as a non-compliant entry (score 0). No severity is recorded
// with it.
func (r *Runtime) RevokeWaiver(ctx context.Context, id, actor, reason string) (waiver.Waiver, error) {
	w, err := r.waivers.Revoke(id, actor, reason)
	if err != nil {
		return waiver.Waiver{}, err
	}
	if r.audit != nil {
		_ = r.audit.RecordAudit(ctx, "waiver-revoke:"+id, false, 0, id, 0)
	}
	return w, nil
}

func (r *Runtime) recordAudit(ctx context.Context, op Operation, res ValidationResult) {
	if r.audit == nil {
		return
	}
	_ = r.audit.RecordAudit(ctx, op.ID, res.Compliant, complianceScore(res.Violations), res.WaiverID, len(res.Violations))
}

func complianceScore(violations []policy.Violation) int {
	score := 100
	for _, v := range violations {
		score -= severityWeights[v.Severity]
	}
	if score < 0 {
		score = 0
	}
	return score
}

func maxSeverity(violations []policy.Violation) events.Severity {
	rank := map[policy.Severity]int{
		policy.SeverityLow:      1,
		policy.SeverityMedium:   2,
		policy.SeverityHigh:     3,
		policy.SeverityCritical: 4,
	}
	best := policy.SeverityLow
	for _, v := range violations {
		if rank[v.Severity] > rank[best] {
			best = v.Severity
		}
	}
	return events.Severity(best)
}

func (r *Runtime) publish(t events.Type, sev events.Severity, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      t,
		Timestamp: r.nowFunc(),
		Severity:  sev,
		Source:    "constitutional-runtime",
		Payload:   payload,
	})
}
