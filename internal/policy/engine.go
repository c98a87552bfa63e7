package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Engine evaluates a fixed set of policies against operation contexts. It
// holds no mutable state beyond the policy list, so evaluation is a pure
// function of (context, policies) -> violations.
type Engine struct {
	policies []Policy
}

// NewEngine builds an Engine from a policy set. Disabled policies are kept
// but skipped during evaluation.
func NewEngine(policies []Policy) *Engine {
	return &Engine{policies: policies}
}

// Policies returns the enabled policy set.
func (e *Engine) Policies() []Policy {
	var active []Policy
	for _, p := range e.policies {
		if p.Enabled {
			active = append(active, p)
		}
	}
	return active
}

// ComplianceResult aggregates one evaluation pass over every enabled policy
// : whether every policy was satisfied, the
// flat violation list, and the wall-clock duration of the pass.
type ComplianceResult struct {
	Compliant  bool
	Violations []Violation
	Duration   time.Duration
}

// EvaluateOperation runs EvaluateCompliance and stamps each resulting
// Violation with the operation id and an evaluation timestamp. Evaluation
// never mutates ctx.
func (e *Engine) EvaluateOperation(operationID string, ctx map[string]any) ComplianceResult {
	start := time.Now()
	violations := e.EvaluateCompliance(ctx)
	for i := range violations {
		violations[i].OperationID = operationID
		violations[i].Timestamp = start
	}
	return ComplianceResult{
		Compliant:  len(violations) == 0,
		Violations: violations,
		Duration:   time.Since(start),
	}
}

// EvaluateCompliance runs every enabled policy's rules against ctx and
// returns one Violation per policy whose rules all match. A rule whose
// operator fails to evaluate (e.g. an invalid regex pattern) short-circuits
// its policy as a medium-severity violation regardless of the policy's
// configured severity, per the rule-evaluation-error contract. ctx is never
// mutated.
func (e *Engine) EvaluateCompliance(ctx map[string]any) []Violation {
	var violations []Violation
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		failedRule, actual, matched, ruleErr := policyMatches(p, ctx)
		if ruleErr != nil {
			violations = append(violations, Violation{
				ID:          newViolationID(),
				PolicyID:    p.ID,
				PolicyName:  p.Name,
				RuleID:      failedRule.ID,
				Principle:   p.Principle,
				Severity:    SeverityMedium,
				Message:     "Rule evaluation failed: " + ruleErr.Error(),
				Context:     ctx,
				Remediation: p.Remediation,
			})
			continue
		}
		if matched {
			msg := failedRule.Message
			if msg == "" {
				msg = fmt.Sprintf("policy %q triggered: %s", p.Name, p.Principle)
			}
			violations = append(violations, Violation{
				ID:            newViolationID(),
				PolicyID:      p.ID,
				PolicyName:    p.Name,
				RuleID:        failedRule.ID,
				Principle:     p.Principle,
				Severity:      p.Severity,
				Message:       msg,
				ActualValue:   actual,
				ExpectedValue: failedRule.Value,
				Context:       ctx,
				Remediation:   p.Remediation,
			})
		}
	}
	return violations
}

// policyMatches evaluates every rule in p against ctx. A policy "matches"
// (triggers a violation) when all of its rules hold, mirroring
// EvaluateCompliance's AND semantics; the last rule evaluated (or the one
// that errored) is returned for violation reporting.
func policyMatches(p Policy, ctx map[string]any) (lastRule Rule, actual any, matched bool, err error) {
	if len(p.Rules) == 0 {
		return Rule{}, nil, false, nil
	}
	for _, r := range p.Rules {
		ok, ruleErr := evaluateRule(r, ctx)
		value, _ := fieldValue(r.Field, ctx)
		if ruleErr != nil {
			return r, value, false, ruleErr
		}
		if !ok {
			return r, value, false, nil
		}
		lastRule, actual = r, value
	}
	return lastRule, actual, true, nil
}

var violationSeq atomic.Uint64

// newViolationID generates a monotonically increasing id for a violation,
// safe under concurrent evaluation, so two evaluations of the same inputs
// differ only in this field.
func newViolationID() string {
	return fmt.Sprintf("violation-%d-%d", time.Now().UnixNano(), violationSeq.Add(1))
}

// evaluateRule dispatches on the operator name: equals, contains,
// greater_than/less_than (and greater_equal/less_equal), exists,
// regex_match, in, and negations of each.
func evaluateRule(r Rule, ctx map[string]any) (bool, error) {
	value, present := fieldValue(r.Field, ctx)

	switch r.Operator {
	case "exists":
		return present, nil
	case "not_exists":
		return !present, nil
	case "equals":
		return present && fmt.Sprint(value) == fmt.Sprint(r.Value), nil
	case "not_equals":
		return !present || fmt.Sprint(value) != fmt.Sprint(r.Value), nil
	case "contains":
		return present && strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(fmt.Sprint(r.Value))), nil
	case "not_contains":
		return !present || !strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(fmt.Sprint(r.Value))), nil
	case "greater_than":
		a, aok := toFloat64(value)
		b, bok := toFloat64(r.Value)
		return present && aok && bok && a > b, nil
	case "not_greater_than":
		a, aok := toFloat64(value)
		b, bok := toFloat64(r.Value)
		return !(present && aok && bok && a > b), nil
	case "less_than":
		a, aok := toFloat64(value)
		b, bok := toFloat64(r.Value)
		return present && aok && bok && a < b, nil
	case "not_less_than":
		a, aok := toFloat64(value)
		b, bok := toFloat64(r.Value)
		return !(present && aok && bok && a < b), nil
	case "greater_equal":
		a, aok := toFloat64(value)
		b, bok := toFloat64(r.Value)
		return present && aok && bok && a >= b, nil
	case "less_equal":
		a, aok := toFloat64(value)
		b, bok := toFloat64(r.Value)
		return present && aok && bok && a <= b, nil
	case "regex_match":
		re, err := regexp.Compile(fmt.Sprint(r.Value))
		if err != nil {
			return false, fmt.Errorf("invalid regex pattern %q: %w", r.Value, err)
		}
		return present && re.MatchString(fmt.Sprint(value)), nil
	case "not_regex_match":
		re, err := regexp.Compile(fmt.Sprint(r.Value))
		if err != nil {
			return false, fmt.Errorf("invalid regex pattern %q: %w", r.Value, err)
		}
		return !present || !re.MatchString(fmt.Sprint(value)), nil
	case "in":
		return present && inSlice(r.Value, value), nil
	case "not_in":
		return !present || !inSlice(r.Value, value), nil
	default:
		return false, fmt.Errorf("unknown operator %q", r.Operator)
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	n, err := strconv.ParseFloat(fmt.Sprint(v), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func inSlice(set any, item any) bool {
	target := fmt.Sprint(item)
	switch s := set.(type) {
	case []string:
		for _, v := range s {
			if v == target {
				return true
			}
		}
	case []any:
		for _, v := range s {
			if fmt.Sprint(v) == target {
				return true
			}
		}
	}
	return false
}

// fieldValue resolves a dot-separated field path against ctx, supporting
// array indexing with "prop[n]" segments.
// The second return value reports whether the path resolved to anything
// (including an explicit nil), distinguishing "absent" from "present but
// nil" for the exists/not_exists operators.
func fieldValue(path string, ctx map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = ctx

	for _, seg := range segments {
		name, index, hasIndex := splitIndex(seg)

		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, exists := m[name]
		if !exists {
			return nil, false
		}
		current = next

		if hasIndex {
			list, ok := current.([]any)
			if !ok || index < 0 || index >= len(list) {
				return nil, false
			}
			current = list[index]
		}
	}

	return current, true
}

// splitIndex splits a path segment like "items[2]" into ("items", 2, true),
// or returns the segment unchanged with hasIndex=false.
func splitIndex(seg string) (name string, index int, hasIndex bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, 0, false
	}
	name = seg[:open]
	idxStr := seg[open+1 : len(seg)-1]
	n, err := strconv.Atoi(idxStr)
	if err != nil {
		return seg, 0, false
	}
	return name, n, true
}
