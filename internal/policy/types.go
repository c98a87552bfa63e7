// Package policy implements the Policy Engine: declarative, data-driven
// constitutional policies evaluated against an operation's context.
//
// Each rule is a {Field, Operator, Value} condition evaluated against a
// field pulled out of the operation context by dotted path, with array
// indexing (prop[n]) supported in path segments.
package policy

import "time"

// Severity is the constitutional-violation severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Principle is one of the six constitutional principles policies group under.
type Principle string

const (
	PrincipleTransparency   Principle = "transparency"
	PrincipleAccountability Principle = "accountability"
	PrincipleSafety         Principle = "safety"
	PrincipleFairness       Principle = "fairness"
	PrinciplePrivacy        Principle = "privacy"
	PrincipleReliability    Principle = "reliability"
)

// Rule is one condition within a policy. All rules in a policy are ANDed
// together. ID and Message are
// optional; when set, a failing rule's Message is carried onto the
// resulting Violation instead of the generic policy-triggered message.
type Rule struct {
	ID       string
	Field    string
	Operator string
	Value    any
	Message  string
}

// Policy is one constitutional policy: a named principle enforced by a set
// of rules, all of which must hold for the policy to be considered
// "triggered". Remediation, when set,
// names the violation.Handler "modify" sanitization pass this policy's
// violations should route through.
type Policy struct {
	ID          string
	Name        string
	Description string
	Principle   string
	Severity    Severity
	Rules       []Rule
	Enabled     bool
	Remediation string
}

// Violation is produced when a policy's rules all match an operation's
// context.
type Violation struct {
	ID            string
	PolicyID      string
	PolicyName    string
	RuleID        string
	Principle     string
	Severity      Severity
	Message       string
	ActualValue   any
	ExpectedValue any
	OperationID   string
	Timestamp     time.Time
	Context       map[string]any
	Remediation   string
}
