// Package violation implements the Violation Handler: given a list of
// policy violations, decides and executes severity-ordered actions, with
// per-action timeouts and an optional sanitizing "modify" action.
//
// Actions run in severity order with an individual timeout each; a
// timed-out action is recorded unexecuted and handling continues. The
// sanitizer is a named-regex pattern table per category, applied
// detect-and-redact.
package violation

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/policy"
)

// ActionType is one remediation step taken in response to a violation.
type ActionType string

const (
	ActionLog      ActionType = "log"
	ActionAlert    ActionType = "alert"
	ActionEscalate ActionType = "escalate"
	ActionBlock    ActionType = "block"
	ActionModify   ActionType = "modify"
)

// ActionResult records whether one action executed within its timeout.
type ActionResult struct {
	Action   ActionType
	Target   string
	Executed bool
	Error    string
}

// Outcome is the result of handling one set of violations.
type Outcome struct {
	Actions            []ActionResult
	EscalationRequired bool
	Blocked            bool
}

// actionSequence maps each severity to its ordered action list.
var actionSequence = map[policy.Severity][]struct {
	Action ActionType
	Target string
}{
	policy.SeverityLow: {
		{ActionLog, ""},
	},
	policy.SeverityMedium: {
		{ActionAlert, "team"},
		{ActionLog, ""},
	},
	policy.SeverityHigh: {
		{ActionAlert, "security"},
		{ActionLog, ""},
		{ActionEscalate, "management"},
	},
	policy.SeverityCritical: {
		{ActionBlock, ""},
		{ActionAlert, "executive"},
		{ActionLog, ""},
		{ActionEscalate, "executive"},
	},
}

// Notifier is the external alert/escalate/audit sink. Implementations must
// respect ctx cancellation; Handle enforces its own per-action timeout on
// top of whatever the caller passes in.
type Notifier interface {
	Alert(ctx context.Context, target string, v policy.Violation) error
	Escalate(ctx context.Context, target string, v policy.Violation) error
	Log(ctx context.Context, v policy.Violation) error
}

// Config tunes the per-action timeout.
type Config struct {
	ActionTimeout time.Duration
}

// DefaultConfig returns the spec's 5s per-action timeout.
func DefaultConfig() Config {
	return Config{ActionTimeout: 5 * time.Second}
}

// Handler executes the severity-ordered action sequence for a batch of
// violations and performs "modify" sanitization when requested separately
// via Sanitize.
type Handler struct {
	cfg      Config
	notifier Notifier
	bus      *events.Bus
}

// New creates a Handler.
func New(cfg Config, notifier Notifier, bus *events.Bus) *Handler {
	return &Handler{cfg: cfg, notifier: notifier, bus: bus}
}

// Handle runs the severity-ordered action sequence for each violation.
// A blocked critical violation causes Handle to return with Blocked=true;
// remaining violations in the batch are still processed.
func (h *Handler) Handle(ctx context.Context, violations []policy.Violation) Outcome {
	var out Outcome

	for _, v := range violations {
		seq, ok := actionSequence[v.Severity]
		if !ok {
			seq = actionSequence[policy.SeverityLow]
		}

		blockFailed := false
		for _, step := range seq {
			result := h.runAction(ctx, step.Action, step.Target, v)
			out.Actions = append(out.Actions, result)
			if step.Action == ActionBlock {
				if result.Executed {
					out.Blocked = true
				} else {
					blockFailed = true
				}
			}
		}

		if v.Severity == policy.SeverityHigh || v.Severity == policy.SeverityCritical || blockFailed {
			out.EscalationRequired = true
		}
	}

	return out
}

func (h *Handler) runAction(ctx context.Context, action ActionType, target string, v policy.Violation) ActionResult {
	actionCtx, cancel := context.WithTimeout(ctx, h.cfg.ActionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.dispatch(actionCtx, action, target, v)
	}()

	select {
	case err := <-done:
		if err != nil {
			return ActionResult{Action: action, Target: target, Executed: false, Error: err.Error()}
		}
		return ActionResult{Action: action, Target: target, Executed: true}
	case <-actionCtx.Done():
		return ActionResult{Action: action, Target: target, Executed: false, Error: "action timed out"}
	}
}

func (h *Handler) dispatch(ctx context.Context, action ActionType, target string, v policy.Violation) error {
	if h.notifier == nil {
		return nil
	}
	switch action {
	case ActionAlert:
		return h.notifier.Alert(ctx, target, v)
	case ActionEscalate:
		return h.notifier.Escalate(ctx, target, v)
	case ActionLog:
		return h.notifier.Log(ctx, v)
	case ActionBlock:
		return nil
	default:
		return nil
	}
}

// dangerousKeys are stripped outright for safety violations.
var dangerousKeys = map[string]struct{}{
	"exec":        {},
	"rm":          {},
	"shutdown":    {},
	"format_disk": {},
	"delete_all":  {},
}

// privacyDenylist names fields removed outright for privacy violations,
// keyed in lowercased, underscore-stripped form (so "api_key" and "apiKey"
// both match "apikey").
var privacyDenylist = map[string]struct{}{
	"password":    {},
	"token":       {},
	"apikey":      {},
	"ssn":         {},
	"creditcard":  {},
	"bankaccount": {},
	"email":       {},
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)

	scriptTagPattern  = regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)
	sqlFragments      = regexp.MustCompile(`(?i)(union\s+select|drop\s+table|or\s+1\s*=\s*1|;\s*--)`)
	shellSeparators   = regexp.MustCompile(`(?i)[;&|]+\s*(rm|curl|wget|nc|bash|sh)\b`)
	blockedSubstrings = regexp.MustCompile(`(?i)\b(eval|exec|system|shell_exec)\b`)
)

// Sanitize returns a copy of payload with domain-specific redaction applied
// for the given violation principle.
// All string values are unconditionally scrubbed of script tags, SQL
// fragments, shell-command separators, and known dangerous function names,
// regardless of principle.
func Sanitize(principle string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	switch principle {
	case "safety":
		sanitizeSafety(out)
	case "privacy":
		sanitizePrivacy(out)
	case "reliability":
		sanitizeReliability(out)
	}

	scrubStrings(out)
	return out
}

func sanitizeSafety(payload map[string]any) {
	for k := range payload {
		if _, dangerous := dangerousKeys[strings.ToLower(k)]; dangerous {
			delete(payload, k)
		}
	}
	switch payload["permissions"].(type) {
	case []string, []any:
		payload["permissions"] = []string{"read"}
	case string:
		payload["permissions"] = "read-only"
	}
	if p, ok := payload["path"].(string); ok {
		payload["path"] = normalizePath(p)
	}
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "..", "")
	p = strings.Trim(p, "/")
	return p
}

func sanitizePrivacy(payload map[string]any) {
	for k := range payload {
		if _, denied := privacyDenylist[strings.ToLower(strings.ReplaceAll(k, "_", ""))]; denied {
			delete(payload, k)
		}
	}
	for k, v := range payload {
		if s, ok := v.(string); ok {
			s = emailPattern.ReplaceAllString(s, "[REDACTED_EMAIL]")
			s = ssnPattern.ReplaceAllString(s, "[REDACTED_SSN]")
			s = cardPattern.ReplaceAllString(s, "[REDACTED_CARD]")
			s = phonePattern.ReplaceAllString(s, "[REDACTED_PHONE]")
			payload[k] = s
		}
	}
}

func sanitizeReliability(payload map[string]any) {
	clampInt(payload, "timeout", 5000, 30000)
	clampIntMax(payload, "memoryLimit", 512)
	clampIntMax(payload, "retries", 10)
	clampIntMax(payload, "batchSize", 1000)
	clampIntMax(payload, "maxConcurrent", 10)
}

func clampInt(payload map[string]any, key string, lo, hi int) {
	v, ok := asInt(payload[key])
	if !ok {
		return
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	payload[key] = v
}

func clampIntMax(payload map[string]any, key string, hi int) {
	v, ok := asInt(payload[key])
	if !ok {
		return
	}
	if v > hi {
		v = hi
	}
	payload[key] = v
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func scrubStrings(payload map[string]any) {
	for k, v := range payload {
		if s, ok := v.(string); ok {
			payload[k] = scrubString(s)
		}
	}
}

func scrubString(s string) string {
	s = scriptTagPattern.ReplaceAllString(s, "[BLOCKED]")
	s = sqlFragments.ReplaceAllString(s, "[BLOCKED]")
	s = shellSeparators.ReplaceAllString(s, "[BLOCKED]")
	s = blockedSubstrings.ReplaceAllString(s, "[BLOCKED]")
	return s
}
