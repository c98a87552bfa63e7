package violation

import (
	"context"
	"errors"
	"testing"

	"github.com/arbiterhq/arbiter/internal/policy"
)

type fakeNotifier struct {
	alertErr    error
	escalateErr error
	logErr      error
	alerts      []string
	escalations []string
}

func (f *fakeNotifier) Alert(ctx context.Context, target string, v policy.Violation) error {
	f.alerts = append(f.alerts, target)
	return f.alertErr
}
func (f *fakeNotifier) Escalate(ctx context.Context, target string, v policy.Violation) error {
	f.escalations = append(f.escalations, target)
	return f.escalateErr
}
func (f *fakeNotifier) Log(ctx context.Context, v policy.Violation) error { return f.logErr }

func TestHandleLowSeverityOnlyLogs(t *testing.T) {
	n := &fakeNotifier{}
	h := New(DefaultConfig(), n, nil)

	out := h.Handle(context.Background(), []policy.Violation{{Severity: policy.SeverityLow}})
	if len(out.Actions) != 1 || out.Actions[0].Action != ActionLog {
		t.Fatalf("expected single log action, got %+v", out.Actions)
	}
	if out.EscalationRequired {
		t.Fatalf("low severity should not require escalation")
	}
}

func TestHandleCriticalSeverityBlocksAndEscalates(t *testing.T) {
	n := &fakeNotifier{}
	h := New(DefaultConfig(), n, nil)

	out := h.Handle(context.Background(), []policy.Violation{{Severity: policy.SeverityCritical}})
	if !out.Blocked {
		t.Fatalf("expected critical violation to block")
	}
	if !out.EscalationRequired {
		t.Fatalf("expected critical violation to require escalation")
	}
	if len(n.escalations) != 1 || n.escalations[0] != "executive" {
		t.Fatalf("expected executive escalation, got %+v", n.escalations)
	}
}

func TestHandleHighSeverityEscalatesEvenWithoutBlock(t *testing.T) {
	n := &fakeNotifier{}
	h := New(DefaultConfig(), n, nil)

	out := h.Handle(context.Background(), []policy.Violation{{Severity: policy.SeverityHigh}})
	if out.Blocked {
		t.Fatalf("high severity does not block")
	}
	if !out.EscalationRequired {
		t.Fatalf("expected high severity to require escalation")
	}
}

func TestHandleRecordsFailedActionsWithoutAborting(t *testing.T) {
	n := &fakeNotifier{alertErr: errors.New("notify down")}
	h := New(DefaultConfig(), n, nil)

	out := h.Handle(context.Background(), []policy.Violation{{Severity: policy.SeverityMedium}})
	if len(out.Actions) != 2 {
		t.Fatalf("expected both actions recorded despite alert failure, got %+v", out.Actions)
	}
	if out.Actions[0].Executed {
		t.Fatalf("expected alert action to be recorded as unexecuted")
	}
	if !out.Actions[1].Executed {
		t.Fatalf("expected log action to still execute after alert failure")
	}
}

func TestSanitizeSafetyStripsDangerousKeysAndNormalizesPath(t *testing.T) {
	payload := map[string]any{
		"exec":        "rm -rf /",
		"permissions": "read-write",
		"path":        "/../etc/passwd/",
	}
	out := Sanitize("safety", payload)
	if _, ok := out["exec"]; ok {
		t.Fatalf("expected dangerous key stripped")
	}
	if out["permissions"] != "read-only" {
		t.Fatalf("expected permissions downgraded to read-only, got %v", out["permissions"])
	}
	if out["path"] != "etc/passwd" {
		t.Fatalf("expected normalized path, got %v", out["path"])
	}
}

func TestSanitizePrivacyRemovesDenylistedFieldsAndRedactsPatterns(t *testing.T) {
	payload := map[string]any{
		"password": "hunter2",
		"email":    "a@b.com",
		"note":     "contact me at a@b.com or 555-123-4567",
	}
	out := Sanitize("privacy", payload)
	if _, ok := out["password"]; ok {
		t.Fatalf("expected password field removed")
	}
	if _, ok := out["email"]; ok {
		t.Fatalf("expected email field removed")
	}
	note := out["note"].(string)
	if !containsAll(note, "[REDACTED_EMAIL]", "[REDACTED_PHONE]") {
		t.Fatalf("expected email and phone redacted, got %q", note)
	}
}

func TestSanitizeReliabilityClampsNumericFields(t *testing.T) {
	payload := map[string]any{
		"timeout":       100,
		"memoryLimit":   4096,
		"retries":       50,
		"batchSize":     5000,
		"maxConcurrent": 100,
	}
	out := Sanitize("reliability", payload)
	if out["timeout"] != 5000 {
		t.Fatalf("expected timeout clamped to floor 5000, got %v", out["timeout"])
	}
	if out["memoryLimit"] != 512 {
		t.Fatalf("expected memoryLimit clamped to 512, got %v", out["memoryLimit"])
	}
	if out["retries"] != 10 {
		t.Fatalf("expected retries clamped to 10, got %v", out["retries"])
	}
}

func TestSanitizeAlwaysScrubsBlockedSubstrings(t *testing.T) {
	payload := map[string]any{"cmd": "eval(something); DROP TABLE users; -- shell_exec"}
	out := Sanitize("safety", payload)
	s := out["cmd"].(string)
	if containsAll(s, "eval", "DROP TABLE", "shell_exec") {
		t.Fatalf("expected dangerous substrings to be scrubbed, got %q", s)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
