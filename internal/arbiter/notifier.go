package arbiter

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/store/rediscache"
)

// Notifier delivers alerts, escalations, and waiver-approval notifications
// as structured log records, optionally rate-limited per target group
// through the shared Redis cache so a violation storm cannot flood the
// downstream alert channel. It satisfies both violation.Notifier and
// store.NotificationAdapter.
type Notifier struct {
	log            *logging.Logger
	limiter        *rediscache.Client
	limitPerMinute int
}

// NewNotifier creates a Notifier. limiter may be nil (no rate limiting).
func NewNotifier(limiter *rediscache.Client, limitPerMinute int) *Notifier {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	return &Notifier{
		log:            logging.New("notifier"),
		limiter:        limiter,
		limitPerMinute: limitPerMinute,
	}
}

func (n *Notifier) allowed(ctx context.Context, target string) bool {
	if n.limiter == nil {
		return true
	}
	return n.limiter.AllowNotification(ctx, target, n.limitPerMinute)
}

// Alert notifies a target group of one violation.
func (n *Notifier) Alert(ctx context.Context, target string, v policy.Violation) error {
	if !n.allowed(ctx, target) {
		return nil
	}
	n.log.Warn(ctx, v.OperationID, "", "violation alert", map[string]any{
		"target":    target,
		"policy_id": v.PolicyID,
		"principle": v.Principle,
		"severity":  string(v.Severity),
		"message":   v.Message,
	})
	return nil
}

// Escalate hands a violation to a target group with an escalation label.
func (n *Notifier) Escalate(ctx context.Context, target string, v policy.Violation) error {
	if !n.allowed(ctx, target) {
		return nil
	}
	n.log.Error(ctx, v.OperationID, "", "violation escalated", nil, map[string]any{
		"target":    target,
		"policy_id": v.PolicyID,
		"principle": v.Principle,
		"severity":  string(v.Severity),
		"message":   v.Message,
	})
	return nil
}

// Log records one violation without alerting anyone.
func (n *Notifier) Log(ctx context.Context, v policy.Violation) error {
	n.log.Info(ctx, v.OperationID, "", "violation recorded", map[string]any{
		"policy_id": v.PolicyID,
		"rule_id":   v.RuleID,
		"principle": v.Principle,
		"severity":  string(v.Severity),
		"message":   v.Message,
	})
	return nil
}

// Notify implements the waiver-approval notification path
// (store.NotificationAdapter). Best-effort by contract; this
// implementation never fails.
func (n *Notifier) Notify(ctx context.Context, target, message string, metadata map[string]any) error {
	if !n.allowed(ctx, target) {
		return nil
	}
	fields := map[string]any{"target": target}
	for k, v := range metadata {
		fields[k] = v
	}
	n.log.Info(ctx, "", "", message, fields)
	return nil
}
