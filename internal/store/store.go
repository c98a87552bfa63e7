// Package store defines the persistence contracts the orchestrator consumes
// for agent/performance durability and audit/notification fan-out. Concrete
// adapters live in sibling packages (store/postgres, store/mongo,
// store/rediscache); this package owns only the interfaces and the
// plain-data records they move.
//
// One interface per persisted aggregate, context-first methods, and a Ping
// for liveness.
package store

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

// AgentRecord is the flattened row shape of agent_profiles joined with its
// capability rows, used for bulk load-on-start and durable snapshotting.
// Performance-history rows are written separately and are not loaded into it.
type AgentRecord struct {
	Profile   registry.Profile
	UpdatedAt time.Time
}

// AgentRepository persists the Agent Registry's durable state.
// Implementations must cascade-delete capability and performance-history
// rows when an agent is deleted.
type AgentRepository interface {
	SaveAgent(ctx context.Context, rec AgentRecord) error
	GetAgent(ctx context.Context, id string) (AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error
	RecordPerformance(ctx context.Context, agentID, taskType string, h registry.PerformanceHistory) error
	Ping(ctx context.Context) error
}

// PolicyRepository persists declarative policies beyond the process-local
// startup YAML file, letting policies be added or retired without a
// redeploy.
type PolicyRepository interface {
	SavePolicy(ctx context.Context, p policy.Policy) error
	GetPolicy(ctx context.Context, id string) (policy.Policy, error)
	ListPolicies(ctx context.Context) ([]policy.Policy, error)
	DeletePolicy(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// WaiverRepository persists the waiver lifecycle so waivers survive a
// process restart.
type WaiverRepository interface {
	SaveWaiver(ctx context.Context, w waiver.Waiver) error
	GetWaiver(ctx context.Context, id string) (waiver.Waiver, error)
	ListActiveWaivers(ctx context.Context) ([]waiver.Waiver, error)
	Ping(ctx context.Context) error
}

// AuditRecord is one durable compliance-evaluation record.
type AuditRecord struct {
	ID              string
	OperationID     string
	Compliant       bool
	ComplianceScore int
	ViolationCount  int
	WaiverApplied   bool
	WaiverID        string
	RecordedAt      time.Time
	Context         map[string]any
}

// AuditRepository persists constitutional-evaluation audit records.
// Postgres and Mongo adapters both satisfy this; the spec treats the audit
// sink as swappable.
type AuditRepository interface {
	SaveAudit(ctx context.Context, rec AuditRecord) error
	ListAuditsForOperation(ctx context.Context, operationID string) ([]AuditRecord, error)
	Ping(ctx context.Context) error
}

// NotificationAdapter is the external alert/escalate sink consumed by the
// Violation Handler and the waiver-approval routing table.
type NotificationAdapter interface {
	Notify(ctx context.Context, target, message string, metadata map[string]any) error
}
