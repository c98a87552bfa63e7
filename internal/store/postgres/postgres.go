// Package postgres implements the store repositories over PostgreSQL using
// database/sql + lib/pq: a thin struct around *sql.DB,
// ExecContext/QueryRowContext per operation, json.Marshal for the metadata
// columns, and sql.ErrNoRows mapped to a tagged not-found error.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

// AgentRepository persists agent profiles, capabilities, and performance
// history into the relational schema in schema.go.
type AgentRepository struct {
	db *sql.DB
}

// NewAgentRepository creates an AgentRepository over an existing pool.
func NewAgentRepository(db *sql.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// SaveAgent upserts the agent_profiles row and rewrites the agent's
// capability rows in one transaction, so registration persists
// all-or-nothing. Load updates go
// through GREATEST/LEAST so durable counters saturate the same way the
// in-memory ones do.
func (r *AgentRepository) SaveAgent(ctx context.Context, rec store.AgentRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save agent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := rec.Profile
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_profiles (
			id, name, model_family, active_tasks, queued_tasks,
			utilization_percent, registered_at, last_active_at
		) VALUES ($1, $2, $3, GREATEST(0, $4), GREATEST(0, $5), LEAST(100, $6), $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model_family = EXCLUDED.model_family,
			active_tasks = GREATEST(0, EXCLUDED.active_tasks),
			queued_tasks = GREATEST(0, EXCLUDED.queued_tasks),
			utilization_percent = LEAST(100, EXCLUDED.utilization_percent),
			last_active_at = EXCLUDED.last_active_at
	`, p.ID, p.Name, p.ModelFamily, p.Load.ActiveTasks, p.Load.QueuedTasks,
		p.Load.UtilizationPercent, p.RegisteredAt, p.LastActiveAt)
	if err != nil {
		return fmt.Errorf("save agent profile: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = $1`, p.ID); err != nil {
		return fmt.Errorf("clear agent capabilities: %w", err)
	}
	for _, tag := range capabilityTags(p.Capabilities) {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO agent_capabilities (agent_id, capability_name, score, metadata)
			VALUES ($1, $2, $3, $4)
		`, p.ID, tag, 1.0, []byte(`{}`)); err != nil {
			return fmt.Errorf("save agent capability %s: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save agent: %w", err)
	}
	return nil
}

// capabilityTags flattens a capability set into the schema's tag form:
// task_<type>, lang_<language>, spec_<specialization>.
func capabilityTags(c registry.Capabilities) []string {
	var tags []string
	for t := range c.TaskTypes {
		tags = append(tags, "task_"+t)
	}
	for l := range c.Languages {
		tags = append(tags, "lang_"+l)
	}
	for s := range c.Specializations {
		tags = append(tags, "spec_"+s)
	}
	return tags
}

// GetAgent loads one agent row plus its capability tags.
func (r *AgentRepository) GetAgent(ctx context.Context, id string) (store.AgentRecord, error) {
	var rec store.AgentRecord
	p := &rec.Profile

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, model_family, active_tasks, queued_tasks,
			   utilization_percent, registered_at, last_active_at
		FROM agent_profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.ModelFamily, &p.Load.ActiveTasks,
		&p.Load.QueuedTasks, &p.Load.UtilizationPercent, &p.RegisteredAt, &p.LastActiveAt)
	if err == sql.ErrNoRows {
		return store.AgentRecord{}, errs.New(errs.KindNotFound, "agent-not-found", "no persisted agent: "+id)
	}
	if err != nil {
		return store.AgentRecord{}, fmt.Errorf("load agent profile: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT capability_name FROM agent_capabilities WHERE agent_id = $1
	`, id)
	if err != nil {
		return store.AgentRecord{}, fmt.Errorf("load agent capabilities: %w", err)
	}
	defer rows.Close()

	var taskTypes, languages, specializations []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return store.AgentRecord{}, fmt.Errorf("scan capability: %w", err)
		}
		switch {
		case strings.HasPrefix(tag, "task_"):
			taskTypes = append(taskTypes, strings.TrimPrefix(tag, "task_"))
		case strings.HasPrefix(tag, "lang_"):
			languages = append(languages, strings.TrimPrefix(tag, "lang_"))
		case strings.HasPrefix(tag, "spec_"):
			specializations = append(specializations, strings.TrimPrefix(tag, "spec_"))
		}
	}
	if err := rows.Err(); err != nil {
		return store.AgentRecord{}, fmt.Errorf("iterate capabilities: %w", err)
	}
	p.Capabilities = registry.NewCapabilities(taskTypes, languages, specializations)

	rec.UpdatedAt = p.LastActiveAt
	return rec, nil
}

// ListAgents loads every persisted agent, used for bulk restore on startup.
func (r *AgentRepository) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM agent_profiles ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ids: %w", err)
	}

	out := make([]store.AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteAgent removes the profile row; capability and performance-history
// rows go with it via ON DELETE CASCADE.
func (r *AgentRepository) DeleteAgent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agent_profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.New(errs.KindNotFound, "agent-not-found", "no persisted agent: "+id)
	}
	return nil
}

// RecordPerformance appends one agent_performance_history row.
func (r *AgentRepository) RecordPerformance(ctx context.Context, agentID, taskType string, h registry.PerformanceHistory) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_performance_history (
			agent_id, task_type, success_rate, average_latency,
			total_tasks, quality_score, confidence_score, metadata, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, agentID, taskType, h.SuccessRate, h.AverageLatencyMs,
		h.TaskCount, h.AverageQuality, 0.0, []byte(`{}`), time.Now())
	if err != nil {
		return fmt.Errorf("record performance history: %w", err)
	}
	return nil
}

// Ping reports pool liveness.
func (r *AgentRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// PolicyRepository persists constitutional policies, rule lists serialized
// as a JSON column.
type PolicyRepository struct {
	db *sql.DB
}

// NewPolicyRepository creates a PolicyRepository over an existing pool.
func NewPolicyRepository(db *sql.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// SavePolicy upserts one policy.
func (r *PolicyRepository) SavePolicy(ctx context.Context, p policy.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal policy rules: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO constitutional_policies (
			id, name, description, principle, severity, enabled, remediation, rules, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			principle = EXCLUDED.principle,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled,
			remediation = EXCLUDED.remediation,
			rules = EXCLUDED.rules,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Description, p.Principle, string(p.Severity), p.Enabled, p.Remediation, rules, time.Now())
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// GetPolicy loads one policy by id.
func (r *PolicyRepository) GetPolicy(ctx context.Context, id string) (policy.Policy, error) {
	var p policy.Policy
	var severity string
	var rules []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, principle, severity, enabled, remediation, rules
		FROM constitutional_policies WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.Principle, &severity, &p.Enabled, &p.Remediation, &rules)
	if err == sql.ErrNoRows {
		return policy.Policy{}, errs.New(errs.KindNotFound, "policy-not-found", "no persisted policy: "+id)
	}
	if err != nil {
		return policy.Policy{}, fmt.Errorf("load policy: %w", err)
	}

	p.Severity = policy.Severity(severity)
	if err := json.Unmarshal(rules, &p.Rules); err != nil {
		return policy.Policy{}, fmt.Errorf("unmarshal policy rules: %w", err)
	}
	return p, nil
}

// ListPolicies loads every persisted policy.
func (r *PolicyRepository) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, principle, severity, enabled, remediation, rules
		FROM constitutional_policies ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		var severity string
		var rules []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Principle, &severity, &p.Enabled, &p.Remediation, &rules); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Severity = policy.Severity(severity)
		if err := json.Unmarshal(rules, &p.Rules); err != nil {
			return nil, fmt.Errorf("unmarshal policy rules: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePolicy removes one policy.
func (r *PolicyRepository) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM constitutional_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.New(errs.KindNotFound, "policy-not-found", "no persisted policy: "+id)
	}
	return nil
}

// Ping reports pool liveness.
func (r *PolicyRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WaiverRepository persists the waiver lifecycle.
type WaiverRepository struct {
	db *sql.DB
}

// NewWaiverRepository creates a WaiverRepository over an existing pool.
func NewWaiverRepository(db *sql.DB) *WaiverRepository {
	return &WaiverRepository{db: db}
}

// SaveWaiver upserts one waiver.
func (r *WaiverRepository) SaveWaiver(ctx context.Context, w waiver.Waiver) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policy_waivers (
			id, policy_id, operation_pattern, reason, justification,
			requested_by, reviewed_by, rejection_reason, status,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			reviewed_by = EXCLUDED.reviewed_by,
			rejection_reason = EXCLUDED.rejection_reason,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
	`, w.ID, w.PolicyID, w.OperationPattern, w.Reason, w.Justification,
		w.RequestedBy, w.ReviewedBy, w.RejectionReason, string(w.Status),
		w.CreatedAt, w.UpdatedAt, w.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save waiver: %w", err)
	}
	return nil
}

// GetWaiver loads one waiver by id.
func (r *WaiverRepository) GetWaiver(ctx context.Context, id string) (waiver.Waiver, error) {
	w, err := r.scanWaiver(r.db.QueryRowContext(ctx, `
		SELECT id, policy_id, operation_pattern, reason, justification,
			   requested_by, reviewed_by, rejection_reason, status,
			   created_at, updated_at, expires_at
		FROM policy_waivers WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return waiver.Waiver{}, errs.New(errs.KindNotFound, "waiver-not-found", "no persisted waiver: "+id)
	}
	return w, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WaiverRepository) scanWaiver(row rowScanner) (waiver.Waiver, error) {
	var w waiver.Waiver
	var status string
	err := row.Scan(&w.ID, &w.PolicyID, &w.OperationPattern, &w.Reason, &w.Justification,
		&w.RequestedBy, &w.ReviewedBy, &w.RejectionReason, &status,
		&w.CreatedAt, &w.UpdatedAt, &w.ExpiresAt)
	if err != nil {
		return waiver.Waiver{}, err
	}
	w.Status = waiver.Status(status)
	return w, nil
}

// ListActiveWaivers loads every approved, unexpired waiver, ordered oldest
// first so in-memory restore preserves the earliest-CreatedAt tie-break.
func (r *WaiverRepository) ListActiveWaivers(ctx context.Context) ([]waiver.Waiver, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, policy_id, operation_pattern, reason, justification,
			   requested_by, reviewed_by, rejection_reason, status,
			   created_at, updated_at, expires_at
		FROM policy_waivers
		WHERE status = 'approved' AND expires_at > NOW()
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active waivers: %w", err)
	}
	defer rows.Close()

	var out []waiver.Waiver
	for rows.Next() {
		w, err := r.scanWaiver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waiver: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Ping reports pool liveness.
func (r *WaiverRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// AuditRepository persists constitutional-evaluation audit records.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates an AuditRepository over an existing pool.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// SaveAudit inserts one audit record.
func (r *AuditRepository) SaveAudit(ctx context.Context, rec store.AuditRecord) error {
	meta, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshal audit context: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO constitutional_audits (
			id, operation_id, compliant, compliance_score,
			violation_count, waiver_applied, waiver_id, recorded_at, context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.OperationID, rec.Compliant, rec.ComplianceScore,
		rec.ViolationCount, rec.WaiverApplied, rec.WaiverID, rec.RecordedAt, meta)
	if err != nil {
		return fmt.Errorf("save audit record: %w", err)
	}
	return nil
}

// ListAuditsForOperation loads the audit trail of one operation, oldest
// first.
func (r *AuditRepository) ListAuditsForOperation(ctx context.Context, operationID string) ([]store.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation_id, compliant, compliance_score,
			   violation_count, waiver_applied, waiver_id, recorded_at, context
		FROM constitutional_audits WHERE operation_id = $1 ORDER BY recorded_at
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []store.AuditRecord
	for rows.Next() {
		var rec store.AuditRecord
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.OperationID, &rec.Compliant, &rec.ComplianceScore,
			&rec.ViolationCount, &rec.WaiverApplied, &rec.WaiverID, &rec.RecordedAt, &meta); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Context); err != nil {
				return nil, fmt.Errorf("unmarshal audit context: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping reports pool liveness.
func (r *AuditRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
