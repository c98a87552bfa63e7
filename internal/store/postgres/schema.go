package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the agent tables plus the policy, waiver, and audit tables
// the constitutional layer persists into. Created idempotently on startup.
const schema = `
CREATE TABLE IF NOT EXISTS agent_profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model_family TEXT NOT NULL,
	active_tasks INTEGER NOT NULL DEFAULT 0,
	queued_tasks INTEGER NOT NULL DEFAULT 0,
	utilization_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	registered_at TIMESTAMPTZ NOT NULL,
	last_active_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_capabilities (
	agent_id TEXT NOT NULL REFERENCES agent_profiles(id) ON DELETE CASCADE,
	capability_name TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	metadata JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (agent_id, capability_name)
);

CREATE TABLE IF NOT EXISTS agent_performance_history (
	id BIGSERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agent_profiles(id) ON DELETE CASCADE,
	task_type TEXT NOT NULL,
	success_rate DOUBLE PRECISION NOT NULL,
	average_latency DOUBLE PRECISION NOT NULL,
	total_tasks BIGINT NOT NULL,
	quality_score DOUBLE PRECISION NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_performance_agent ON agent_performance_history(agent_id, recorded_at);

CREATE TABLE IF NOT EXISTS constitutional_policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	principle TEXT NOT NULL,
	severity TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	remediation TEXT NOT NULL DEFAULT '',
	rules JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_waivers (
	id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	operation_pattern TEXT NOT NULL,
	reason TEXT NOT NULL,
	justification TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	reviewed_by TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_waivers_status ON policy_waivers(status, expires_at);

CREATE TABLE IF NOT EXISTS constitutional_audits (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	compliant BOOLEAN NOT NULL,
	compliance_score INTEGER NOT NULL,
	violation_count INTEGER NOT NULL DEFAULT 0,
	waiver_applied BOOLEAN NOT NULL DEFAULT FALSE,
	waiver_id TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	context JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audits_operation ON constitutional_audits(operation_id, recorded_at);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
