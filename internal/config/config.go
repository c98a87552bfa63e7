// Package config loads the orchestrator's environment-variable configuration
// plus the one structured startup artifact the core owns: a
// YAML file describing default constitutional policies and waiver-approval
// routing.
//
// Environment variables are read once at startup with typed defaults; the
// policy file is a versioned apiVersion/kind YAML document so bundles can
// evolve without breaking older deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/policy"
)

// Database holds connection settings for the relational persistence backend.
type Database struct {
	Host              string
	Port              int
	Name              string
	User              string
	Password          string
	URL               string
	SSLMode           string
	PoolMin           int
	PoolMax           int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	StatementTimeout  time.Duration
}

// ConnectionString builds a postgres:// URL from discrete fields when URL
// is not set directly.
func (d Database) ConnectionString() string {
	if d.URL != "" {
		return d.URL
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}

// Orchestrator holds the Arbiter Orchestrator's own tunables.
type Orchestrator struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	EnableMetrics      bool
	EnableTracing      bool
}

// Registry holds Agent Registry tunables.
type Registry struct {
	MaxAgents           int
	StaleAgentThreshold time.Duration
	CleanupInterval     time.Duration
}

// Constitutional holds Constitutional Runtime tunables.
type Constitutional struct {
	Enabled                   bool
	StrictMode                bool
	AuditEnabled              bool
	ViolationResponseTimeout  time.Duration
	MaxViolationsPerOperation int
	WaiverApprovalRequired    bool
}

// Config is the fully resolved environment configuration.
type Config struct {
	Database       Database
	Orchestrator   Orchestrator
	Registry       Registry
	Constitutional Constitutional
}

// Load reads recognized environment variables, applying the spec's
// defaults where a variable is unset.
func Load() Config {
	return Config{
		Database: Database{
			Host:              getEnv("DATABASE_HOST", ""),
			Port:              getEnvInt("DATABASE_PORT", 5432),
			Name:              getEnv("DATABASE_NAME", "arbiter"),
			User:              getEnv("DATABASE_USER", "arbiter_app"),
			Password:          getEnv("DATABASE_PASSWORD", ""),
			URL:               getEnv("DATABASE_URL", ""),
			SSLMode:           getEnv("DATABASE_SSLMODE", "require"),
			PoolMin:           getEnvInt("DATABASE_POOL_MIN", 2),
			PoolMax:           getEnvInt("DATABASE_POOL_MAX", 20),
			IdleTimeout:       getEnvDurationMs("DATABASE_IDLE_TIMEOUT_MS", 5*time.Minute),
			ConnectionTimeout: getEnvDurationMs("DATABASE_CONNECTION_TIMEOUT_MS", 5*time.Second),
			StatementTimeout:  getEnvDurationMs("DATABASE_STATEMENT_TIMEOUT_MS", 30*time.Second),
		},
		Orchestrator: Orchestrator{
			MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", 50),
			TaskTimeout:        getEnvDurationMs("TASK_TIMEOUT_MS", 5*time.Minute),
			EnableMetrics:      getEnvBool("ENABLE_METRICS", true),
			EnableTracing:      getEnvBool("ENABLE_TRACING", true),
		},
		Registry: Registry{
			MaxAgents:           getEnvInt("MAX_AGENTS", 1000),
			StaleAgentThreshold: getEnvDurationMs("STALE_AGENT_THRESHOLD_MS", 24*time.Hour),
			CleanupInterval:     getEnvDurationMs("REGISTRY_CLEANUP_INTERVAL_MS", time.Hour),
		},
		Constitutional: Constitutional{
			Enabled:                   getEnvBool("CONSTITUTIONAL_ENABLED", true),
			StrictMode:                getEnvBool("CONSTITUTIONAL_STRICT_MODE", false),
			AuditEnabled:              getEnvBool("CONSTITUTIONAL_AUDIT_ENABLED", true),
			ViolationResponseTimeout:  getEnvDurationMs("VIOLATION_RESPONSE_TIMEOUT_MS", 5*time.Second),
			MaxViolationsPerOperation: getEnvInt("MAX_VIOLATIONS_PER_OPERATION", 10),
			WaiverApprovalRequired:    getEnvBool("WAIVER_APPROVAL_REQUIRED", true),
		},
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationMs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// PolicyFile is the startup YAML document describing default constitutional
// policies and waiver-approval routing.
type PolicyFile struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   PolicyMetadata `yaml:"metadata"`
	Spec       PolicyFileSpec `yaml:"spec"`
}

// PolicyMetadata identifies the policy bundle.
type PolicyMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PolicyFileSpec holds the declarative policies plus waiver-approval
// routing table.
type PolicyFileSpec struct {
	Policies      []PolicyDef     `yaml:"policies"`
	WaiverRouting []ApproverRoute `yaml:"waiverRouting"`
}

// PolicyDef is the YAML representation of one policy.PolicyRule-backed
// policy.Policy.
type PolicyDef struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Principle   string    `yaml:"principle"`
	Severity    string    `yaml:"severity"`
	Enabled     bool      `yaml:"enabled"`
	Remediation string    `yaml:"remediation"`
	Rules       []RuleDef `yaml:"rules"`
}

// RuleDef is the YAML representation of one policy.Rule.
type RuleDef struct {
	ID       string `yaml:"id"`
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
	Message  string `yaml:"message"`
}

// ApproverRoute maps a principle to the approver group notified on waiver
// requests against policies enforcing it.
type ApproverRoute struct {
	Principle string   `yaml:"principle"`
	Approvers []string `yaml:"approvers"`
}

// LoadPolicyFile parses a startup policy/waiver-routing document from path.
func LoadPolicyFile(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	var f PolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return PolicyFile{}, fmt.Errorf("parse policy file: %w", err)
	}
	return f, nil
}

// Policies converts the YAML policy definitions into policy.Policy values
// ready for policy.NewEngine.
func (f PolicyFile) Policies() []policy.Policy {
	out := make([]policy.Policy, 0, len(f.Spec.Policies))
	for _, pd := range f.Spec.Policies {
		rules := make([]policy.Rule, 0, len(pd.Rules))
		for _, rd := range pd.Rules {
			rules = append(rules, policy.Rule{
				ID:       rd.ID,
				Field:    rd.Field,
				Operator: rd.Operator,
				Value:    rd.Value,
				Message:  rd.Message,
			})
		}
		out = append(out, policy.Policy{
			ID:          pd.ID,
			Name:        pd.Name,
			Description: pd.Description,
			Principle:   pd.Principle,
			Severity:    policy.Severity(pd.Severity),
			Enabled:     pd.Enabled,
			Remediation: pd.Remediation,
			Rules:       rules,
		})
	}
	return out
}

// ApproversFor returns the approver group configured for a principle, or
// nil if none is configured.
func (f PolicyFile) ApproversFor(principle string) []string {
	for _, r := range f.Spec.WaiverRouting {
		if r.Principle == principle {
			return r.Approvers
		}
	}
	return nil
}
