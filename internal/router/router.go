// Package router implements the Task Router: capability filter → bandit
// selection → load-aware fallback → decision record.
//
// The pipeline queries the registry for eligible candidates, hands them to
// the selection strategy, and records a decision struct describing what
// happened and why; routing failures are reported as a structured result
// rather than an error the caller must unwrap.
package router

import (
	"math/rand"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/bandit"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/registry"
)

// Strategy tags a RoutingDecision with how the agent was chosen.
type Strategy string

const (
	StrategyBandit          Strategy = "bandit"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyFallback        Strategy = "fallback"
	StrategyNone            Strategy = "none"
)

// Decision is a recorded routing outcome.
type Decision struct {
	TaskID          string
	SelectedAgentID string
	Strategy        Strategy
	Confidence      float64
	Alternatives    []bandit.Alternative
	Rationale       string
	Timestamp       time.Time
	Failed          bool
	FailureReason   string
}

// Config tunes the default capability query applied to every routing
// request, plus the soft deadline past which selection falls back to a
// random eligible agent instead of a full bandit pass.
type Config struct {
	MaxUtilization float64
	MinSuccessRate float64
	SoftTimeout    time.Duration
}

// DefaultConfig returns maxUtilization=90, minSuccessRate=0.2, and a 100ms
// soft routing deadline.
func DefaultConfig() Config {
	return Config{MaxUtilization: 90, MinSuccessRate: 0.2, SoftTimeout: 100 * time.Millisecond}
}

// Request describes one task to route.
type Request struct {
	TaskID                  string
	TaskType                string
	RequiredLanguages       []string
	RequiredSpecializations []string
}

// Router composes a Registry query with a bandit.Selector.
type Router struct {
	cfg      Config
	reg      *registry.Registry
	selector *bandit.Selector
	bus      *events.Bus

	mu      sync.Mutex
	history map[string]Decision
	nowFunc func() time.Time
	rand    *rand.Rand
}

// New creates a Router.
func New(cfg Config, reg *registry.Registry, selector *bandit.Selector, bus *events.Bus) *Router {
	return &Router{
		cfg:      cfg,
		reg:      reg,
		selector: selector,
		bus:      bus,
		history:  make(map[string]Decision),
		nowFunc:  time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Route executes the routing pipeline for one task. It never
// returns an error: routing failures are reported as a Decision with
// strategy "none", Failed=true, and zero confidence.
func (r *Router) Route(req Request) Decision {
	now := r.nowFunc()

	results := r.reg.Query(registry.Query{
		RequiredTaskType:        req.TaskType,
		RequiredLanguages:       req.RequiredLanguages,
		RequiredSpecializations: req.RequiredSpecializations,
		MaxUtilization:          r.cfg.MaxUtilization,
		MinSuccessRate:          r.cfg.MinSuccessRate,
	})

	var decision Decision
	switch {
	case len(results) == 0:
		decision = Decision{
			TaskID:        req.TaskID,
			Strategy:      StrategyNone,
			Failed:        true,
			FailureReason: "no-capable-agent",
			Timestamp:     now,
		}
	case len(results) == 1:
		confidence := results[0].MatchScore
		if confidence > 0.95 {
			confidence = 0.95
		}
		decision = Decision{
			TaskID:          req.TaskID,
			SelectedAgentID: results[0].Profile.ID,
			Strategy:        StrategyCapabilityMatch,
			Confidence:      confidence,
			Rationale:       results[0].Rationale,
			Timestamp:       now,
		}
	case r.cfg.SoftTimeout > 0 && r.nowFunc().Sub(now) > r.cfg.SoftTimeout:
		// The registry query already blew the routing budget; skip the
		// bandit pass and hand the task to a random eligible agent.
		r.mu.Lock()
		pick := results[r.rand.Intn(len(results))]
		r.mu.Unlock()
		decision = Decision{
			TaskID:          req.TaskID,
			SelectedAgentID: pick.Profile.ID,
			Strategy:        StrategyFallback,
			Confidence:      pick.MatchScore * 0.5,
			Rationale:       "soft routing deadline exceeded; random eligible agent",
			Timestamp:       now,
		}
	default:
		candidates := make([]bandit.Candidate, len(results))
		for i, res := range results {
			candidates[i] = bandit.Candidate{
				AgentID:     res.Profile.ID,
				SuccessRate: res.Profile.Performance.SuccessRate,
				TaskCount:   res.Profile.Performance.TaskCount,
			}
		}
		pick := r.selector.Select(candidates)
		decision = Decision{
			TaskID:          req.TaskID,
			SelectedAgentID: pick.SelectedAgentID,
			Strategy:        StrategyBandit,
			Confidence:      pick.Confidence,
			Alternatives:    pick.Alternatives,
			Rationale:       pick.Rationale,
			Timestamp:       now,
		}
	}

	r.mu.Lock()
	r.history[req.TaskID] = decision
	r.mu.Unlock()

	r.publish(decision)
	return decision
}

// Decision returns the recorded decision for a task id, if any.
func (r *Router) Decision(taskID string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.history[taskID]
	return d, ok
}

func (r *Router) publish(d Decision) {
	if r.bus == nil {
		return
	}
	sev := events.SeverityInfo
	if d.Failed {
		sev = events.SeverityMedium
	}
	r.bus.Publish(events.Event{
		Type:      events.TaskRoutingDecided,
		Timestamp: d.Timestamp,
		Severity:  sev,
		Source:    "router",
		Payload: map[string]any{
			"task_id":    d.TaskID,
			"agent_id":   d.SelectedAgentID,
			"strategy":   string(d.Strategy),
			"confidence": d.Confidence,
			"failed":     d.Failed,
			"reason":     d.FailureReason,
		},
	})
}
