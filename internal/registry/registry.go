package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
)

// Config tunes the registry's capacity and cleanup behavior.
type Config struct {
	MaxAgents             int
	MaxConcurrentPerAgent int
	StaleAgentThreshold   time.Duration
	CleanupInterval       time.Duration
}

// DefaultConfig returns 1000 agents max, 24h staleness, 1h cleanup sweep.
func DefaultConfig() Config {
	return Config{
		MaxAgents:             1000,
		MaxConcurrentPerAgent: 10,
		StaleAgentThreshold:   24 * time.Hour,
		CleanupInterval:       time.Hour,
	}
}

// Registry is the authoritative, thread-safe map of agent id to Profile.
// Per-agent performance/load updates take an exclusive per-agent lock; the
// top-level map lock only guards registration and unregistration, so
// updates to different agents never contend.
type Registry struct {
	cfg Config
	bus *events.Bus

	mu      sync.RWMutex
	agents  map[string]*agentEntry
	nowFunc func() time.Time

	cleanupCancel context.CancelFunc
}

type agentEntry struct {
	mu      sync.Mutex
	profile Profile
}

// New creates a Registry. If bus is non-nil, lifecycle events
// (agent.registered, agent.unregistered, agent.performance-updated) are
// published to it.
func New(cfg Config, bus *events.Bus) *Registry {
	return &Registry{
		cfg:     cfg,
		bus:     bus,
		agents:  make(map[string]*agentEntry),
		nowFunc: time.Now,
	}
}

// StartCleanup launches the periodic staleness sweep: a cancellable-context
// ticker loop owned by the registry itself.
func (r *Registry) StartCleanup(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cleanupCancel = cancel

	go func() {
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepStale()
			}
		}
	}()
}

// StopCleanup cancels the background sweep, if running.
func (r *Registry) StopCleanup() {
	if r.cleanupCancel != nil {
		r.cleanupCancel()
	}
}

func (r *Registry) sweepStale() {
	threshold := r.nowFunc().Add(-r.cfg.StaleAgentThreshold)

	r.mu.Lock()
	var stale []string
	for id, e := range r.agents {
		e.mu.Lock()
		last := e.profile.LastActiveAt
		e.mu.Unlock()
		if last.Before(threshold) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.publish(events.AgentUnregistered, events.SeverityInfo, map[string]any{"agent_id": id, "reason": "stale"})
	}
}

// RegisterInput is the caller-supplied subset of a Profile; defaults for
// performance, load, and timestamps are filled in by Register.
type RegisterInput struct {
	ID              string
	Name            string
	ModelFamily     string
	TaskTypes       []string
	Languages       []string
	Specializations []string
}

// Register adds a new agent to the registry, filling in optimistic
// defaults. Fails with KindInvalidInput for malformed data, KindConflict
// if the id already exists, and KindResourceExhaustion ("registry-full") at
// capacity.
func (r *Registry) Register(in RegisterInput) (Profile, error) {
	if in.ID == "" {
		return Profile{}, errs.New(errs.KindInvalidInput, "invalid-agent-data", "agent id must not be empty")
	}
	if in.Name == "" {
		return Profile{}, errs.New(errs.KindInvalidInput, "invalid-agent-data", "agent name must not be empty")
	}
	if in.ModelFamily == "" {
		return Profile{}, errs.New(errs.KindInvalidInput, "invalid-agent-data", "model family must not be empty")
	}
	if len(in.TaskTypes) == 0 {
		return Profile{}, errs.New(errs.KindInvalidInput, "invalid-agent-data", "at least one task-type capability is required")
	}

	now := r.nowFunc()
	profile := Profile{
		ID:           in.ID,
		Name:         in.Name,
		ModelFamily:  in.ModelFamily,
		Capabilities: NewCapabilities(in.TaskTypes, in.Languages, in.Specializations),
		Performance:  DefaultPerformanceHistory(),
		Load:         CurrentLoad{},
		RegisteredAt: now,
		LastActiveAt: now,
	}

	r.mu.Lock()
	if _, exists := r.agents[in.ID]; exists {
		r.mu.Unlock()
		return Profile{}, errs.New(errs.KindConflict, "agent-already-exists", "agent already registered: "+in.ID)
	}
	if r.cfg.MaxAgents > 0 && len(r.agents) >= r.cfg.MaxAgents {
		r.mu.Unlock()
		return Profile{}, errs.New(errs.KindResourceExhaustion, "registry-full", "agent registry is at capacity")
	}
	r.agents[in.ID] = &agentEntry{profile: profile}
	r.mu.Unlock()

	r.publish(events.AgentRegistered, events.SeverityInfo, map[string]any{"agent_id": in.ID})

	return profile.clone(), nil
}

// Get returns a copy of an agent's profile.
func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, errs.New(errs.KindNotFound, "agent-not-found", "no such agent: "+id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile.clone(), nil
}

// Query filters and ranks agents by capability match.
// Results are sorted primarily by success rate descending, with ties within
// 0.01 broken by match score.
func (r *Registry) Query(q Query) []MatchResult {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	requiredLangs := toSet(q.RequiredLanguages)
	requiredSpecs := toSet(q.RequiredSpecializations)

	maxUtil := q.MaxUtilization
	if maxUtil <= 0 {
		maxUtil = 100
	}

	var results []MatchResult
	for _, e := range entries {
		e.mu.Lock()
		p := e.profile.clone()
		e.mu.Unlock()

		if q.RequiredTaskType != "" && !p.Capabilities.hasTaskType(q.RequiredTaskType) {
			continue
		}
		if !p.Capabilities.hasAll(requiredLangs, p.Capabilities.Languages) {
			continue
		}
		if !p.Capabilities.hasAll(requiredSpecs, p.Capabilities.Specializations) {
			continue
		}
		if p.Load.UtilizationPercent > maxUtil {
			continue
		}
		if p.Performance.SuccessRate < q.MinSuccessRate {
			continue
		}

		score, rationale := matchScore(p, requiredLangs, requiredSpecs)
		results = append(results, MatchResult{Profile: p, MatchScore: score, Rationale: rationale})
	}

	sort.Slice(results, func(i, j int) bool {
		if abs(results[i].Profile.Performance.SuccessRate-results[j].Profile.Performance.SuccessRate) <= 0.01 {
			return results[i].MatchScore > results[j].MatchScore
		}
		return results[i].Profile.Performance.SuccessRate > results[j].Profile.Performance.SuccessRate
	})

	return results
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// matchScore is a weighted sum: task-type match 0.3 (always satisfied by
// query filtering), language overlap ratio * 0.3, specialization overlap
// ratio * 0.2, success rate * 0.2.
func matchScore(p Profile, requiredLangs, requiredSpecs map[string]struct{}) (float64, string) {
	var factors []string
	score := 0.3
	factors = append(factors, "task-type match")

	if len(requiredLangs) > 0 {
		matched := overlapCount(requiredLangs, p.Capabilities.Languages)
		ratio := float64(matched) / float64(len(requiredLangs))
		score += ratio * 0.3
		if ratio > 0 {
			factors = append(factors, "language overlap")
		}
	} else {
		score += 0.3
	}

	if len(requiredSpecs) > 0 {
		matched := overlapCount(requiredSpecs, p.Capabilities.Specializations)
		ratio := float64(matched) / float64(len(requiredSpecs))
		score += ratio * 0.2
		if ratio > 0 {
			factors = append(factors, "specialization overlap")
		}
	} else {
		score += 0.2
	}

	score += p.Performance.SuccessRate * 0.2
	factors = append(factors, "success rate")

	rationale := factors[0]
	for _, f := range factors[1:] {
		rationale += "; " + f
	}
	return score, rationale
}

func overlapCount(required, have map[string]struct{}) int {
	count := 0
	for r := range required {
		if _, ok := have[r]; ok {
			count++
		}
	}
	return count
}

// UpdatePerformance atomically folds an outcome into an agent's performance
// history using the incremental-average formula and bumps LastActiveAt.
func (r *Registry) UpdatePerformance(id string, outcome Outcome) (Profile, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, errs.New(errs.KindNotFound, "agent-not-found", "no such agent: "+id)
	}

	e.mu.Lock()
	e.profile.Performance = updateHistory(e.profile.Performance, outcome)
	e.profile.LastActiveAt = r.nowFunc()
	updated := e.profile.clone()
	e.mu.Unlock()

	r.publish(events.AgentPerformanceUpdated, events.SeverityInfo, map[string]any{
		"agent_id":     id,
		"success_rate": updated.Performance.SuccessRate,
		"task_count":   updated.Performance.TaskCount,
	})

	return updated, nil
}

// UpdateLoad applies a saturating delta to an agent's active/queued task
// counters.
func (r *Registry) UpdateLoad(id string, activeDelta, queuedDelta int) (Profile, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, errs.New(errs.KindNotFound, "agent-not-found", "no such agent: "+id)
	}

	e.mu.Lock()
	e.profile.Load = e.profile.Load.withDelta(activeDelta, queuedDelta, r.cfg.MaxConcurrentPerAgent)
	e.profile.LastActiveAt = r.nowFunc()
	updated := e.profile.clone()
	e.mu.Unlock()

	return updated, nil
}

// Unregister removes an agent, returning false if it was not present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if ok {
		r.publish(events.AgentUnregistered, events.SeverityInfo, map[string]any{"agent_id": id})
	}
	return ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) publish(t events.Type, sev events.Severity, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      t,
		Timestamp: r.nowFunc(),
		Severity:  sev,
		Source:    "registry",
		Payload:   payload,
	})
}
