package registry

import (
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
)

// Tracker is a thin wrapper over Registry.UpdatePerformance
// that additionally keeps a ring-buffered log of recent outcomes, exposed
// through Recent. The bandit selector does not read the ring buffer: it
// scores candidates from PerformanceHistory and its own pull counts, and
// breaks ties by agent id. The buffer is not the source of truth for
// PerformanceHistory, which the Registry owns.
type Tracker struct {
	registry *Registry
	bus      *events.Bus

	mu     sync.Mutex
	ring   []recordedOutcome
	cursor int
	size   int
	cap    int
}

type recordedOutcome struct {
	AgentID   string
	Outcome   Outcome
	Timestamp time.Time
}

// NewTracker creates a Tracker backed by the given Registry, with a ring
// buffer capacity (default 512 when capacity <= 0).
func NewTracker(registry *Registry, bus *events.Bus, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 512
	}
	return &Tracker{
		registry: registry,
		bus:      bus,
		ring:     make([]recordedOutcome, capacity),
		cap:      capacity,
	}
}

// Record folds an outcome into the agent's performance history and appends
// it to the ring buffer, then emits a PerformanceEvent-shaped bus message.
// Errors from the underlying registry update propagate unchanged.
func (t *Tracker) Record(agentID string, outcome Outcome) (Profile, error) {
	updated, err := t.registry.UpdatePerformance(agentID, outcome)
	if err != nil {
		return Profile{}, err
	}

	t.mu.Lock()
	t.ring[t.cursor] = recordedOutcome{AgentID: agentID, Outcome: outcome, Timestamp: time.Now()}
	t.cursor = (t.cursor + 1) % t.cap
	if t.size < t.cap {
		t.size++
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(events.Event{
			Type:      events.AgentPerformanceUpdated,
			Timestamp: time.Now(),
			Severity:  events.SeverityInfo,
			Source:    "performance-tracker",
			Payload: map[string]any{
				"agent_id":    agentID,
				"success":     outcome.Success,
				"quality":     outcome.Quality,
				"latency_ms":  outcome.LatencyMs,
				"task_type":   outcome.TaskType,
				"tokens_used": outcome.TokensUsed,
			},
		})
	}

	return updated, nil
}

// Recent returns up to n of the most recently recorded outcomes for an
// agent, newest first. The bandit selector does not call it.
func (t *Tracker) Recent(agentID string, n int) []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Outcome
	idx := t.cursor - 1
	for i := 0; i < t.size && len(out) < n; i++ {
		if idx < 0 {
			idx += t.cap
		}
		if t.ring[idx].AgentID == agentID {
			out = append(out, t.ring[idx].Outcome)
		}
		idx--
	}
	return out
}
