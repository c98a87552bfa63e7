// Package assignment implements the Assignment Manager: tracks in-flight
// (task, agent) assignments through acknowledgement, progress, and
// reassignment on failure or timeout.
//
// Each assignment carries per-transition timestamps; a cancellable ticker
// sweep enforces the acknowledgement and max-duration ceilings.
package assignment

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
)

// State is a position in the assignment state machine.
type State string

const (
	StatePendingAck   State = "pending-ack"
	StateAcknowledged State = "acknowledged"
	StateInProgress   State = "in-progress"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
	StateReassigned   State = "reassigned"
)

// Assignment is one tracked (task, agent) pairing.
type Assignment struct {
	ID             string
	TaskID         string
	AgentID        string
	State          State
	Attempt        int
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
	StartedAt      *time.Time
	LastHeartbeat  *time.Time
	FinishedAt     *time.Time
}

func (a Assignment) clone() Assignment {
	out := a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		out.StartedAt = &t
	}
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		out.LastHeartbeat = &t
	}
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Config tunes the assignment timing ceilings.
type Config struct {
	AckTimeout        time.Duration
	MaxDuration       time.Duration
	HeartbeatInterval time.Duration
	MaxReassignments  int
	SweepInterval     time.Duration
}

// DefaultConfig returns the spec's defaults: 10s ack timeout, 5min max
// duration, 30s heartbeat tolerance, 3 reassignments.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        10 * time.Second,
		MaxDuration:       5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxReassignments:  3,
		SweepInterval:     5 * time.Second,
	}
}

// Manager owns the assignment set and its timeout sweeps.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu          sync.Mutex
	assignments map[string]*Assignment
	byTask      map[string]string // taskID -> current assignment id
	nowFunc     func() time.Time

	onReassign func(ReassignDecision)

	sweepCancel context.CancelFunc
}

// OnReassign registers the callback the sweep hands ReassignDecisions to;
// the orchestrator uses it to requeue the task or surface
// max-reassignments-exceeded. Must be set before StartSweeps.
func (m *Manager) OnReassign(fn func(ReassignDecision)) {
	m.onReassign = fn
}

// New creates a Manager.
func New(cfg Config, bus *events.Bus) *Manager {
	return &Manager{
		cfg:         cfg,
		bus:         bus,
		assignments: make(map[string]*Assignment),
		byTask:      make(map[string]string),
		nowFunc:     time.Now,
	}
}

// StartSweeps launches the periodic ack-timeout / max-duration check.
func (m *Manager) StartSweeps(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// StopSweeps cancels the background sweep, if running.
func (m *Manager) StopSweeps() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
}

// Create starts tracking a new assignment in pending-ack (attempt 1 unless
// this is a reassignment, in which case attempt is carried over + 1 by the
// caller).
func (m *Manager) Create(id, taskID, agentID string, attempt int) Assignment {
	now := m.nowFunc()
	a := &Assignment{
		ID:        id,
		TaskID:    taskID,
		AgentID:   agentID,
		State:     StatePendingAck,
		Attempt:   attempt,
		CreatedAt: now,
	}

	m.mu.Lock()
	m.assignments[id] = a
	m.byTask[taskID] = id
	m.mu.Unlock()

	m.publish(events.TaskAssigned, events.SeverityInfo, map[string]any{"assignment_id": id, "task_id": taskID, "agent_id": agentID})
	return a.clone()
}

// Acknowledge transitions pending-ack -> acknowledged.
func (m *Manager) Acknowledge(id string) (Assignment, error) {
	return m.transition(id, StatePendingAck, StateAcknowledged, func(a *Assignment, now time.Time) {
		a.AcknowledgedAt = &now
	})
}

// Start transitions acknowledged -> in-progress.
func (m *Manager) Start(id string) (Assignment, error) {
	return m.transition(id, StateAcknowledged, StateInProgress, func(a *Assignment, now time.Time) {
		a.StartedAt = &now
		a.LastHeartbeat = &now
	})
}

// Heartbeat records liveness for an in-progress assignment.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return errs.New(errs.KindNotFound, "assignment-not-found", "no such assignment: "+id)
	}
	if a.State != StateInProgress {
		return errs.New(errs.KindConflict, "assignment-not-in-progress", "assignment is not in-progress: "+id)
	}
	now := m.nowFunc()
	a.LastHeartbeat = &now
	return nil
}

// Complete transitions in-progress -> completed.
func (m *Manager) Complete(id string) (Assignment, error) {
	return m.transition(id, StateInProgress, StateCompleted, func(a *Assignment, now time.Time) {
		a.FinishedAt = &now
	})
}

// Fail transitions in-progress -> failed.
func (m *Manager) Fail(id string) (Assignment, error) {
	return m.transition(id, StateInProgress, StateFailed, func(a *Assignment, now time.Time) {
		a.FinishedAt = &now
	})
}

// Cancel transitions in-progress -> cancelled.
func (m *Manager) Cancel(id string) (Assignment, error) {
	return m.transition(id, StateInProgress, StateCancelled, func(a *Assignment, now time.Time) {
		a.FinishedAt = &now
	})
}

// CancelAny force-cancels an assignment from any non-terminal state, used
// by the orchestrator's cancelTask API where the worker may not have
// acknowledged yet.
func (m *Manager) CancelAny(id string) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, errs.New(errs.KindNotFound, "assignment-not-found", "no such assignment: "+id)
	}
	switch a.State {
	case StateCompleted, StateFailed, StateCancelled, StateReassigned:
		return Assignment{}, errs.New(errs.KindConflict, "assignment-terminal", "assignment already terminal: "+id)
	}

	now := m.nowFunc()
	a.State = StateCancelled
	a.FinishedAt = &now
	delete(m.byTask, a.TaskID)
	return a.clone(), nil
}

func (m *Manager) transition(id string, from, to State, mutate func(*Assignment, time.Time)) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, errs.New(errs.KindNotFound, "assignment-not-found", "no such assignment: "+id)
	}
	if a.State != from {
		return Assignment{}, errs.New(errs.KindConflict, "invalid-assignment-transition", "cannot move assignment from "+string(a.State)+" via this transition")
	}

	now := m.nowFunc()
	a.State = to
	mutate(a, now)
	return a.clone(), nil
}

// Get returns a copy of an assignment.
func (m *Manager) Get(id string) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, errs.New(errs.KindNotFound, "assignment-not-found", "no such assignment: "+id)
	}
	return a.clone(), nil
}

// ReassignDecision is returned by the sweep for the orchestrator to act on.
type ReassignDecision struct {
	TaskID   string
	AgentID  string
	Attempt  int
	Exceeded bool
}

func (m *Manager) sweep() []ReassignDecision {
	now := m.nowFunc()
	var decisions []ReassignDecision

	m.mu.Lock()
	for _, a := range m.assignments {
		switch a.State {
		case StatePendingAck:
			if now.Sub(a.CreatedAt) > m.cfg.AckTimeout {
				decisions = append(decisions, m.reassignLocked(a, now))
			}
		case StateInProgress:
			deadline := a.CreatedAt.Add(m.cfg.MaxDuration)
			if a.StartedAt != nil {
				deadline = a.StartedAt.Add(m.cfg.MaxDuration)
			}
			if now.After(deadline) {
				decisions = append(decisions, m.reassignLocked(a, now))
			}
		}
	}
	m.mu.Unlock()

	for _, d := range decisions {
		if d.Exceeded {
			m.publish(events.TaskFailed, events.SeverityHigh, map[string]any{"task_id": d.TaskID, "reason": "max-reassignments-exceeded"})
		}
		if m.onReassign != nil {
			m.onReassign(d)
		}
	}
	return decisions
}

// GetByTask returns the current assignment for a task id, if any.
func (m *Manager) GetByTask(taskID string) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTask[taskID]
	if !ok {
		return Assignment{}, false
	}
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, false
	}
	return a.clone(), true
}

func (m *Manager) reassignLocked(a *Assignment, now time.Time) ReassignDecision {
	a.State = StateReassigned
	a.FinishedAt = &now
	delete(m.byTask, a.TaskID)

	exceeded := a.Attempt >= m.cfg.MaxReassignments
	return ReassignDecision{TaskID: a.TaskID, AgentID: a.AgentID, Attempt: a.Attempt + 1, Exceeded: exceeded}
}

func (m *Manager) publish(t events.Type, sev events.Severity, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      t,
		Timestamp: m.nowFunc(),
		Severity:  sev,
		Source:    "assignment-manager",
		Payload:   payload,
	})
}
