package waiver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
)

// Config tunes default waiver duration and cleanup cadence.
type Config struct {
	DefaultDuration time.Duration
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultConfig returns a 24h default waiver lifetime, hourly expiry sweep,
// and a 90-day retention window.
func DefaultConfig() Config {
	return Config{
		DefaultDuration: 24 * time.Hour,
		CleanupInterval: time.Hour,
		MaxAge:          90 * 24 * time.Hour,
	}
}

// Manager owns the waiver set, guarded by a single RWMutex: waivers are
// reviewed out of band (by a human), so contention is expected to be low,
// unlike the per-agent locking used in the registry.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu      sync.RWMutex
	waivers map[string]Waiver
	nowFunc func() time.Time

	cleanupCancel context.CancelFunc
}

// New creates a Manager.
func New(cfg Config, bus *events.Bus) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		waivers: make(map[string]Waiver),
		nowFunc: time.Now,
	}
}

// StartCleanup launches the periodic expiry + retention sweep.
func (m *Manager) StartCleanup(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cleanupCancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireWaivers()
				m.pruneOld()
			}
		}
	}()
}

// StopCleanup cancels the background sweep, if running.
func (m *Manager) StopCleanup() {
	if m.cleanupCancel != nil {
		m.cleanupCancel()
	}
}

// expireWaivers promotes any approved waiver past its ExpiresAt to expired.
// CheckWaiver calls this itself before scanning.
func (m *Manager) expireWaivers() {
	now := m.nowFunc()

	m.mu.Lock()
	var expired []string
	for id, w := range m.waivers {
		if w.Status == StatusApproved && !now.Before(w.ExpiresAt) {
			w.Status = StatusExpired
			w.UpdatedAt = now
			m.waivers[id] = w
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.publish(events.WaiverExpired, events.SeverityLow, map[string]any{"waiver_id": id})
	}
}

// pruneOld deletes waivers older than cfg.MaxAge.
func (m *Manager) pruneOld() {
	if m.cfg.MaxAge <= 0 {
		return
	}
	cutoff := m.nowFunc().Add(-m.cfg.MaxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.waivers {
		if w.CreatedAt.Before(cutoff) {
			delete(m.waivers, id)
		}
	}
}

// RequestInput is the caller-supplied subset of a new waiver request
// ).
type RequestInput struct {
	PolicyID         string
	OperationPattern string
	Reason           string
	Justification    string
	RequestedBy      string
	ExpiresAt        time.Time
}

// Request creates a new pending waiver.
func (m *Manager) Request(in RequestInput) (Waiver, error) {
	if in.PolicyID == "" {
		return Waiver{}, errs.New(errs.KindInvalidInput, "invalid-waiver-request", "policy id is required")
	}
	if in.OperationPattern == "" {
		return Waiver{}, errs.New(errs.KindInvalidInput, "invalid-waiver-request", "operation pattern is required")
	}
	if in.Reason == "" {
		return Waiver{}, errs.New(errs.KindInvalidInput, "invalid-waiver-request", "reason is required")
	}

	now := m.nowFunc()
	expiresAt := in.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(m.cfg.DefaultDuration)
	}

	w := Waiver{
		ID:               uuid.NewString(),
		PolicyID:         in.PolicyID,
		OperationPattern: in.OperationPattern,
		Reason:           in.Reason,
		Justification:    in.Justification,
		RequestedBy:      in.RequestedBy,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        expiresAt,
	}

	m.mu.Lock()
	m.waivers[w.ID] = w
	m.mu.Unlock()

	m.publish(events.WaiverCreated, events.SeverityInfo, map[string]any{"waiver_id": w.ID, "policy_id": w.PolicyID})

	return w.clone(), nil
}

// Approve transitions a pending waiver to approved. The Constitutional
// Runtime records the grant with its audit sink, without a severity.
func (m *Manager) Approve(id, approver string) (Waiver, error) {
	w, err := m.transition(id, StatusPending, StatusApproved, func(w *Waiver) {
		w.ReviewedBy = approver
	})
	if err != nil {
		return Waiver{}, err
	}
	m.publish(events.WaiverApproved, events.SeverityInfo, map[string]any{"waiver_id": id})
	return w, nil
}

// Reject transitions a pending waiver to rejected.
func (m *Manager) Reject(id, rejecter, reason string) (Waiver, error) {
	w, err := m.transition(id, StatusPending, StatusRejected, func(w *Waiver) {
		w.ReviewedBy = rejecter
		w.RejectionReason = reason
	})
	if err != nil {
		return Waiver{}, err
	}
	m.publish(events.WaiverRejected, events.SeverityInfo, map[string]any{"waiver_id": id})
	return w, nil
}

// Revoke immediately ends an approved waiver, regardless of its expiry.
// The Constitutional Runtime records the revocation with its audit sink,
// without a severity.
func (m *Manager) Revoke(id, actor, reason string) (Waiver, error) {
	w, err := m.transition(id, StatusApproved, StatusRevoked, func(w *Waiver) {
		w.ReviewedBy = actor
		w.RejectionReason = reason
	})
	if err != nil {
		return Waiver{}, err
	}
	return w, nil
}

func (m *Manager) transition(id string, from, to Status, mutate func(*Waiver)) (Waiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.waivers[id]
	if !ok {
		return Waiver{}, errs.New(errs.KindNotFound, "waiver-not-found", "no such waiver: "+id)
	}
	if w.Status != from {
		return Waiver{}, errs.New(errs.KindConflict, "waiver-not-pending", "waiver is not in the expected state: "+id)
	}

	w.Status = to
	w.UpdatedAt = m.nowFunc()
	mutate(&w)
	m.waivers[id] = w

	return w.clone(), nil
}

// Get returns a copy of one waiver by id.
func (m *Manager) Get(id string) (Waiver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waivers[id]
	if !ok {
		return Waiver{}, errs.New(errs.KindNotFound, "waiver-not-found", "no such waiver: "+id)
	}
	return w.clone(), nil
}

// CheckResult reports whether an operation is covered by an active waiver.
type CheckResult struct {
	HasActiveWaiver bool
	Waiver          Waiver
	ExpiresAt       time.Time
	RemainingTimeMs int64
}

// CheckWaiver expires stale waivers, then scans active (approved,
// non-expired) waivers whose operation pattern, case-insensitive, is a
// substring of the canonical operation string. Returns the oldest matching
// waiver by CreatedAt.
func (m *Manager) CheckWaiver(canonicalOperation string) CheckResult {
	m.expireWaivers()

	now := m.nowFunc()

	m.mu.RLock()
	var matches []Waiver
	for _, w := range m.waivers {
		if w.active(now) && w.matches(canonicalOperation) {
			matches = append(matches, w)
		}
	}
	m.mu.RUnlock()

	if len(matches) == 0 {
		return CheckResult{}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	best := matches[0]
	return CheckResult{
		HasActiveWaiver: true,
		Waiver:          best,
		ExpiresAt:       best.ExpiresAt,
		RemainingTimeMs: best.ExpiresAt.Sub(now).Milliseconds(),
	}
}

func (m *Manager) publish(t events.Type, sev events.Severity, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      t,
		Timestamp: m.nowFunc(),
		Severity:  sev,
		Source:    "waiver-manager",
		Payload:   payload,
	})
}
