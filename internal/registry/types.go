// Package registry implements the Agent Registry and Performance Tracker:
// the authoritative map of agent identity to capability, measured
// performance, and current load.
//
// Profiles live in a map behind an RWMutex and are deep-cloned on every
// read, so callers can never mutate registry state in place.
package registry

import "time"

// Capabilities is the set of task types, languages, and specializations an
// agent declares it can handle.
type Capabilities struct {
	TaskTypes       map[string]struct{}
	Languages       map[string]struct{}
	Specializations map[string]struct{}
}

// NewCapabilities builds a Capabilities set from plain string slices.
func NewCapabilities(taskTypes, languages, specializations []string) Capabilities {
	c := Capabilities{
		TaskTypes:       toSet(taskTypes),
		Languages:       toSet(languages),
		Specializations: toSet(specializations),
	}
	return c
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func (c Capabilities) hasTaskType(t string) bool {
	_, ok := c.TaskTypes[t]
	return ok
}

func (c Capabilities) hasAll(required map[string]struct{}, have map[string]struct{}) bool {
	for r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// clone returns a deep copy so callers can freely read without racing a
// concurrent registry write.
func (c Capabilities) clone() Capabilities {
	out := Capabilities{
		TaskTypes:       make(map[string]struct{}, len(c.TaskTypes)),
		Languages:       make(map[string]struct{}, len(c.Languages)),
		Specializations: make(map[string]struct{}, len(c.Specializations)),
	}
	for k := range c.TaskTypes {
		out.TaskTypes[k] = struct{}{}
	}
	for k := range c.Languages {
		out.Languages[k] = struct{}{}
	}
	for k := range c.Specializations {
		out.Specializations[k] = struct{}{}
	}
	return out
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// PerformanceHistory is the running, incrementally-averaged performance
// record for one agent. Optimistic defaults encourage
// exploration of newly registered agents.
type PerformanceHistory struct {
	SuccessRate      float64
	AverageQuality   float64
	AverageLatencyMs float64
	TaskCount        int64
}

// DefaultPerformanceHistory returns the optimistic bootstrap values:
// successRate 0.8, quality 0.7, latency 5000ms, count 0.
func DefaultPerformanceHistory() PerformanceHistory {
	return PerformanceHistory{
		SuccessRate:      0.8,
		AverageQuality:   0.7,
		AverageLatencyMs: 5000,
		TaskCount:        0,
	}
}

// Outcome is one task-execution result fed into the incremental-average
// update.
type Outcome struct {
	Success    bool
	Quality    float64
	LatencyMs  float64
	TokensUsed int
	TaskType   string
}

// updateHistory applies the incremental-average formula:
// new = old + (sample - old) / (count + 1). Running means are never
// recomputed from raw history.
func updateHistory(old PerformanceHistory, o Outcome) PerformanceHistory {
	n := float64(old.TaskCount)
	successSample := 0.0
	if o.Success {
		successSample = 1.0
	}

	next := PerformanceHistory{
		SuccessRate:      old.SuccessRate + (successSample-old.SuccessRate)/(n+1),
		AverageQuality:   old.AverageQuality + (o.Quality-old.AverageQuality)/(n+1),
		AverageLatencyMs: old.AverageLatencyMs + (o.LatencyMs-old.AverageLatencyMs)/(n+1),
		TaskCount:        old.TaskCount + 1,
	}

	next.SuccessRate = clamp(next.SuccessRate, 0, 1)
	next.AverageQuality = clamp(next.AverageQuality, 0, 1)
	if next.AverageLatencyMs < 0 {
		next.AverageLatencyMs = 0
	}
	return next
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CurrentLoad tracks an agent's active and queued task counts and the
// derived utilization percentage.
type CurrentLoad struct {
	ActiveTasks        int
	QueuedTasks        int
	UtilizationPercent float64
}

func (l CurrentLoad) withDelta(activeDelta, queuedDelta int, maxConcurrent int) CurrentLoad {
	active := l.ActiveTasks + activeDelta
	if active < 0 {
		active = 0
	}
	queued := l.QueuedTasks + queuedDelta
	if queued < 0 {
		queued = 0
	}

	util := 0.0
	if maxConcurrent > 0 {
		util = float64(active) / float64(maxConcurrent) * 100
	}
	if util > 100 {
		util = 100
	}
	if util < 0 {
		util = 0
	}

	return CurrentLoad{ActiveTasks: active, QueuedTasks: queued, UtilizationPercent: util}
}

// Profile is an agent's full identity, capability, and performance record.
// Owned exclusively by the Registry; callers receive copies.
type Profile struct {
	ID           string
	Name         string
	ModelFamily  string
	Capabilities Capabilities
	Performance  PerformanceHistory
	Load         CurrentLoad
	RegisteredAt time.Time
	LastActiveAt time.Time
}

func (p Profile) clone() Profile {
	out := p
	out.Capabilities = p.Capabilities.clone()
	return out
}

// MatchResult pairs an agent with its capability-query match score and the
// rationale behind that score.
type MatchResult struct {
	Profile    Profile
	MatchScore float64
	Rationale  string
}

// Query describes a capability-filtered agent lookup.
type Query struct {
	RequiredTaskType        string
	RequiredLanguages       []string
	RequiredSpecializations []string
	MaxUtilization          float64 // 0 means "no ceiling" only when explicitly unset; callers should pass 100 for "no ceiling"
	MinSuccessRate          float64
}
