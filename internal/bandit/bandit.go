// Package bandit implements the UCB-with-epsilon-greedy agent selector. It
// operates purely on the candidate set handed to it by the Task Router; it
// has no knowledge of capability filtering or load. Selection is a pure
// function over precomputed per-candidate scores, with a seeded *rand.Rand
// (guarded by its own mutex) driving the exploration draw.
package bandit

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Candidate is one agent eligible for selection, carrying just the fields
// the bandit needs: its performance statistics.
type Candidate struct {
	AgentID     string
	SuccessRate float64
	TaskCount   int64
}

// Alternative records one candidate's score for the decision's audit trail.
type Alternative struct {
	AgentID string
	Score   float64
}

// Decision is the outcome of one selection.
type Decision struct {
	SelectedAgentID string
	Confidence      float64
	Alternatives    []Alternative
	Rationale       string
	Explored        bool
}

// Config tunes exploration.
type Config struct {
	// Epsilon is the exploration probability.
	Epsilon float64
	// TopKAlternatives bounds how many alternatives are reported.
	TopKAlternatives int
}

// DefaultConfig returns epsilon=0.1, reporting the top 5 alternatives.
func DefaultConfig() Config {
	return Config{Epsilon: 0.1, TopKAlternatives: 5}
}

// Selector is a UCB-with-epsilon-greedy bandit over agent candidates. It
// tracks its own per-agent pull counts alongside the registry-reported task
// counts, so an agent that was just selected but has not yet reported an
// outcome is no longer treated as untried.
type Selector struct {
	cfg        Config
	rand       *rand.Rand
	mu         sync.Mutex
	totalTasks int64
	pulls      map[string]int64
}

// NewSelector creates a Selector with the given config and a time-seeded
// random source.
func NewSelector(cfg Config) *Selector {
	return &Selector{
		cfg:   cfg,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		pulls: make(map[string]int64),
	}
}

// ucbBonus is sqrt(2*ln(totalTasks)/n) for n>0 and totalTasks>1, else 1.0
// (maximum, so untried agents are surfaced).
func ucbBonus(n int64, totalTasks int64) float64 {
	if n <= 0 {
		return 1.0
	}
	if totalTasks <= 1 {
		return 1.0
	}
	return math.Sqrt(2 * math.Log(float64(totalTasks)) / float64(n))
}

// Select picks one agent from candidates. Candidates must be non-empty;
// callers (the Task Router) are responsible for capability filtering
// upstream. Candidates the selector has never pulled and that carry no
// recorded outcomes are served first (lexicographic order), the standard
// UCB play-each-arm-once bootstrap.
func (s *Selector) Select(candidates []Candidate) Decision {
	s.mu.Lock()
	s.totalTasks++
	total := s.totalTasks
	explore := s.cfg.Epsilon > 0 && s.rand.Float64() < s.cfg.Epsilon
	var randomIdx int
	if explore {
		randomIdx = s.rand.Intn(len(candidates))
	}
	effective := make(map[string]int64, len(candidates))
	for _, c := range candidates {
		n := c.TaskCount
		if p := s.pulls[c.AgentID]; p > n {
			n = p
		}
		effective[c.AgentID] = n
	}
	s.mu.Unlock()

	type scored struct {
		Candidate
		score float64
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		scoredList[i] = scored{Candidate: c, score: c.SuccessRate + ucbBonus(effective[c.AgentID], total)}
	}

	// Deterministic tie-break: lexicographic agent id, applied before sorting
	// by score so equal scores always land in the same relative order.
	sort.Slice(scoredList, func(i, j int) bool {
		return scoredList[i].AgentID < scoredList[j].AgentID
	})
	sort.SliceStable(scoredList, func(i, j int) bool {
		return scoredList[i].score > scoredList[j].score
	})

	alternatives := make([]Alternative, 0, len(scoredList))
	for _, sc := range scoredList {
		alternatives = append(alternatives, Alternative{AgentID: sc.AgentID, Score: sc.score})
	}
	topK := s.cfg.TopKAlternatives
	if topK <= 0 || topK > len(alternatives) {
		topK = len(alternatives)
	}
	alternatives = alternatives[:topK]

	if explore {
		chosen := candidates[randomIdx]
		bonus := ucbBonus(effective[chosen.AgentID], total)
		s.recordPull(chosen.AgentID)
		return Decision{
			SelectedAgentID: chosen.AgentID,
			Confidence:      chosen.SuccessRate + bonus,
			Alternatives:    alternatives,
			Rationale:       "epsilon-greedy exploration: random candidate selected",
			Explored:        true,
		}
	}

	if untried := untriedFirst(candidates, effective); untried != "" {
		var conf float64
		for _, c := range candidates {
			if c.AgentID == untried {
				conf = c.SuccessRate + 1.0
			}
		}
		s.recordPull(untried)
		return Decision{
			SelectedAgentID: untried,
			Confidence:      conf,
			Alternatives:    alternatives,
			Rationale:       "UCB bootstrap: untried candidate surfaced",
			Explored:        false,
		}
	}

	best := scoredList[0]
	s.recordPull(best.AgentID)
	return Decision{
		SelectedAgentID: best.AgentID,
		Confidence:      best.score,
		Alternatives:    alternatives,
		Rationale:       "UCB exploitation: highest success-rate-plus-bonus score",
		Explored:        false,
	}
}

// untriedFirst returns the lexicographically-first candidate with zero
// effective pulls, or "" when every candidate has been tried.
func untriedFirst(candidates []Candidate, effective map[string]int64) string {
	var pick string
	for _, c := range candidates {
		if effective[c.AgentID] > 0 {
			continue
		}
		if pick == "" || c.AgentID < pick {
			pick = c.AgentID
		}
	}
	return pick
}

func (s *Selector) recordPull(agentID string) {
	s.mu.Lock()
	s.pulls[agentID]++
	s.mu.Unlock()
}

// ConfidenceInterval returns the UCB exploration bonus for an agent with
// the given task count against the selector's current total-tasks counter;
// taskCount=0 returns the maximum 1.0.
func (s *Selector) ConfidenceInterval(taskCount int64) float64 {
	s.mu.Lock()
	total := s.totalTasks
	s.mu.Unlock()
	return ucbBonus(taskCount, total)
}
