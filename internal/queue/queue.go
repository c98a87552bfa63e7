// Package queue implements the Task Queue: a bounded priority queue keyed
// by priority desc, ties broken by FIFO insertion order.
//
// Ordering is a heap over (priority, insertion sequence); a state map
// answers lifecycle queries without blocking the dequeue path.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/events"
)

// State is a task's position in its lifecycle, as seen by the queue.
type State string

const (
	StateQueued    State = "queued"
	StateInFlight  State = "in-flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Task is one unit of work to be routed to an agent.
type Task struct {
	ID                      string
	TaskType                string
	Priority                int
	RequiredLanguages       []string
	RequiredSpecializations []string
	MaxUtilization          float64
	MinSuccessRate          float64
	Payload                 any
	SubmittedAt             time.Time
	Attempt                 int
}

type entry struct {
	task     Task
	sequence int64
	index    int
}

type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].sequence < h[j].sequence
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Config tunes queue capacity.
type Config struct {
	Capacity int
}

// DefaultConfig returns the spec's default capacity of 1000.
func DefaultConfig() Config {
	return Config{Capacity: 1000}
}

// Queue is a bounded, in-memory priority queue with optional write-through
// persistence.
type Queue struct {
	cfg Config
	bus *events.Bus

	mu      sync.Mutex
	heap    priorityHeap
	states  map[string]State
	nextSeq int64
	persist Persister
	nowFunc func() time.Time
}

// Persister is the optional write-through persistence adapter. The
// core does not assume it is crash-consistent.
type Persister interface {
	SaveQueued(Task) error
	SaveInFlight(Task) error
	SaveTerminal(taskID string, state State) error
	LoadPending() ([]Task, error)
}

// New creates a Queue. If persist is non-nil, every state transition is
// written through to it.
func New(cfg Config, bus *events.Bus, persist Persister) *Queue {
	return &Queue{
		cfg:     cfg,
		bus:     bus,
		heap:    priorityHeap{},
		states:  make(map[string]State),
		persist: persist,
		nowFunc: time.Now,
	}
}

// Restore requeues any tasks the persistence adapter reports as pending
// (queued or in-flight) after a restart, bumping their attempt number.
func (q *Queue) Restore() error {
	if q.persist == nil {
		return nil
	}
	pending, err := q.persist.LoadPending()
	if err != nil {
		return err
	}
	for _, t := range pending {
		t.Attempt++
		if err := q.Enqueue(t); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue adds a task to the queue. Fails with KindResourceExhaustion
// ("queue-full") at capacity.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	if q.cfg.Capacity > 0 && len(q.heap) >= q.cfg.Capacity {
		q.mu.Unlock()
		return errs.New(errs.KindResourceExhaustion, "queue-full", "task queue is at capacity")
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = q.nowFunc()
	}
	q.nextSeq++
	heap.Push(&q.heap, &entry{task: t, sequence: q.nextSeq})
	q.states[t.ID] = StateQueued
	q.mu.Unlock()

	if q.persist != nil {
		_ = q.persist.SaveQueued(t)
	}

	q.publish(events.TaskEnqueued, map[string]any{"task_id": t.ID, "priority": t.Priority})
	return nil
}

// Dequeue removes and returns the highest-priority task, or ok=false if
// empty. Never blocks.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	if len(q.heap) == 0 {
		q.mu.Unlock()
		return Task{}, false
	}
	e := heap.Pop(&q.heap).(*entry)
	q.states[e.task.ID] = StateInFlight
	q.mu.Unlock()

	if q.persist != nil {
		_ = q.persist.SaveInFlight(e.task)
	}

	waitMs := q.nowFunc().Sub(e.task.SubmittedAt).Milliseconds()
	q.publish(events.TaskDequeued, map[string]any{"task_id": e.task.ID, "wait_time_ms": waitMs})
	return e.task, true
}

// Size returns the number of tasks currently queued (not in-flight).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// GetTaskState returns a task's lifecycle state.
func (q *Queue) GetTaskState(id string) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.states[id]; ok {
		return s
	}
	return StateUnknown
}

// MarkCompleted transitions a task to the completed terminal state.
func (q *Queue) MarkCompleted(id string) {
	q.setTerminal(id, StateCompleted)
}

// MarkFailed transitions a task to the failed terminal state.
func (q *Queue) MarkFailed(id string) {
	q.setTerminal(id, StateFailed)
}

func (q *Queue) setTerminal(id string, state State) {
	q.mu.Lock()
	q.states[id] = state
	q.mu.Unlock()

	if q.persist != nil {
		_ = q.persist.SaveTerminal(id, state)
	}
}

func (q *Queue) publish(t events.Type, payload map[string]any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{
		Type:      t,
		Timestamp: q.nowFunc(),
		Severity:  events.SeverityInfo,
		Source:    "queue",
		Payload:   payload,
	})
}
