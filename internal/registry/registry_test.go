package registry

import (
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
)

func newTestRegistry() *Registry {
	return New(DefaultConfig(), nil)
}

func TestRegisterFillsOptimisticDefaults(t *testing.T) {
	r := newTestRegistry()

	p, err := r.Register(RegisterInput{ID: "a1", Name: "Claude", ModelFamily: "claude-3", TaskTypes: []string{"analysis"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if p.Performance.SuccessRate != 0.8 || p.Performance.AverageQuality != 0.7 || p.Performance.AverageLatencyMs != 5000 || p.Performance.TaskCount != 0 {
		t.Fatalf("unexpected default performance: %+v", p.Performance)
	}
	if p.Load.ActiveTasks != 0 || p.Load.UtilizationPercent != 0 {
		t.Fatalf("unexpected default load: %+v", p.Load)
	}
}

func TestRegisterThenGetRoundTrips(t *testing.T) {
	r := newTestRegistry()

	in := RegisterInput{ID: "a1", Name: "Claude", ModelFamily: "claude-3", TaskTypes: []string{"analysis"}, Languages: []string{"go"}}
	registered, err := r.Register(in)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	fetched, err := r.Get("a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if fetched.ID != registered.ID || fetched.Name != registered.Name {
		t.Fatalf("round trip mismatch: %+v vs %+v", fetched, registered)
	}
}

func TestRegisterRejectsInvalidAgentData(t *testing.T) {
	r := newTestRegistry()

	cases := []RegisterInput{
		{ID: "", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}},
		{ID: "a1", Name: "", ModelFamily: "y", TaskTypes: []string{"t"}},
		{ID: "a1", Name: "x", ModelFamily: "", TaskTypes: []string{"t"}},
		{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: nil},
	}

	for _, c := range cases {
		if _, err := r.Register(c); !errs.Is(err, errs.KindInvalidInput) {
			t.Fatalf("expected invalid-input error for %+v, got %v", c, err)
		}
	}
}

func TestRegisterDuplicateIDConflicts(t *testing.T) {
	r := newTestRegistry()
	in := RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}

	if _, err := r.Register(in); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(in); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegistryAtCapacityRejectsUntilUnregister(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAgents = 1
	r := New(cfg, nil)

	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if _, err := r.Register(RegisterInput{ID: "a2", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); !errs.Is(err, errs.KindResourceExhaustion) {
		t.Fatalf("expected registry-full, got %v", err)
	}

	if !r.Unregister("a1") {
		t.Fatalf("expected unregister to succeed")
	}
	if _, err := r.Register(RegisterInput{ID: "a2", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatalf("expected register to succeed after freeing a slot: %v", err)
	}
}

func TestUpdatePerformanceIsIncrementalAverage(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcomes := []Outcome{
		{Success: true, Quality: 0.9, LatencyMs: 100},
		{Success: false, Quality: 0.2, LatencyMs: 200},
		{Success: true, Quality: 0.8, LatencyMs: 150},
	}

	var last Profile
	for _, o := range outcomes {
		var err error
		last, err = r.UpdatePerformance("a1", o)
		if err != nil {
			t.Fatalf("UpdatePerformance: %v", err)
		}
	}

	// The bootstrap count is 0, so the first update replaces the optimistic
	// success rate outright and the result is the mean of the observed
	// indicators {1,0,1}; verify it against updateHistory applied in turn.
	want := DefaultPerformanceHistory()
	for _, o := range outcomes {
		want = updateHistory(want, o)
	}
	if last.Performance.SuccessRate != want.SuccessRate {
		t.Fatalf("success rate = %v, want %v", last.Performance.SuccessRate, want.SuccessRate)
	}
	if last.Performance.TaskCount != 3 {
		t.Fatalf("task count = %v, want 3", last.Performance.TaskCount)
	}
}

func TestUpdateLoadSaturatesAtZeroAndCeilingAt100(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerAgent = 2
	r := New(cfg, nil)
	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	p, err := r.UpdateLoad("a1", -5, -5)
	if err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	if p.Load.ActiveTasks != 0 || p.Load.QueuedTasks != 0 {
		t.Fatalf("expected saturation at 0, got %+v", p.Load)
	}

	p, err = r.UpdateLoad("a1", 10, 0)
	if err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	if p.Load.UtilizationPercent != 100 {
		t.Fatalf("expected utilization ceiling at 100, got %v", p.Load.UtilizationPercent)
	}
}

func TestQueryFiltersByTaskTypeAndLanguage(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"analysis"}, Languages: []string{"go"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(RegisterInput{ID: "a2", Name: "x", ModelFamily: "y", TaskTypes: []string{"analysis"}, Languages: []string{"python"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(RegisterInput{ID: "a3", Name: "x", ModelFamily: "y", TaskTypes: []string{"codegen"}}); err != nil {
		t.Fatal(err)
	}

	results := r.Query(Query{RequiredTaskType: "analysis", RequiredLanguages: []string{"go"}, MinSuccessRate: 0})
	if len(results) != 1 || results[0].Profile.ID != "a1" {
		t.Fatalf("expected only a1 to match, got %+v", results)
	}
}

func TestSweepStaleRemovesOldAgents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleAgentThreshold = time.Hour
	r := New(cfg, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return base }

	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatal(err)
	}

	r.nowFunc = func() time.Time { return base.Add(2 * time.Hour) }
	r.sweepStale()

	if _, err := r.Get("a1"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected stale agent to be removed, got err=%v", err)
	}
}
