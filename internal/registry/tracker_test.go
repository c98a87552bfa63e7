package registry

import "testing"

func TestTrackerRecordUpdatesRegistryAndRingBuffer(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(r, nil, 4)

	if _, err := tr.Record("a1", Outcome{Success: true, Quality: 0.9, LatencyMs: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := tr.Record("a1", Outcome{Success: false, Quality: 0.3, LatencyMs: 200}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent := tr.Recent("a1", 10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent outcomes, got %d", len(recent))
	}
	// newest first
	if recent[0].Success {
		t.Fatalf("expected newest outcome first (failure), got %+v", recent[0])
	}

	p, err := r.Get("a1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Performance.TaskCount != 2 {
		t.Fatalf("expected registry to reflect 2 recorded outcomes, got %d", p.Performance.TaskCount)
	}
}

func TestTrackerRingBufferWraps(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Register(RegisterInput{ID: "a1", Name: "x", ModelFamily: "y", TaskTypes: []string{"t"}}); err != nil {
		t.Fatal(err)
	}
	tr := NewTracker(r, nil, 2)

	for i := 0; i < 5; i++ {
		if _, err := tr.Record("a1", Outcome{Success: true, Quality: 0.5, LatencyMs: 10}); err != nil {
			t.Fatal(err)
		}
	}

	recent := tr.Recent("a1", 10)
	if len(recent) != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", len(recent))
	}
}
