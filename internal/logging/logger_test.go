package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	return New("test-component").WithOutput(buf).WithMinLevel(LevelDebug)
}

func lastEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("log line is not valid JSON: %v: %q", err, buf.String())
	}
	return e
}

func TestLogWritesOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.Info(context.Background(), "op-1", "agent-1", "task routed", map[string]any{"strategy": "bandit"})

	e := lastEntry(t, &buf)
	if e.Level != "INFO" || e.Component != "test-component" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.OperationID != "op-1" || e.AgentID != "agent-1" {
		t.Fatalf("identity fields not carried: %+v", e)
	}
	if e.Fields["strategy"] != "bandit" {
		t.Fatalf("fields not carried: %+v", e.Fields)
	}
}

func TestMinLevelFiltersLowerEntries(t *testing.T) {
	var buf bytes.Buffer
	l := New("test-component").WithOutput(&buf).WithMinLevel(LevelWarn)

	l.Debug(context.Background(), "", "", "dropped", nil)
	l.Info(context.Background(), "", "", "dropped too", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected entries below WARN dropped, got %q", buf.String())
	}

	l.Warn(context.Background(), "", "", "kept", nil)
	if buf.Len() == 0 {
		t.Fatalf("expected WARN entry written")
	}
}

func TestTraceIDsThreadedFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:  trace.SpanID{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "op-1", "", "validated", nil)

	e := lastEntry(t, &buf)
	if e.TraceID != sc.TraceID().String() || e.SpanID != sc.SpanID().String() {
		t.Fatalf("expected trace/span ids threaded into the entry, got %+v", e)
	}
}

func TestNoTraceIDsWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.Info(context.Background(), "", "", "no span", nil)

	e := lastEntry(t, &buf)
	if e.TraceID != "" || e.SpanID != "" {
		t.Fatalf("expected empty trace ids without an active span, got %+v", e)
	}
}

func TestErrorFoldsCauseIntoFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.Error(context.Background(), "op-1", "", "persistence failed", context.DeadlineExceeded, nil)

	e := lastEntry(t, &buf)
	if e.Fields["error"] != context.DeadlineExceeded.Error() {
		t.Fatalf("expected error folded into fields, got %+v", e.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
