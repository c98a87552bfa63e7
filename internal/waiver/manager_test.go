package waiver

import (
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
)

func newTestManager() *Manager {
	return New(DefaultConfig(), nil)
}

func TestRequestCreatesPendingWaiver(t *testing.T) {
	m := newTestManager()
	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "maintenance window", RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if w.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", w.Status)
	}
	if w.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestRequestRejectsMissingFields(t *testing.T) {
	m := newTestManager()
	if _, err := m.Request(RequestInput{Reason: "x", OperationPattern: "p"}); !errs.Is(err, errs.KindInvalidInput) {
		t.Fatalf("expected invalid-input for missing policy id, got %v", err)
	}
	if _, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "p"}); !errs.Is(err, errs.KindInvalidInput) {
		t.Fatalf("expected invalid-input for missing reason, got %v", err)
	}
	if _, err := m.Request(RequestInput{PolicyID: "p1", Reason: "x"}); !errs.Is(err, errs.KindInvalidInput) {
		t.Fatalf("expected invalid-input for missing operation pattern, got %v", err)
	}
}

func TestApproveThenCheckWaiverFindsActiveWaiver(t *testing.T) {
	m := newTestManager()
	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "x"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Approve(w.ID, "reviewer1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	res := m.CheckWaiver(`{"type":"system_delete","agentId":"a1"}`)
	if !res.HasActiveWaiver {
		t.Fatalf("expected active waiver to be found")
	}
	if res.Waiver.ID != w.ID {
		t.Fatalf("unexpected waiver returned: %+v", res.Waiver)
	}
}

func TestCheckWaiverIgnoresPendingAndRejected(t *testing.T) {
	m := newTestManager()
	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "x"})
	if err != nil {
		t.Fatal(err)
	}

	if m.CheckWaiver("system_delete").HasActiveWaiver {
		t.Fatalf("pending waiver should not shadow policy enforcement")
	}

	if _, err := m.Reject(w.ID, "reviewer1", "not justified"); err != nil {
		t.Fatal(err)
	}
	if m.CheckWaiver("system_delete").HasActiveWaiver {
		t.Fatalf("rejected waiver should not shadow policy enforcement")
	}
}

func TestCheckWaiverIsCaseInsensitiveSubstring(t *testing.T) {
	m := newTestManager()
	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "System_Delete", Reason: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(w.ID, "r"); err != nil {
		t.Fatal(err)
	}

	res := m.CheckWaiver(`op_type=system_delete;agent=a1;session=s1`)
	if !res.HasActiveWaiver || res.Waiver.ID != w.ID {
		t.Fatalf("expected case-insensitive substring match, got %+v", res)
	}

	if m.CheckWaiver("some_other_operation").HasActiveWaiver {
		t.Fatalf("non-matching operation should not find a waiver")
	}
}

func TestCheckWaiverTieBreaksOnEarliestCreatedAt(t *testing.T) {
	m := newTestManager()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.nowFunc = func() time.Time { return base }
	first, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(first.ID, "r"); err != nil {
		t.Fatal(err)
	}

	m.nowFunc = func() time.Time { return base.Add(time.Minute) }
	second, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(second.ID, "r"); err != nil {
		t.Fatal(err)
	}

	m.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	res := m.CheckWaiver("system_delete")
	if !res.HasActiveWaiver {
		t.Fatalf("expected a match")
	}
	if res.Waiver.ID != first.ID {
		t.Fatalf("expected earliest-created waiver (%s) to win, got %s", first.ID, res.Waiver.ID)
	}
}

func TestRevokeEndsAnApprovedWaiverImmediately(t *testing.T) {
	m := newTestManager()
	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(w.ID, "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Revoke(w.ID, "r", "incident closed"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if m.CheckWaiver("system_delete").HasActiveWaiver {
		t.Fatalf("revoked waiver should not shadow policy enforcement")
	}
}

func TestSweepExpiredMarksApprovedWaiversExpired(t *testing.T) {
	m := newTestManager()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return base }

	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "system_delete", Reason: "x", ExpiresAt: base.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(w.ID, "r"); err != nil {
		t.Fatal(err)
	}

	m.nowFunc = func() time.Time { return base.Add(2 * time.Hour) }
	m.expireWaivers()

	got, err := m.Get(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", got.Status)
	}
}

func TestApproveRejectOnlyFromPending(t *testing.T) {
	m := newTestManager()
	w, err := m.Request(RequestInput{PolicyID: "p1", OperationPattern: "x", Reason: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(w.ID, "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(w.ID, "r"); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected conflict re-approving a non-pending waiver, got %v", err)
	}
}
