package arbiter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/store"
)

// auditBridge adapts a store.AuditRepository to the constitutional
// runtime's AuditSink, writing asynchronously through a bounded channel so
// a slow sink never blocks the validation path.
type auditBridge struct {
	repo  store.AuditRepository
	queue chan store.AuditRecord
}

func newAuditBridge(repo store.AuditRepository) *auditBridge {
	b := &auditBridge{
		repo:  repo,
		queue: make(chan store.AuditRecord, 1000),
	}
	go b.drain()
	return b
}

func (b *auditBridge) drain() {
	for rec := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = b.repo.SaveAudit(ctx, rec)
		cancel()
	}
}

// RecordAudit enqueues one audit record, dropping it when the buffer is
// full rather than blocking the decision path.
func (b *auditBridge) RecordAudit(_ context.Context, operationID string, compliant bool, score int, waiverID string, violationCount int) error {
	rec := store.AuditRecord{
		ID:              uuid.NewString(),
		OperationID:     operationID,
		Compliant:       compliant,
		ComplianceScore: score,
		ViolationCount:  violationCount,
		WaiverApplied:   waiverID != "",
		WaiverID:        waiverID,
		RecordedAt:      time.Now(),
	}
	select {
	case b.queue <- rec:
	default:
	}
	return nil
}
