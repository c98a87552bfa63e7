// Package mongo implements the audit repository over MongoDB, selected by
// config as the document-oriented alternative to the Postgres sink.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arbiterhq/arbiter/internal/store"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxPoolSize    = 100
	defaultMinPoolSize    = 10

	auditCollection = "constitutional_audits"
)

// AuditRepository stores audit records as documents in one collection.
type AuditRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// auditDoc is the BSON shape of one store.AuditRecord.
type auditDoc struct {
	ID              string         `bson:"_id"`
	OperationID     string         `bson:"operation_id"`
	Compliant       bool           `bson:"compliant"`
	ComplianceScore int            `bson:"compliance_score"`
	ViolationCount  int            `bson:"violation_count"`
	WaiverApplied   bool           `bson:"waiver_applied"`
	WaiverID        string         `bson:"waiver_id,omitempty"`
	RecordedAt      time.Time      `bson:"recorded_at"`
	Context         map[string]any `bson:"context,omitempty"`
}

// Connect dials MongoDB and returns an AuditRepository over the named
// database, verifying the connection with a ping before returning.
func Connect(ctx context.Context, uri, database string) (*AuditRepository, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(defaultMaxPoolSize).
		SetMinPoolSize(defaultMinPoolSize).
		SetConnectTimeout(defaultConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &AuditRepository{
		client:     client,
		collection: client.Database(database).Collection(auditCollection),
	}, nil
}

// NewAuditRepository wraps an already-connected client, used by tests.
func NewAuditRepository(client *mongo.Client, database string) *AuditRepository {
	return &AuditRepository{
		client:     client,
		collection: client.Database(database).Collection(auditCollection),
	}
}

// SaveAudit inserts one audit document.
func (r *AuditRepository) SaveAudit(ctx context.Context, rec store.AuditRecord) error {
	doc := auditDoc{
		ID:              rec.ID,
		OperationID:     rec.OperationID,
		Compliant:       rec.Compliant,
		ComplianceScore: rec.ComplianceScore,
		ViolationCount:  rec.ViolationCount,
		WaiverApplied:   rec.WaiverApplied,
		WaiverID:        rec.WaiverID,
		RecordedAt:      rec.RecordedAt,
		Context:         rec.Context,
	}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditsForOperation loads one operation's audit trail, oldest first.
func (r *AuditRepository) ListAuditsForOperation(ctx context.Context, operationID string) ([]store.AuditRecord, error) {
	cursor, err := r.collection.Find(ctx,
		bson.M{"operation_id": operationID},
		options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find audit records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []store.AuditRecord
	for cursor.Next(ctx) {
		var doc auditDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, store.AuditRecord{
			ID:              doc.ID,
			OperationID:     doc.OperationID,
			Compliant:       doc.Compliant,
			ComplianceScore: doc.ComplianceScore,
			ViolationCount:  doc.ViolationCount,
			WaiverApplied:   doc.WaiverApplied,
			WaiverID:        doc.WaiverID,
			RecordedAt:      doc.RecordedAt,
			Context:         doc.Context,
		})
	}
	return out, cursor.Err()
}

// Ping reports connection liveness.
func (r *AuditRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (r *AuditRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
