package middleware

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAuditRecorder writes entries to the external_access_log table.
type PGAuditRecorder struct {
	pool *pgxpool.Pool
}

func NewPGAuditRecorder(pool *pgxpool.Pool) *PGAuditRecorder {
	return &PGAuditRecorder{pool: pool}
}

func (r *PGAuditRecorder) RecordAccess(ctx context.Context, e AuditEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO external_access_log
			(request_id, api_key_id, method, path, patient_id, action, status_code, remote_ip, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		e.RequestID, e.APIKeyID, e.Method, e.Path, e.PatientID, e.Action, e.StatusCode, e.IPAddress, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// FirestoreAuditRecorder appends entries to the externalAccessLog collection.
type FirestoreAuditRecorder struct {
	client *firestore.Client
}

func NewFirestoreAuditRecorder(client *firestore.Client) *FirestoreAuditRecorder {
	return &FirestoreAuditRecorder{client: client}
}

func (r *FirestoreAuditRecorder) RecordAccess(ctx context.Context, e AuditEntry) error {
	_, _, err := r.client.Collection("externalAccessLog").Add(ctx, map[string]interface{}{
		"requestId":  e.RequestID,
		"apiKeyId":   e.APIKeyID,
		"method":     e.Method,
		"path":       e.Path,
		"patientId":  e.PatientID,
		"action":     e.Action,
		"statusCode": e.StatusCode,
		"remoteIp":   e.IPAddress,
		"occurredAt": e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("add access log: %w", err)
	}
	return nil
}
