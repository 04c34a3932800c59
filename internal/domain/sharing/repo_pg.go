package sharing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const shareCols = `id, patient_id, facility_id, record_ids, recipient_name, recipient_email,
	COALESCE(recipient_organization, ''), purpose, shared_by, token_hash, status, expires_at, created_at, revoked_at`

func (r *repoPG) Create(ctx context.Context, s *RecordShare) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO record_shares (id, patient_id, facility_id, record_ids, recipient_name,
			recipient_email, recipient_organization, purpose, shared_by, token_hash, status,
			expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13)`,
		s.ID, s.PatientID, s.FacilityID, s.RecordIDs, s.Recipient.Name,
		s.Recipient.Email, s.Recipient.Organization, s.Purpose, s.SharedBy, s.TokenHash, s.Status,
		s.ExpiresAt, s.CreatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*RecordShare, error) {
	return r.scanOne(ctx, `SELECT `+shareCols+` FROM record_shares WHERE id::text = $1`, id)
}

func (r *repoPG) GetByTokenHash(ctx context.Context, hash string) (*RecordShare, error) {
	return r.scanOne(ctx, `SELECT `+shareCols+` FROM record_shares WHERE token_hash = $1`, hash)
}

func (r *repoPG) Revoke(ctx context.Context, id string, s *RecordShare) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE record_shares SET status = $2, revoked_at = $3 WHERE id::text = $1`, id, s.Status, s.RevokedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) scanOne(ctx context.Context, query string, arg string) (*RecordShare, error) {
	var s RecordShare
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, arg).Scan(
		&s.ID, &s.PatientID, &s.FacilityID, &s.RecordIDs, &s.Recipient.Name, &s.Recipient.Email,
		&s.Recipient.Organization, &s.Purpose, &s.SharedBy, &s.TokenHash, &s.Status,
		&s.ExpiresAt, &s.CreatedAt, &s.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
