package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/db"
)

// PGAPIKeyStore persists API keys in the api_keys table.
type PGAPIKeyStore struct {
	pool *pgxpool.Pool
}

func NewPGAPIKeyStore(pool *pgxpool.Pool) *PGAPIKeyStore {
	return &PGAPIKeyStore{pool: pool}
}

const apiKeyColumns = `id, name, key_hash, key_prefix, facility_id, client_id, scopes,
	status, expires_at, created_at, revoked_at, last_used_at, metadata`

func (s *PGAPIKeyStore) CreateKey(ctx context.Context, key *APIKey) error {
	meta, err := json.Marshal(metadataOrEmpty(key.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.FacilityID, key.ClientID, key.Scopes,
		key.Status, key.ExpiresAt, key.CreatedAt, key.RevokedAt, key.LastUsedAt, meta,
	)
	return err
}

func (s *PGAPIKeyStore) GetByID(ctx context.Context, id string) (*APIKey, error) {
	return scanAPIKey(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id::text = $1`, id))
}

func (s *PGAPIKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	return scanAPIKey(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
}

func (s *PGAPIKeyStore) ListByFacility(ctx context.Context, facilityID string, limit, offset int) ([]*APIKey, int, error) {
	conn := db.Conn(ctx, s.pool)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE $1 = '' OR facility_id = $1`, facilityID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
		WHERE $1 = '' OR facility_id = $1
		ORDER BY created_at LIMIT $2 OFFSET $3`, facilityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, k)
	}
	return keys, total, rows.Err()
}

func (s *PGAPIKeyStore) UpdateKey(ctx context.Context, key *APIKey) error {
	meta, err := json.Marshal(metadataOrEmpty(key.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE api_keys SET
			name = $2, key_hash = $3, key_prefix = $4, facility_id = $5, client_id = $6,
			scopes = $7, status = $8, expires_at = $9, revoked_at = $10,
			last_used_at = $11, metadata = $12
		WHERE id::text = $1`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.FacilityID, key.ClientID,
		key.Scopes, key.Status, key.ExpiresAt, key.RevokedAt, key.LastUsedAt, meta,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *PGAPIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id::text = $1 AND status = 'active'`, id, at)
	return err
}

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	var meta []byte
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.FacilityID, &k.ClientID, &k.Scopes,
		&k.Status, &k.ExpiresAt, &k.CreatedAt, &k.RevokedAt, &k.LastUsedAt, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &k.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(k.Metadata) == 0 {
			k.Metadata = nil
		}
	}
	return &k, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
