package auth

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreAPIKeyStore keeps keys in the apiKeys collection, one document
// per key ID, for deployments without Postgres.
type FirestoreAPIKeyStore struct {
	client     *firestore.Client
	collection string
}

type apiKeyDoc struct {
	Name       string            `firestore:"name"`
	KeyHash    string            `firestore:"keyHash"`
	KeyPrefix  string            `firestore:"keyPrefix"`
	FacilityID string            `firestore:"facilityId"`
	ClientID   string            `firestore:"clientId"`
	Scopes     []string          `firestore:"scopes"`
	Status     string            `firestore:"status"`
	ExpiresAt  *time.Time        `firestore:"expiresAt"`
	CreatedAt  time.Time         `firestore:"createdAt"`
	RevokedAt  *time.Time        `firestore:"revokedAt"`
	LastUsedAt *time.Time        `firestore:"lastUsedAt"`
	Metadata   map[string]string `firestore:"metadata,omitempty"`
}

func NewFirestoreAPIKeyStore(client *firestore.Client) *FirestoreAPIKeyStore {
	return &FirestoreAPIKeyStore{client: client, collection: "apiKeys"}
}

func (s *FirestoreAPIKeyStore) CreateKey(ctx context.Context, key *APIKey) error {
	_, err := s.client.Collection(s.collection).Doc(key.ID).Create(ctx, toAPIKeyDoc(key))
	return err
}

func (s *FirestoreAPIKeyStore) GetByID(ctx context.Context, id string) (*APIKey, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromAPIKeySnapshot(snap)
}

func (s *FirestoreAPIKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	iter := s.client.Collection(s.collection).Where("keyHash", "==", hash).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromAPIKeySnapshot(snap)
}

func (s *FirestoreAPIKeyStore) ListByFacility(ctx context.Context, facilityID string, limit, offset int) ([]*APIKey, int, error) {
	q := s.client.Collection(s.collection).Query
	if facilityID != "" {
		q = q.Where("facilityId", "==", facilityID)
	}
	q = q.OrderBy("createdAt", firestore.Asc)

	// Key counts are small; read them all to report the total.
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, err
	}
	total := len(snaps)
	if offset > total {
		offset = total
	}
	snaps = snaps[offset:]
	if limit > 0 && limit < len(snaps) {
		snaps = snaps[:limit]
	}

	keys := make([]*APIKey, 0, len(snaps))
	for _, snap := range snaps {
		k, err := fromAPIKeySnapshot(snap)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, k)
	}
	return keys, total, nil
}

func (s *FirestoreAPIKeyStore) UpdateKey(ctx context.Context, key *APIKey) error {
	ref := s.client.Collection(s.collection).Doc(key.ID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrKeyNotFound
			}
			return err
		}
		return tx.Set(ref, toAPIKeyDoc(key))
	})
}

// TouchLastUsed updates the single field inside a transaction so a key
// revoked since it was read stays revoked.
func (s *FirestoreAPIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	ref := s.client.Collection(s.collection).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		if st, _ := snap.DataAt("status"); st != KeyStatusActive {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "lastUsedAt", Value: at}})
	})
}

func toAPIKeyDoc(k *APIKey) apiKeyDoc {
	return apiKeyDoc{
		Name:       k.Name,
		KeyHash:    k.KeyHash,
		KeyPrefix:  k.KeyPrefix,
		FacilityID: k.FacilityID,
		ClientID:   k.ClientID,
		Scopes:     k.Scopes,
		Status:     k.Status,
		ExpiresAt:  k.ExpiresAt,
		CreatedAt:  k.CreatedAt,
		RevokedAt:  k.RevokedAt,
		LastUsedAt: k.LastUsedAt,
		Metadata:   k.Metadata,
	}
}

func fromAPIKeySnapshot(snap *firestore.DocumentSnapshot) (*APIKey, error) {
	var d apiKeyDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode api key %s: %w", snap.Ref.ID, err)
	}
	return &APIKey{
		ID:         snap.Ref.ID,
		Name:       d.Name,
		KeyHash:    d.KeyHash,
		KeyPrefix:  d.KeyPrefix,
		FacilityID: d.FacilityID,
		ClientID:   d.ClientID,
		Scopes:     d.Scopes,
		Status:     d.Status,
		ExpiresAt:  d.ExpiresAt,
		CreatedAt:  d.CreatedAt,
		RevokedAt:  d.RevokedAt,
		LastUsedAt: d.LastUsedAt,
		Metadata:   d.Metadata,
	}, nil
}
