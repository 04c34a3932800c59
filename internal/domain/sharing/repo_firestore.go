package sharing

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const sharesCollection = "recordShares"

type repoFirestore struct {
	client *firestore.Client
}

func NewRepoFirestore(client *firestore.Client) Repository {
	return &repoFirestore{client: client}
}

type shareDoc struct {
	PatientID             string     `firestore:"patientId"`
	FacilityID            string     `firestore:"facilityId"`
	RecordIDs             []string   `firestore:"recordIds"`
	RecipientName         string     `firestore:"recipientName"`
	RecipientEmail        string     `firestore:"recipientEmail"`
	RecipientOrganization string     `firestore:"recipientOrganization,omitempty"`
	Purpose               string     `firestore:"purpose"`
	SharedBy              string     `firestore:"sharedBy"`
	TokenHash             string     `firestore:"tokenHash"`
	Status                string     `firestore:"status"`
	ExpiresAt             time.Time  `firestore:"expiresAt"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	RevokedAt             *time.Time `firestore:"revokedAt"`
}

func (r *repoFirestore) Create(ctx context.Context, s *RecordShare) error {
	_, err := r.client.Collection(sharesCollection).Doc(s.ID).Create(ctx, shareDoc{
		PatientID:             s.PatientID,
		FacilityID:            s.FacilityID,
		RecordIDs:             s.RecordIDs,
		RecipientName:         s.Recipient.Name,
		RecipientEmail:        s.Recipient.Email,
		RecipientOrganization: s.Recipient.Organization,
		Purpose:               s.Purpose,
		SharedBy:              s.SharedBy,
		TokenHash:             s.TokenHash,
		Status:                s.Status,
		ExpiresAt:             s.ExpiresAt,
		CreatedAt:             s.CreatedAt,
	})
	return err
}

func (r *repoFirestore) GetByID(ctx context.Context, id string) (*RecordShare, error) {
	snap, err := r.client.Collection(sharesCollection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromShareSnapshot(snap)
}

func (r *repoFirestore) GetByTokenHash(ctx context.Context, hash string) (*RecordShare, error) {
	iter := r.client.Collection(sharesCollection).Where("tokenHash", "==", hash).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromShareSnapshot(snap)
}

func (r *repoFirestore) Revoke(ctx context.Context, id string, s *RecordShare) error {
	_, err := r.client.Collection(sharesCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: s.Status},
		{Path: "revokedAt", Value: s.RevokedAt},
	})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

func fromShareSnapshot(snap *firestore.DocumentSnapshot) (*RecordShare, error) {
	var d shareDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return &RecordShare{
		ID:         snap.Ref.ID,
		PatientID:  d.PatientID,
		FacilityID: d.FacilityID,
		RecordIDs:  d.RecordIDs,
		Recipient: Recipient{
			Name:         d.RecipientName,
			Email:        d.RecipientEmail,
			Organization: d.RecipientOrganization,
		},
		Purpose:   d.Purpose,
		SharedBy:  d.SharedBy,
		TokenHash: d.TokenHash,
		Status:    d.Status,
		ExpiresAt: d.ExpiresAt,
		CreatedAt: d.CreatedAt,
		RevokedAt: d.RevokedAt,
	}, nil
}
