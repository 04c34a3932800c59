package sharing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/masud80/healthcare-emr-sub001/internal/domain/patient"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
)

// PatientLookup resolves the patient a share is created for.
type PatientLookup interface {
	GetForFacility(ctx context.Context, id, facilityID string) (*patient.Patient, error)
}

type Service struct {
	repo       Repository
	patients   PatientLookup
	defaultTTL time.Duration
	now        func() time.Time
}

func NewService(repo Repository, patients PatientLookup, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 || defaultTTL > MaxTTL {
		defaultTTL = MaxTTL
	}
	return &Service{repo: repo, patients: patients, defaultTTL: defaultTTL, now: time.Now}
}

// Create validates req, checks that the patient is visible to facilityID and
// stores a new share. The raw access token is returned alongside the share
// and is not kept anywhere.
func (s *Service) Create(ctx context.Context, req CreateRequest, sharedBy, facilityID string) (*RecordShare, string, error) {
	if err := normalize(&req); err != nil {
		return nil, "", err
	}

	p, err := s.patients.GetForFacility(ctx, req.PatientID, facilityID)
	if err != nil {
		return nil, "", err
	}

	ttl := s.defaultTTL
	if req.TTLHours > 0 {
		// Compared in hours: large values overflow time.Duration.
		ttl = MaxTTL
		if req.TTLHours < int(MaxTTL/time.Hour) {
			ttl = time.Duration(req.TTLHours) * time.Hour
		}
	}

	token, err := newAccessToken()
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	share := &RecordShare{
		ID:         uuid.NewString(),
		PatientID:  p.ID,
		FacilityID: p.FacilityID,
		RecordIDs:  req.RecordIDs,
		Recipient:  req.Recipient,
		Purpose:    req.Purpose,
		SharedBy:   sharedBy,
		TokenHash:  auth.HashSecret(token),
		Status:     StatusActive,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.repo.Create(ctx, share); err != nil {
		return nil, "", fmt.Errorf("store share: %w", err)
	}
	return share, token, nil
}

// Get returns a share if it belongs to facilityID. An empty facilityID sees
// every share.
func (s *Service) Get(ctx context.Context, id, facilityID string) (*RecordShare, error) {
	share, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if facilityID != "" && share.FacilityID != facilityID {
		return nil, ErrNotFound
	}
	return share, nil
}

// Revoke marks a share revoked. Revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, id, facilityID string) (*RecordShare, error) {
	share, err := s.Get(ctx, id, facilityID)
	if err != nil {
		return nil, err
	}
	if share.Status == StatusRevoked {
		return share, nil
	}
	now := s.now().UTC()
	share.Status = StatusRevoked
	share.RevokedAt = &now
	if err := s.repo.Revoke(ctx, id, share); err != nil {
		return nil, err
	}
	return share, nil
}

// Resolve finds the active share for a raw access token.
func (s *Service) Resolve(ctx context.Context, token string) (*RecordShare, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrNotFound
	}
	share, err := s.repo.GetByTokenHash(ctx, auth.HashSecret(token))
	if err != nil {
		return nil, err
	}
	if !share.Active(s.now()) {
		return nil, ErrNotFound
	}
	return share, nil
}

func normalize(req *CreateRequest) error {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		return invalid("patient_id is required")
	}

	seen := make(map[string]bool, len(req.RecordIDs))
	ids := req.RecordIDs[:0:0]
	for _, id := range req.RecordIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return invalid("record_ids must contain at least one record")
	}
	if len(ids) > maxRecords {
		return invalid(fmt.Sprintf("at most %d records can be shared at once", maxRecords))
	}
	req.RecordIDs = ids

	req.Recipient.Name = strings.TrimSpace(req.Recipient.Name)
	req.Recipient.Email = strings.TrimSpace(req.Recipient.Email)
	req.Recipient.Organization = strings.TrimSpace(req.Recipient.Organization)
	if req.Recipient.Name == "" {
		return invalid("recipient.name is required")
	}
	if req.Recipient.Email == "" {
		return invalid("recipient.email is required")
	}
	addr, err := mail.ParseAddress(req.Recipient.Email)
	if err != nil || addr.Address != req.Recipient.Email {
		return invalid("recipient.email is not a valid address")
	}

	req.Purpose = strings.ToLower(strings.TrimSpace(req.Purpose))
	if !validPurpose(req.Purpose) {
		return invalid(fmt.Sprintf("purpose must be one of %s", strings.Join(Purposes, ", ")))
	}
	if req.TTLHours < 0 {
		return invalid("ttl_hours must not be negative")
	}
	return nil
}

func validPurpose(p string) bool {
	for _, allowed := range Purposes {
		if p == allowed {
			return true
		}
	}
	return false
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// IsValidation reports whether err came from request validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalid)
}

func newAccessToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}
