package patient

import (
	"context"
	"strings"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetForFacility returns the patient when it is active and, for a non-empty
// facilityID, belongs to that facility. Anything else is ErrNotFound so that
// callers cannot probe for patients of other facilities.
func (s *Service) GetForFacility(ctx context.Context, id, facilityID string) (*Patient, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidID
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != "" && p.Status != StatusActive {
		return nil, ErrNotFound
	}
	if facilityID != "" && p.FacilityID != facilityID {
		return nil, ErrNotFound
	}
	return p, nil
}
