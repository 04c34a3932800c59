package sharing

import "context"

type Repository interface {
	Create(ctx context.Context, s *RecordShare) error
	GetByID(ctx context.Context, id string) (*RecordShare, error)
	GetByTokenHash(ctx context.Context, hash string) (*RecordShare, error)
	Revoke(ctx context.Context, id string, s *RecordShare) error
}
