package patient

import "context"

// Repository loads patient records. Implementations return ErrNotFound for
// unknown IDs.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Patient, error)
}
