package patient

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

const patientColumns = `id, facility_id, COALESCE(mrn, ''), first_name, last_name, date_of_birth,
	COALESCE(gender, ''), COALESCE(email, ''), COALESCE(phone, ''),
	COALESCE(address_line1, ''), COALESCE(address_line2, ''), COALESCE(city, ''),
	COALESCE(state, ''), COALESCE(postal_code, ''), COALESCE(country, ''),
	COALESCE(insurance_provider, ''), status, created_at, updated_at`

func (r *repoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE id = $1`, id).Scan(
		&p.ID, &p.FacilityID, &p.MRN, &p.FirstName, &p.LastName, &p.DateOfBirth,
		&p.Gender, &p.Email, &p.Phone,
		&p.Address.Line1, &p.Address.Line2, &p.Address.City,
		&p.Address.State, &p.Address.PostalCode, &p.Address.Country,
		&p.InsuranceProvider, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
