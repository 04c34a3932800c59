package patient

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a patient does not exist or is not visible to
// the caller. ErrInvalidID is returned for a blank id.
var (
	ErrNotFound  = errors.New("patient not found")
	ErrInvalidID = errors.New("patient id is required")
)

const StatusActive = "active"

// Patient is the subset of the patient record the external API exposes.
type Patient struct {
	ID                string     `json:"id"`
	FacilityID        string     `json:"facility_id"`
	MRN               string     `json:"mrn,omitempty"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty"`
	Gender            string     `json:"gender,omitempty"`
	Email             string     `json:"email,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Address           Address    `json:"address"`
	InsuranceProvider string     `json:"insurance_provider,omitempty"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// ExternalView is the document returned by GET /external/patients/:id.
type ExternalView struct {
	ID                string       `json:"id"`
	MRN               string       `json:"mrn,omitempty"`
	Name              ExternalName `json:"name"`
	DateOfBirth       string       `json:"date_of_birth,omitempty"`
	Gender            string       `json:"gender,omitempty"`
	Telecom           Telecom      `json:"telecom"`
	Address           *Address     `json:"address,omitempty"`
	InsuranceProvider string       `json:"insurance_provider,omitempty"`
	FacilityID        string       `json:"facility_id"`
	LastUpdated       time.Time    `json:"last_updated"`
}

type ExternalName struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Text   string `json:"text"`
}

type Telecom struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ToExternal builds the external representation of p.
func (p *Patient) ToExternal() ExternalView {
	v := ExternalView{
		ID:  p.ID,
		MRN: p.MRN,
		Name: ExternalName{
			Given:  p.FirstName,
			Family: p.LastName,
			Text:   fullName(p.FirstName, p.LastName),
		},
		Gender:            p.Gender,
		Telecom:           Telecom{Email: p.Email, Phone: p.Phone},
		InsuranceProvider: p.InsuranceProvider,
		FacilityID:        p.FacilityID,
		LastUpdated:       p.UpdatedAt,
	}
	if p.DateOfBirth != nil {
		v.DateOfBirth = p.DateOfBirth.Format("2006-01-02")
	}
	if p.Address != (Address{}) {
		addr := p.Address
		v.Address = &addr
	}
	return v
}

func fullName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}
