package sharing

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record share not found")
	// ErrInvalid wraps every validation failure of a share request.
	ErrInvalid = errors.New("invalid share request")
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"

	TokenPrefix = "shr_"

	// MaxTTL caps how long a share stays valid regardless of what the caller asks for.
	MaxTTL = 30 * 24 * time.Hour

	maxRecords = 100
)

// Purposes a share may be created for.
var Purposes = []string{
	"treatment",
	"referral",
	"consultation",
	"insurance",
	"patient_request",
	"legal",
}

type Recipient struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Organization string `json:"organization,omitempty"`
}

// RecordShare grants an outside recipient access to a set of a patient's
// records until ExpiresAt. Only the hash of the access token is stored.
type RecordShare struct {
	ID         string     `json:"id"`
	PatientID  string     `json:"patient_id"`
	FacilityID string     `json:"facility_id"`
	RecordIDs  []string   `json:"record_ids"`
	Recipient  Recipient  `json:"recipient"`
	Purpose    string     `json:"purpose"`
	SharedBy   string     `json:"shared_by"`
	TokenHash  string     `json:"-"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the share can still be used at now.
func (s *RecordShare) Active(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// CreateRequest is the body of POST /external/records/share.
type CreateRequest struct {
	PatientID string    `json:"patient_id"`
	RecordIDs []string  `json:"record_ids"`
	Recipient Recipient `json:"recipient"`
	Purpose   string    `json:"purpose"`
	// TTLHours overrides the default share lifetime when positive.
	TTLHours int `json:"ttl_hours,omitempty"`
}

// CreateResponse carries the access token. It is returned once and cannot be
// recovered later.
type CreateResponse struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RecipientView is what a token holder sees when redeeming a share. It leaves
// out the issuing key and facility.
type RecipientView struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	RecordIDs []string  `json:"record_ids"`
	Recipient Recipient `json:"recipient"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *RecordShare) ToRecipientView() RecipientView {
	return RecipientView{
		ID:        s.ID,
		PatientID: s.PatientID,
		RecordIDs: s.RecordIDs,
		Recipient: s.Recipient,
		Purpose:   s.Purpose,
		ExpiresAt: s.ExpiresAt,
	}
}
