package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type repoFirestore struct {
	client *firestore.Client
}

// NewRepoFirestore reads patients from the "patients" collection written by
// the web dashboard.
func NewRepoFirestore(client *firestore.Client) Repository {
	return &repoFirestore{client: client}
}

func (r *repoFirestore) GetByID(ctx context.Context, id string) (*Patient, error) {
	if id == "" || strings.Contains(id, "/") {
		return nil, ErrNotFound
	}
	snap, err := r.client.Collection("patients").Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := fromDocument(snap.Ref.ID, snap.Data())
	if p.CreatedAt.IsZero() {
		p.CreatedAt = snap.CreateTime
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = snap.UpdateTime
	}
	return p, nil
}

// fromDocument maps a loosely typed patient document. Dashboard versions
// stored dates as strings or timestamps and the address as a string or map.
func fromDocument(id string, m map[string]interface{}) *Patient {
	p := &Patient{
		ID:                id,
		FacilityID:        str(m, "facilityId"),
		MRN:               str(m, "mrn"),
		FirstName:         str(m, "firstName"),
		LastName:          str(m, "lastName"),
		Gender:            str(m, "gender"),
		Email:             str(m, "email"),
		Phone:             str(m, "phone"),
		InsuranceProvider: str(m, "insuranceProvider"),
		Status:            str(m, "status"),
	}
	if p.FirstName == "" && p.LastName == "" {
		if name := str(m, "name"); name != "" {
			p.FirstName, p.LastName = splitName(name)
		}
	}
	if p.InsuranceProvider == "" {
		if ins, ok := m["insurance"].(map[string]interface{}); ok {
			p.InsuranceProvider = str(ins, "provider")
		}
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if dob, ok := timeValue(m["dateOfBirth"]); ok {
		p.DateOfBirth = &dob
	}
	if t, ok := timeValue(m["createdAt"]); ok {
		p.CreatedAt = t
	}
	if t, ok := timeValue(m["updatedAt"]); ok {
		p.UpdatedAt = t
	}

	switch a := m["address"].(type) {
	case string:
		p.Address.Line1 = a
	case map[string]interface{}:
		p.Address = Address{
			Line1:      firstOf(a, "street", "line1"),
			Line2:      str(a, "line2"),
			City:       str(a, "city"),
			State:      str(a, "state"),
			PostalCode: firstOf(a, "zipCode", "postalCode"),
			Country:    str(a, "country"),
		}
	}
	return p
}

func str(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case int64:
		return fmt.Sprint(v)
	}
	return ""
}

func firstOf(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := str(m, k); v != "" {
			return v
		}
	}
	return ""
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "01/02/2006"}

func timeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	i := strings.LastIndex(name, " ")
	if i < 0 {
		return name, ""
	}
	return strings.TrimSpace(name[:i]), name[i+1:]
}
