package sharing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
)

const validBody = `{
	"patient_id": "p-1",
	"record_ids": ["lab-1"],
	"recipient": {"name": "Dr. Grey", "email": "grey@clinic.example"},
	"purpose": "treatment"
}`

func newShareContext(method, body string, key *auth.APIKey) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/external/records/share", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if key != nil {
		auth.WithAPIKey(c, key)
	}
	return c, rec
}

func shareKey() *auth.APIKey {
	return &auth.APIKey{ID: "key-1", FacilityID: "fac-1", Scopes: []string{auth.ScopeRecordsShare}}
}

func TestHandler_CreateShare(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	h := NewHandler(svc)
	c, rec := newShareContext(http.MethodPost, validBody, shareKey())

	if err := h.CreateShare(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" || !strings.HasPrefix(resp.AccessToken, TokenPrefix) || resp.ExpiresAt.IsZero() {
		t.Errorf("unexpected response: %+v", resp)
	}
	if pid, _ := c.Get("patient_id").(string); pid != "p-1" {
		t.Errorf("expected patient_id on context for audit, got %q", pid)
	}
	if strings.Contains(rec.Body.String(), "token_hash") {
		t.Error("token hash must not be returned")
	}
}

func TestHandler_CreateShare_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		key      *auth.APIKey
		wantCode int
	}{
		{"no key", validBody, nil, http.StatusUnauthorized},
		{"malformed json", `{"patient_id":`, shareKey(), http.StatusBadRequest},
		{"validation", `{"patient_id":"p-1","record_ids":[],"recipient":{"name":"a","email":"a@b.c"},"purpose":"treatment"}`, shareKey(), http.StatusBadRequest},
		{"unknown patient", strings.Replace(validBody, "p-1", "p-404", 1), shareKey(), http.StatusNotFound},
		{"other facility", validBody, &auth.APIKey{ID: "key-2", FacilityID: "fac-9"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(newMockRepo())
			c, _ := newShareContext(http.MethodPost, tt.body, tt.key)

			err := NewHandler(svc).CreateShare(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestHandler_RoutesAndRedemption(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	h := NewHandler(svc)

	e := echo.New()
	ext := e.Group("/external")
	h.RegisterPublicRoutes(ext)
	keyed := ext.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth.WithAPIKey(c, shareKey())
			return next(c)
		}
	})
	h.RegisterRoutes(keyed)

	req := httptest.NewRequest(http.MethodPost, "/external/records/share", strings.NewReader(validBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/external/shared", nil)
	req.Header.Set(HeaderShareToken, created.AccessToken)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", rec.Code)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, hidden := range []string{"shared_by", "facility_id", "status"} {
		if _, ok := fields[hidden]; ok {
			t.Errorf("redeemed share must not expose %q: %s", hidden, rec.Body.String())
		}
	}
	if fields["patient_id"] != "p-1" {
		t.Errorf("expected patient_id p-1, got %v", fields["patient_id"])
	}

	req = httptest.NewRequest(http.MethodDelete, "/external/records/share/"+created.ID, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/external/shared", nil)
	req.Header.Set(HeaderShareToken, created.AccessToken)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("resolve after revoke: expected 404, got %d", rec.Code)
	}
}

func TestHandler_RequiresShareScope(t *testing.T) {
	svc, _ := newTestService(newMockRepo())
	e := echo.New()
	ext := e.Group("/external", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth.WithAPIKey(c, &auth.APIKey{ID: "k", Scopes: []string{auth.ScopePatientsRead}})
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(ext)

	req := httptest.NewRequest(http.MethodPost, "/external/records/share", strings.NewReader(validBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
