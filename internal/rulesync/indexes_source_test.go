package rulesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

const remoteIndexes = `{
  "indexes": [
    {
      "name": "projects/demo/databases/(default)/collectionGroups/visits/indexes/i2",
      "queryScope": "COLLECTION",
      "state": "READY",
      "fields": [
        {"fieldPath": "patientId", "order": "ASCENDING"},
        {"fieldPath": "date", "order": "DESCENDING"},
        {"fieldPath": "__name__", "order": "DESCENDING"}
      ]
    },
    {
      "name": "projects/demo/databases/(default)/collectionGroups/patients/indexes/i1",
      "queryScope": "COLLECTION",
      "state": "READY",
      "fields": [
        {"fieldPath": "facilityId", "order": "ASCENDING"},
        {"fieldPath": "tags", "arrayConfig": "CONTAINS"}
      ]
    }
  ]
}`

type fakeIndexAPI struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeIndexAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/collectionGroups/-/indexes"):
		w.Write([]byte(remoteIndexes))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/indexes"):
		parts := strings.Split(r.URL.Path, "/")
		f.mu.Lock()
		f.created = append(f.created, parts[len(parts)-2])
		f.mu.Unlock()
		w.Write([]byte(`{"name":"projects/demo/databases/(default)/operations/op1"}`))
	default:
		http.Error(w, `{"error":{"code":400,"message":"unexpected"}}`, http.StatusBadRequest)
	}
}

func newTestIndexesSource(t *testing.T, api http.Handler) *IndexesSource {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	src, err := NewIndexesSource(context.Background(), "demo", option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewIndexesSource: %v", err)
	}
	src.pace = rate.NewLimiter(rate.Inf, 1)
	return src
}

func TestIndexesSource_Fetch(t *testing.T) {
	src := newTestIndexesSource(t, &fakeIndexAPI{})

	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	var f IndexFile
	if err := json.Unmarshal(got, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(f.Indexes) != 2 {
		t.Fatalf("expected 2 indexes, got %d", len(f.Indexes))
	}
	if f.Indexes[0].CollectionGroup != "patients" {
		t.Errorf("expected indexes sorted by collection group, got %s first", f.Indexes[0].CollectionGroup)
	}
	if n := len(f.Indexes[1].Fields); n != 2 {
		t.Errorf("expected trailing __name__ to be dropped, got %d fields", n)
	}
	if !strings.Contains(string(got), "\n  \"indexes\": [") || !strings.Contains(string(got), `"fieldOverrides": []`) {
		t.Errorf("expected two-space indented index file, got:\n%s", got)
	}
}

func TestIndexesSource_DeployCreatesMissingOnly(t *testing.T) {
	api := &fakeIndexAPI{}
	src := newTestIndexesSource(t, api)

	content := `{
	  "indexes": [
	    {"collectionGroup": "visits", "queryScope": "COLLECTION", "fields": [
	      {"fieldPath": "patientId", "order": "ASCENDING"},
	      {"fieldPath": "date", "order": "DESCENDING"}
	    ]},
	    {"collectionGroup": "invoices", "fields": [
	      {"fieldPath": "facilityId", "order": "ASCENDING"},
	      {"fieldPath": "dueDate", "order": "ASCENDING"}
	    ]}
	  ]
	}`
	if err := src.Deploy(context.Background(), []byte(content)); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(api.created) != 1 || api.created[0] != "invoices" {
		t.Errorf("expected only the invoices index to be created, got %v", api.created)
	}
}

func TestIndexesSource_Normalize(t *testing.T) {
	src := &IndexesSource{}
	in := `{"indexes":[{"collectionGroup":"b","fields":[{"fieldPath":"x","order":"ASCENDING"}]},{"collectionGroup":"a","queryScope":"COLLECTION_GROUP","fields":[{"fieldPath":"y","order":"DESCENDING"}]}],"fieldOverrides":[{"collectionGroup":"a","fieldPath":"z","indexes":[]}]}`

	out, err := src.Normalize([]byte(in))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	again, err := src.Normalize(out)
	if err != nil {
		t.Fatalf("Normalize twice: %v", err)
	}
	if string(out) != string(again) {
		t.Error("normalize should be idempotent")
	}
	if strings.Index(string(out), `"collectionGroup": "a"`) > strings.Index(string(out), `"collectionGroup": "b"`) {
		t.Error("expected sorted indexes")
	}
	if !strings.Contains(string(out), `"queryScope": "COLLECTION"`) {
		t.Error("expected default query scope")
	}
	if !strings.Contains(string(out), `"fieldPath": "z"`) {
		t.Error("field overrides must be preserved")
	}

	if _, err := src.Normalize([]byte("{not json")); err == nil {
		t.Error("expected parse error")
	}
}
