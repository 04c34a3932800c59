package rulesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/api/option"
)

type fakeRulesAPI struct {
	rulesets map[string]string
	release  string
}

func (f *fakeRulesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/projects/demo/releases/cloud.firestore":
		json.NewEncoder(w).Encode(map[string]string{
			"name":        "projects/demo/releases/cloud.firestore",
			"rulesetName": f.release,
		})
	case r.Method == http.MethodGet:
		name := r.URL.Path[len("/v1/"):]
		content, ok := f.rulesets[name]
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name":   name,
			"source": map[string]interface{}{"files": []map[string]string{{"name": "firestore.rules", "content": content}}},
		})
	case r.Method == http.MethodPost && r.URL.Path == "/v1/projects/demo/rulesets":
		var body struct {
			Source struct {
				Files []struct {
					Content string `json:"content"`
				} `json:"files"`
			} `json:"source"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		name := "projects/demo/rulesets/r2"
		f.rulesets[name] = body.Source.Files[0].Content
		json.NewEncoder(w).Encode(map[string]string{"name": name})
	case r.Method == http.MethodPatch && r.URL.Path == "/v1/projects/demo/releases/cloud.firestore":
		var body struct {
			Release struct {
				RulesetName string `json:"rulesetName"`
			} `json:"release"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.release = body.Release.RulesetName
		json.NewEncoder(w).Encode(map[string]string{"rulesetName": f.release})
	default:
		http.Error(w, `{"error":{"code":400,"message":"unexpected"}}`, http.StatusBadRequest)
	}
}

func TestRulesSource_FetchAndDeploy(t *testing.T) {
	api := &fakeRulesAPI{
		rulesets: map[string]string{"projects/demo/rulesets/r1": baseRules},
		release:  "projects/demo/rulesets/r1",
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx := context.Background()
	src, err := NewRulesSource(ctx, "demo", option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewRulesSource: %v", err)
	}

	got, err := src.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != baseRules {
		t.Errorf("unexpected rules:\n%s", got)
	}

	if err := src.Deploy(ctx, []byte("rules_version = '2';\n")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if api.release != "projects/demo/rulesets/r2" {
		t.Errorf("expected release to point at new ruleset, got %q", api.release)
	}

	got, err = src.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch after deploy: %v", err)
	}
	if string(got) != "rules_version = '2';\n" {
		t.Errorf("expected deployed rules, got %q", got)
	}
}

func TestRulesSource_FetchMissingRuleset(t *testing.T) {
	api := &fakeRulesAPI{rulesets: map[string]string{}, release: "projects/demo/rulesets/gone"}
	srv := httptest.NewServer(api)
	defer srv.Close()

	src, err := NewRulesSource(context.Background(), "demo", option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewRulesSource: %v", err)
	}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing ruleset")
	}
}
