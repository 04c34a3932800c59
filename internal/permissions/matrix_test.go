package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func buildSample(t *testing.T) map[string]RoleDocument {
	t.Helper()
	docs, err := Build([]byte(sampleRules), []string{"admin", "doctor", "nurse", "patient"}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	out := make(map[string]RoleDocument, len(docs))
	for _, d := range docs {
		out[d.Role] = d
	}
	return out
}

func TestBuild_Matrix(t *testing.T) {
	docs := buildSample(t)

	tests := []struct {
		role, collection, op string
		want                 bool
	}{
		{"admin", "patients", "create", true},
		{"admin", "patients", "delete", true},
		{"receptionist", "patients", "update", true},
		{"receptionist", "patients", "delete", false},
		{"nurse", "patients", "create", false},
		{"nurse", "patients", "read", true},
		{"doctor", "patients/records", "write", true},
		{"admin", "patients/records", "get", false},
		{"billing", "billing", "get", true},
		{"billing", "billing", "list", true},
		{"admin", "billing", "get", true},
		{"admin", "billing", "list", false},
		{"billing", "billing", "update", true},
		{"admin", "billing", "write", false},
		{"auditor", "auditLogs", "read", true},
		{"admin", "auditLogs", "read", false},
		{"auditor", "auditLogs", "write", false},
		{"patient", "announcements", "read", true},
		{"patient", "announcements", "write", false},
		{"admin", "announcements", "delete", true},
	}
	for _, tt := range tests {
		doc, ok := docs[tt.role]
		if !ok {
			t.Fatalf("missing document for role %s", tt.role)
		}
		ops, ok := doc.Collections[tt.collection]
		if !ok {
			t.Fatalf("role %s: missing collection %s", tt.role, tt.collection)
		}
		if got := ops.Allows(tt.op); got != tt.want {
			t.Errorf("%s %s %s = %v, want %v", tt.role, tt.op, tt.collection, got, tt.want)
		}
	}
}

func TestBuild_RoleOrderAndChecksum(t *testing.T) {
	docs, err := Build([]byte(sampleRules), []string{"nurse", "admin"}, time.Now())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var roles []string
	for _, d := range docs {
		roles = append(roles, d.Role)
		if d.RulesChecksum != Checksum([]byte(sampleRules)) {
			t.Errorf("role %s: unexpected checksum", d.Role)
		}
	}
	want := []string{"nurse", "admin", "auditor", "billing", "doctor", "receptionist"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
}

func TestBuild_NoRoles(t *testing.T) {
	_, err := Build([]byte(`service cloud.firestore { match /databases/{d}/documents { match /a/{b} { allow read; } } }`), nil, time.Now())
	if err == nil {
		t.Fatal("expected error without roles")
	}
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	docs := []RoleDocument{{Role: "nurse", Collections: map[string]OpSet{"patients": {Get: true, Read: true}}}}
	if err := (JSONWriter{W: &buf}).Write(context.Background(), docs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var out map[string]RoleDocument
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out["nurse"].Collections["patients"].Get {
		t.Errorf("unexpected output %s", buf.String())
	}
}

type recordingWriter struct {
	docs []RoleDocument
	err  error
}

func (w *recordingWriter) Write(_ context.Context, docs []RoleDocument) error {
	w.docs = docs
	return w.err
}

func TestMirror_Run(t *testing.T) {
	w := &recordingWriter{}
	m := &Mirror{Roles: []string{"admin"}, Writer: w, Logger: zerolog.Nop()}

	docs, err := m.Run(context.Background(), []byte(sampleRules))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(w.docs) != len(docs) || len(docs) == 0 {
		t.Errorf("expected %d documents written, got %d", len(docs), len(w.docs))
	}

	w.err = errors.New("permission denied")
	if _, err := m.Run(context.Background(), []byte(sampleRules)); err == nil {
		t.Error("expected writer error")
	}
	if _, err := m.Run(context.Background(), []byte("service {")); err == nil {
		t.Error("expected parse error")
	}
}
