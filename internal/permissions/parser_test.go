package permissions

import (
	"reflect"
	"strings"
	"testing"
)

func TestStripComments(t *testing.T) {
	in := "a // gone\nb /* also\ngone */ c\nd = 'http://x' // tail\n"
	got := StripComments(in)
	if strings.Contains(got, "gone") || strings.Contains(got, "tail") {
		t.Errorf("comments left in output: %q", got)
	}
	if !strings.Contains(got, "'http://x'") {
		t.Errorf("string literal was cut: %q", got)
	}
	if strings.Count(got, "\n") != strings.Count(in, "\n") {
		t.Error("line count changed")
	}
}

func TestParse_SampleRules(t *testing.T) {
	rs, err := Parse(sampleRules)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, name := range []string{"isSignedIn", "userRole", "hasRole", "hasAnyRole", "isStaff"} {
		if _, ok := rs.Functions[name]; !ok {
			t.Errorf("missing function %s", name)
		}
	}
	if fn := rs.Functions["hasAnyRole"]; len(fn.Lets) != 1 || fn.Lets[0].Name != "r" {
		t.Errorf("expected let binding in hasAnyRole, got %+v", fn.Lets)
	}

	want := []string{"announcements", "auditLogs", "billing", "patients", "patients/records"}
	if got := rs.Collections(); !reflect.DeepEqual(got, want) {
		t.Errorf("collections = %v, want %v", got, want)
	}

	var recordAllow *Allow
	for i := range rs.Allows {
		if rs.Allows[i].Collection == "patients/records" {
			recordAllow = &rs.Allows[i]
		}
	}
	if recordAllow == nil {
		t.Fatal("missing nested allow")
	}
	if !reflect.DeepEqual(recordAllow.Ops, Operations) {
		t.Errorf("read, write should expand to all operations, got %v", recordAllow.Ops)
	}

	for _, a := range rs.Allows {
		if a.Collection == "announcements" && a.Ops[0] == "get" && a.Condition != nil {
			t.Error("bare allow should have no condition")
		}
	}
}

func TestParse_RecursiveWildcard(t *testing.T) {
	rs, err := Parse(`service cloud.firestore {
  match /databases/{database}/documents {
    match /{document=**} {
      allow read, write: if false;
    }
  }
}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rs.Allows) != 1 || rs.Allows[0].Collection != "*" {
		t.Errorf("expected wildcard collection, got %+v", rs.Allows)
	}
}

func TestParse_ConditionWithoutSemicolon(t *testing.T) {
	rs, err := Parse(`service cloud.firestore {
  match /databases/{database}/documents {
    match /notes/{id} { allow read: if true }
  }
}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rs.Allows) != 1 {
		t.Fatalf("expected 1 allow, got %d", len(rs.Allows))
	}
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"unbalanced":      "service cloud.firestore { match /a/{b} { allow read; }",
		"extra brace":     "service cloud.firestore { } }",
		"bad condition":   "service cloud.firestore { match /a/{b} { allow read: if a == ; } }",
		"missing if":      "service cloud.firestore { match /a/{b} { allow read: a; } }",
		"function return": "service cloud.firestore { function f() { true } }",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(src); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseExpr(t *testing.T) {
	tests := []string{
		"request.auth != null && request.auth.uid == resource.data.ownerId",
		"get(/databases/$(database)/documents/users/$(request.auth.uid)).data.role in ['a', 'b']",
		"request.resource.data.keys().hasOnly(['name', 'email'])",
		"request.time < timestamp.date(2030, 1, 1) ? true : false",
		"resource.data['role'] == 'nurse'",
		"request.resource.data.size() > 2 && request.resource.data.name is string",
		"!(a || b)",
	}
	for _, src := range tests {
		if _, err := ParseExpr(src); err != nil {
			t.Errorf("ParseExpr(%q): %v", src, err)
		}
	}
}
