package permissions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// OpSet holds what a role may do on one collection. Read and Write are true
// when any of their underlying operations is.
type OpSet struct {
	Get    bool `json:"get" firestore:"get"`
	List   bool `json:"list" firestore:"list"`
	Create bool `json:"create" firestore:"create"`
	Update bool `json:"update" firestore:"update"`
	Delete bool `json:"delete" firestore:"delete"`
	Read   bool `json:"read" firestore:"read"`
	Write  bool `json:"write" firestore:"write"`
}

func (o *OpSet) set(op string) {
	switch op {
	case "get":
		o.Get = true
	case "list":
		o.List = true
	case "create":
		o.Create = true
	case "update":
		o.Update = true
	case "delete":
		o.Delete = true
	}
	o.Read = o.Get || o.List
	o.Write = o.Create || o.Update || o.Delete
}

// Allows reports whether op (including read and write) is permitted.
func (o OpSet) Allows(op string) bool {
	switch op {
	case "get":
		return o.Get
	case "list":
		return o.List
	case "create":
		return o.Create
	case "update":
		return o.Update
	case "delete":
		return o.Delete
	case "read":
		return o.Read
	case "write":
		return o.Write
	}
	return false
}

// RoleDocument is the mirrored permission document for one role.
type RoleDocument struct {
	Role          string           `json:"role" firestore:"role"`
	Collections   map[string]OpSet `json:"collections" firestore:"collections"`
	RulesChecksum string           `json:"rulesChecksum" firestore:"rulesChecksum"`
	UpdatedAt     time.Time        `json:"updatedAt" firestore:"updatedAt"`
}

// Checksum identifies the rules source a document was derived from.
func Checksum(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

// Build parses src and evaluates every allow statement for each role. Roles
// are the configured ones followed by any others the rules compare against.
// Allows on the same collection are OR-ed together.
func Build(src []byte, roles []string, now time.Time) ([]RoleDocument, error) {
	rs, err := Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	roles = mergeRoles(roles, DiscoverRoles(rs))
	if len(roles) == 0 {
		return nil, fmt.Errorf("no roles configured or found in rules")
	}

	ev := NewEvaluator(rs, roles)
	collections := rs.Collections()
	checksum := Checksum(src)

	docs := make([]RoleDocument, 0, len(roles))
	for _, role := range roles {
		doc := RoleDocument{
			Role:          role,
			Collections:   make(map[string]OpSet, len(collections)),
			RulesChecksum: checksum,
			UpdatedAt:     now.UTC(),
		}
		for _, c := range collections {
			doc.Collections[c] = OpSet{}
		}
		for _, a := range rs.Allows {
			if !ev.Allowed(a.Condition, role) {
				continue
			}
			ops := doc.Collections[a.Collection]
			for _, op := range a.Ops {
				ops.set(op)
			}
			doc.Collections[a.Collection] = ops
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func mergeRoles(configured, discovered []string) []string {
	seen := make(map[string]bool, len(configured))
	var out []string
	for _, r := range configured {
		if r != "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	var extra []string
	for _, r := range discovered {
		if r != "" && !seen[r] {
			seen[r] = true
			extra = append(extra, r)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
