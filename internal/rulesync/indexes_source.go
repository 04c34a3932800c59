package rulesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
	firestoreadmin "google.golang.org/api/firestore/v1"
	"google.golang.org/api/option"
)

// IndexFile is the layout of firestore.indexes.json.
type IndexFile struct {
	Indexes        []Index           `json:"indexes"`
	FieldOverrides []json.RawMessage `json:"fieldOverrides"`
}

type Index struct {
	CollectionGroup string       `json:"collectionGroup"`
	QueryScope      string       `json:"queryScope"`
	Fields          []IndexField `json:"fields"`
}

type IndexField struct {
	FieldPath   string `json:"fieldPath"`
	Order       string `json:"order,omitempty"`
	ArrayConfig string `json:"arrayConfig,omitempty"`
}

func (i Index) key() string {
	var b strings.Builder
	b.WriteString(i.CollectionGroup)
	b.WriteByte('|')
	b.WriteString(i.QueryScope)
	for _, f := range i.Fields {
		b.WriteByte('|')
		b.WriteString(f.FieldPath + ":" + f.Order + ":" + f.ArrayConfig)
	}
	return b.String()
}

// IndexesSource reads composite indexes through the Firestore Admin API and
// creates missing ones on deploy. Indexes that only exist remotely are left
// alone.
type IndexesSource struct {
	svc      *firestoreadmin.Service
	database string
	pace     *rate.Limiter
}

func NewIndexesSource(ctx context.Context, project string, opts ...option.ClientOption) (*IndexesSource, error) {
	svc, err := firestoreadmin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore admin client: %w", err)
	}
	return &IndexesSource{
		svc:      svc,
		database: "projects/" + project + "/databases/(default)",
		// Index creation is a long running admin operation with a low quota.
		pace: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

func (s *IndexesSource) Name() string { return "firestore.indexes" }

func (s *IndexesSource) Fetch(ctx context.Context) ([]byte, error) {
	indexes, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	return encodeIndexFile(IndexFile{Indexes: indexes})
}

func (s *IndexesSource) list(ctx context.Context) ([]Index, error) {
	var out []Index
	err := s.svc.Projects.Databases.CollectionGroups.Indexes.List(s.database+"/collectionGroups/-").
		Pages(ctx, func(resp *firestoreadmin.GoogleFirestoreAdminV1ListIndexesResponse) error {
			for _, idx := range resp.Indexes {
				out = append(out, fromAdminIndex(idx))
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	return out, nil
}

// Deploy creates every index in content that is not deployed yet.
func (s *IndexesSource) Deploy(ctx context.Context, content []byte) error {
	var want IndexFile
	if err := json.Unmarshal(content, &want); err != nil {
		return fmt.Errorf("parse indexes: %w", err)
	}
	have, err := s.list(ctx)
	if err != nil {
		return err
	}
	deployed := make(map[string]bool, len(have))
	for _, idx := range have {
		deployed[idx.key()] = true
	}

	for _, idx := range want.Indexes {
		idx = normalizeIndex(idx)
		if deployed[idx.key()] {
			continue
		}
		if err := s.pace.Wait(ctx); err != nil {
			return err
		}
		parent := s.database + "/collectionGroups/" + idx.CollectionGroup
		if _, err := s.svc.Projects.Databases.CollectionGroups.Indexes.Create(parent, toAdminIndex(idx)).Context(ctx).Do(); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.CollectionGroup, err)
		}
		deployed[idx.key()] = true
	}
	return nil
}

// Normalize sorts indexes and re-encodes the file with two-space indentation.
func (s *IndexesSource) Normalize(content []byte) ([]byte, error) {
	var f IndexFile
	if err := json.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse indexes: %w", err)
	}
	return encodeIndexFile(f)
}

func encodeIndexFile(f IndexFile) ([]byte, error) {
	for i := range f.Indexes {
		f.Indexes[i] = normalizeIndex(f.Indexes[i])
	}
	sort.SliceStable(f.Indexes, func(i, j int) bool {
		return f.Indexes[i].key() < f.Indexes[j].key()
	})
	if f.Indexes == nil {
		f.Indexes = []Index{}
	}
	if f.FieldOverrides == nil {
		f.FieldOverrides = []json.RawMessage{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func normalizeIndex(idx Index) Index {
	if idx.QueryScope == "" {
		idx.QueryScope = "COLLECTION"
	}
	// The API appends the implicit document name ordering.
	if n := len(idx.Fields); n > 0 && idx.Fields[n-1].FieldPath == "__name__" {
		idx.Fields = idx.Fields[:n-1]
	}
	return idx
}

func fromAdminIndex(idx *firestoreadmin.GoogleFirestoreAdminV1Index) Index {
	out := Index{QueryScope: idx.QueryScope, CollectionGroup: collectionGroupOf(idx.Name)}
	for _, f := range idx.Fields {
		out.Fields = append(out.Fields, IndexField{
			FieldPath:   f.FieldPath,
			Order:       f.Order,
			ArrayConfig: f.ArrayConfig,
		})
	}
	return normalizeIndex(out)
}

func toAdminIndex(idx Index) *firestoreadmin.GoogleFirestoreAdminV1Index {
	out := &firestoreadmin.GoogleFirestoreAdminV1Index{QueryScope: idx.QueryScope}
	for _, f := range idx.Fields {
		out.Fields = append(out.Fields, &firestoreadmin.GoogleFirestoreAdminV1IndexField{
			FieldPath:   f.FieldPath,
			Order:       f.Order,
			ArrayConfig: f.ArrayConfig,
		})
	}
	return out
}

// collectionGroupOf extracts <cg> from
// projects/<p>/databases/<d>/collectionGroups/<cg>/indexes/<id>.
func collectionGroupOf(name string) string {
	parts := strings.Split(name, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "collectionGroups" {
			return parts[i+1]
		}
	}
	return ""
}
