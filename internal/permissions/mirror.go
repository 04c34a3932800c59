package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// Writer stores role documents.
type Writer interface {
	Write(ctx context.Context, docs []RoleDocument) error
}

// FirestoreWriter writes one document per role, keyed by role name.
type FirestoreWriter struct {
	client     *firestore.Client
	collection string
	// Prune deletes documents for roles that are no longer produced.
	Prune bool
}

func NewFirestoreWriter(client *firestore.Client, collection string) *FirestoreWriter {
	if collection == "" {
		collection = "permissions"
	}
	return &FirestoreWriter{client: client, collection: collection}
}

func (w *FirestoreWriter) Write(ctx context.Context, docs []RoleDocument) error {
	for _, d := range docs {
		if strings.Contains(d.Role, "/") {
			return fmt.Errorf("role %q cannot be used as a document id", d.Role)
		}
	}

	col := w.client.Collection(w.collection)
	bw := w.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	keep := make(map[string]bool, len(docs))
	for _, d := range docs {
		keep[d.Role] = true
		job, err := bw.Set(col.Doc(d.Role), d)
		if err != nil {
			bw.End()
			return fmt.Errorf("queue %s: %w", d.Role, err)
		}
		jobs = append(jobs, job)
	}

	if w.Prune {
		iter := col.DocumentRefs(ctx)
		for {
			ref, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				bw.End()
				return fmt.Errorf("list %s: %w", w.collection, err)
			}
			if keep[ref.ID] {
				continue
			}
			job, err := bw.Delete(ref)
			if err != nil {
				bw.End()
				return fmt.Errorf("queue delete %s: %w", ref.ID, err)
			}
			jobs = append(jobs, job)
		}
	}

	bw.End()
	for _, j := range jobs {
		if _, err := j.Results(); err != nil {
			return fmt.Errorf("write %s: %w", w.collection, err)
		}
	}
	return nil
}

// JSONWriter writes the documents as one JSON object keyed by role.
type JSONWriter struct {
	W io.Writer
}

func (w JSONWriter) Write(_ context.Context, docs []RoleDocument) error {
	out := make(map[string]RoleDocument, len(docs))
	for _, d := range docs {
		out[d.Role] = d
	}
	enc := json.NewEncoder(w.W)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Mirror builds role documents from a rules file and hands them to Writer.
type Mirror struct {
	Roles  []string
	Writer Writer
	Logger zerolog.Logger
	Now    func() time.Time
}

func (m *Mirror) Run(ctx context.Context, rules []byte) ([]RoleDocument, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	docs, err := Build(rules, m.Roles, now())
	if err != nil {
		return nil, err
	}
	if err := m.Writer.Write(ctx, docs); err != nil {
		return nil, fmt.Errorf("write permissions: %w", err)
	}

	for _, d := range docs {
		granted := 0
		for _, ops := range d.Collections {
			if ops.Read || ops.Write {
				granted++
			}
		}
		m.Logger.Info().
			Str("role", d.Role).
			Int("collections", len(d.Collections)).
			Int("granted", granted).
			Msg("permissions mirrored")
	}
	return docs, nil
}
