package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one document per key, updated inside a Firestore
// transaction.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type windowDoc struct {
	Count       int       `firestore:"count"`
	PrevCount   int       `firestore:"prevCount"`
	WindowStart time.Time `firestore:"windowStart"`
	UpdatedAt   time.Time `firestore:"updatedAt,serverTimestamp"`
}

// NewFirestoreStore returns a Store writing to collection (default "rateLimits").
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "rateLimits"
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	// Document IDs cannot contain '/'.
	return s.client.Collection(s.collection).Doc(url.PathEscape(key))
}

// Update implements Store.
func (s *FirestoreStore) Update(ctx context.Context, key string, fn func(cur *Window) (Window, bool)) error {
	ref := s.doc(key)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var cur *Window
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("read window: %w", err)
		default:
			var d windowDoc
			if err := snap.DataTo(&d); err != nil {
				return fmt.Errorf("decode window: %w", err)
			}
			cur = &Window{Count: d.Count, PrevCount: d.PrevCount, Start: d.WindowStart}
		}

		next, write := fn(cur)
		if !write {
			return nil
		}
		return tx.Set(ref, windowDoc{
			Count:       next.Count,
			PrevCount:   next.PrevCount,
			WindowStart: next.Start,
		})
	})
}

// Reset implements Store.
func (s *FirestoreStore) Reset(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	return err
}
