package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

// Collection is the root collection holding one document per user, keyed by user ID.
const Collection = "user_tokens"

// FirestoreStore implements dispatch.TokenStore on Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// tokenRecord is the stored document shape, shared with the client registration flow.
type tokenRecord struct {
	Token     string    `firestore:"token"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (s *FirestoreStore) GetToken(ctx context.Context, userID string) (*dispatch.TokenRecord, error) {
	ref := s.client.Collection(Collection).Doc(userID)
	if ref == nil {
		// Empty IDs and IDs containing a slash cannot name a document.
		return nil, fmt.Errorf("user %q: %w", userID, dispatch.ErrTokenNotFound)
	}

	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("user %q: %w", userID, dispatch.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}

	var record tokenRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, fmt.Errorf("failed to decode token document for %q: %w", userID, err)
	}
	if record.Token == "" {
		return nil, fmt.Errorf("user %q has an empty token: %w", userID, dispatch.ErrTokenNotFound)
	}

	return &dispatch.TokenRecord{
		UserID:    doc.Ref.ID,
		Token:     record.Token,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// DeleteWhereOlderThan runs the query and every delete inside one transaction,
// so either all stale records go or none do.
func (s *FirestoreStore) DeleteWhereOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := s.client.Collection(Collection).Where("updatedAt", "<", cutoff)

	var deleted []string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// The callback may be retried; start clean each attempt.
		deleted = nil

		// Reads must finish before the first write is buffered.
		docs, err := tx.Documents(query).GetAll()
		if err != nil {
			return fmt.Errorf("stale token query failed: %w", err)
		}
		for _, doc := range docs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
			deleted = append(deleted, doc.Ref.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stale token delete failed: %w", err)
	}
	return deleted, nil
}

// PutToken writes a registration in the shape the client registration flow uses.
func (s *FirestoreStore) PutToken(ctx context.Context, record dispatch.TokenRecord) error {
	ref := s.client.Collection(Collection).Doc(record.UserID)
	if ref == nil {
		return fmt.Errorf("invalid user id %q", record.UserID)
	}
	_, err := ref.Set(ctx, tokenRecord{Token: record.Token, UpdatedAt: record.UpdatedAt})
	return err
}
