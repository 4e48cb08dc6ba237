package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreSink implements Sink on Cloud Firestore.
//
// Records are stored as documents in one collection, keyed by record id, so a
// retried append of the same record is a no-op. A second collection holds one
// marker document per session for listing.
//
// Query filters on session_id only and orders client side, so no composite
// index is required.
type FirestoreSink struct {
	client   *firestore.Client
	records  *firestore.CollectionRef
	sessions *firestore.CollectionRef
	mu       sync.RWMutex
	closed   bool
}

// FirestoreConfig configures the Firestore sink.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// CredentialsFile is a service account key; empty uses Application Default Credentials.
	CredentialsFile string
	// Collection is the records collection (default: "audit_records").
	Collection string
}

type firestoreRecord struct {
	ID        string    `firestore:"id"`
	SessionID string    `firestore:"session_id"`
	ItemID    string    `firestore:"item_id"`
	Action    string    `firestore:"action"`
	Actor     string    `firestore:"actor"`
	Timestamp time.Time `firestore:"timestamp"`
	Summary   string    `firestore:"summary"`
}

// NewFirestoreSink creates a Firestore client for the configured project.
func NewFirestoreSink(ctx context.Context, cfg FirestoreConfig) (*FirestoreSink, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreSinkFromClient(client, cfg.Collection), nil
}

// NewFirestoreSinkFromClient wraps an existing client.
func NewFirestoreSinkFromClient(client *firestore.Client, collection string) *FirestoreSink {
	if collection == "" {
		collection = "audit_records"
	}
	return &FirestoreSink{
		client:   client,
		records:  client.Collection(collection),
		sessions: client.Collection(collection + "_sessions"),
	}
}

func (s *FirestoreSink) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Append creates the record document. AlreadyExists means an earlier attempt
// of the same append landed, which counts as success.
func (s *FirestoreSink) Append(ctx context.Context, rec *Record) error {
	if s.isClosed() {
		return ErrSinkClosed
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	doc := firestoreRecord{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		ItemID:    rec.ItemID,
		Action:    string(rec.Action),
		Actor:     rec.Actor,
		Timestamp: rec.Timestamp,
		Summary:   rec.Summary,
	}

	if _, err := s.records.Doc(rec.ID).Create(ctx, doc); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("%w: firestore append: %w", ErrIOFailure, err)
		}
	}

	marker := map[string]any{"session_id": rec.SessionID, "last_record_at": rec.Timestamp}
	if _, err := s.sessions.Doc(rec.SessionID).Set(ctx, marker, firestore.MergeAll); err != nil {
		return fmt.Errorf("%w: firestore session marker: %w", ErrIOFailure, err)
	}
	return nil
}

// Query returns the session's records ordered by timestamp.
func (s *FirestoreSink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	if s.isClosed() {
		return nil, ErrSinkClosed
	}

	iter := s.records.Where("session_id", "==", sessionID).Documents(ctx)
	defer iter.Stop()

	records := []*Record{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: firestore query: %w", ErrIOFailure, err)
		}

		var doc firestoreRecord
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("parse record %s: %w", snap.Ref.ID, err)
		}
		records = append(records, &Record{
			ID:        doc.ID,
			SessionID: doc.SessionID,
			ItemID:    doc.ItemID,
			Action:    Action(doc.Action),
			Actor:     doc.Actor,
			Timestamp: doc.Timestamp.UTC(),
			Summary:   doc.Summary,
		})
	}

	sortRecords(records)
	return records, nil
}

// Sessions lists session marker documents.
func (s *FirestoreSink) Sessions(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrSinkClosed
	}

	refs, err := s.sessions.DocumentRefs(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("%w: firestore sessions: %w", ErrIOFailure, err)
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping reads one session marker to check connectivity.
func (s *FirestoreSink) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrSinkClosed
	}
	iter := s.sessions.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return err
	}
	return nil
}

// Close closes the Firestore client.
func (s *FirestoreSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
