// Package firestore is the Cloud Firestore backend of the Result Store. Records live in one
// collection; each history channel has its own append-only collection.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/shpitdev/company-outreach/internal/store"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Config struct {
	ProjectID string
	// DatabaseID selects a named database. Empty uses "(default)".
	DatabaseID string

	RecordsCollection  string
	EmailCollection    string
	LinkedInCollection string
}

func (c Config) withDefaults() Config {
	if c.RecordsCollection == "" {
		c.RecordsCollection = "company_research"
	}
	if c.EmailCollection == "" {
		c.EmailCollection = "email_history"
	}
	if c.LinkedInCollection == "" {
		c.LinkedInCollection = "linkedin_history"
	}
	return c
}

// Store implements store.Store. Record updates use Set, so the last writer wins.
type Store struct {
	client *firestore.Client
	cfg    Config
}

var _ store.Store = (*Store)(nil)

// New creates the Firestore client. Close releases it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("firestore: project id is required")
	}
	var (
		client *firestore.Client
		err    error
	)
	if cfg.DatabaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID)
	} else {
		client, err = firestore.NewClient(ctx, cfg.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &Store{client: client, cfg: cfg.withDefaults()}, nil
}

// NewWithClient wraps an existing client, for callers that share one.
func NewWithClient(client *firestore.Client, cfg Config) *Store {
	return &Store{client: client, cfg: cfg.withDefaults()}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) records() *firestore.CollectionRef {
	return s.client.Collection(s.cfg.RecordsCollection)
}

func (s *Store) history(ch store.Channel) (*firestore.CollectionRef, error) {
	switch ch {
	case store.ChannelEmail:
		return s.client.Collection(s.cfg.EmailCollection), nil
	case store.ChannelLinkedIn:
		return s.client.Collection(s.cfg.LinkedInCollection), nil
	default:
		return nil, fmt.Errorf("firestore: unknown channel %q", ch)
	}
}

func (s *Store) GetRecord(ctx context.Context, id string) (store.Record, error) {
	snap, err := s.records().Doc(id).Get(ctx)
	if err != nil {
		return store.Record{}, mapErr(err, "get record")
	}
	return decodeRecord(snap)
}

func (s *Store) FindRecord(ctx context.Context, userID, company string) (store.Record, error) {
	docs, err := s.records().
		Where("user_id", "==", userID).
		Where("company_key", "==", store.Key(company)).
		OrderBy("updated_at", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to query record: %w", err)
	}
	if len(docs) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return decodeRecord(docs[0])
}

func (s *Store) CreateRecord(ctx context.Context, rec store.Record) (string, error) {
	rec.CompanyKey = store.Key(rec.CompanyName)
	rec.RoleKey = store.Key(rec.Role)
	ref := s.records().NewDoc()
	if _, err := ref.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create record: %w", err)
	}
	return ref.ID, nil
}

func (s *Store) UpdateRecord(ctx context.Context, rec store.Record) error {
	if rec.ID == "" {
		return errors.New("firestore: record id is required")
	}
	rec.CompanyKey = store.Key(rec.CompanyName)
	rec.RoleKey = store.Key(rec.Role)
	if _, err := s.records().Doc(rec.ID).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) LatestByCompanyRole(ctx context.Context, company, role string) (store.Record, error) {
	docs, err := s.records().
		Where("company_key", "==", store.Key(company)).
		Where("role_key", "==", store.Key(role)).
		OrderBy("updated_at", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to query cache candidates: %w", err)
	}
	if len(docs) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return decodeRecord(docs[0])
}

func (s *Store) AppendHistory(ctx context.Context, e store.HistoryEntry) (string, error) {
	col, err := s.history(e.Channel)
	if err != nil {
		return "", err
	}
	ref, _, err := col.Add(ctx, e)
	if err != nil {
		return "", fmt.Errorf("failed to append %s history: %w", e.Channel, err)
	}
	return ref.ID, nil
}

func (s *Store) ListHistory(ctx context.Context, userID string, ch store.Channel, limit int) ([]store.HistoryEntry, error) {
	col, err := s.history(ch)
	if err != nil {
		return nil, err
	}
	q := col.Where("user_id", "==", userID).OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []store.HistoryEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s history: %w", ch, err)
		}
		var e store.HistoryEntry
		if err := snap.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", snap.Ref.ID, err)
		}
		e.ID = snap.Ref.ID
		out = append(out, e)
	}
	return out, nil
}

// DeleteHistory checks ownership and deletes in one transaction.
func (s *Store) DeleteHistory(ctx context.Context, userID string, ch store.Channel, id string) error {
	col, err := s.history(ch)
	if err != nil {
		return err
	}
	ref := col.Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return mapErr(err, "get history")
		}
		owner, err := snap.DataAt("user_id")
		if err != nil || owner != userID {
			return store.ErrNotFound
		}
		return tx.Delete(ref)
	})
}

func decodeRecord(snap *firestore.DocumentSnapshot) (store.Record, error) {
	var rec store.Record
	if err := snap.DataTo(&rec); err != nil {
		return store.Record{}, fmt.Errorf("decode record %s: %w", snap.Ref.ID, err)
	}
	rec.ID = snap.Ref.ID
	return rec, nil
}

func mapErr(err error, op string) error {
	if status.Code(err) == codes.NotFound {
		return store.ErrNotFound
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
