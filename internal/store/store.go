// Package store is the Result Store: one record per (user, company) that accumulates pipeline
// output through non-destructive merges, plus append-only email and LinkedIn history.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a record or history entry does not exist or is not visible to
// the caller.
var ErrNotFound = errors.New("store: not found")

// Stage names the step that last wrote a record.
type Stage string

const (
	StageResearch  Stage = "research"
	StageVerify    Stage = "verify"
	StageMessaging Stage = "messaging"
)

// Channel names a history log.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
)

// ParseChannel validates a channel path segment.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelEmail, ChannelLinkedIn:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q (expected email|linkedin)", s)
	}
}

// Record is the durable ResultRecord.
type Record struct {
	ID          string `json:"id" firestore:"-"`
	UserID      string `json:"user_id" firestore:"user_id"`
	CompanyName string `json:"company_name" firestore:"company_name"`
	CompanyKey  string `json:"-" firestore:"company_key"`
	Role        string `json:"role" firestore:"role"`
	RoleKey     string `json:"-" firestore:"role_key"`

	ResearchData map[string]any `json:"research_data" firestore:"research_data"`

	ContactName     string  `json:"contact_name" firestore:"contact_name"`
	ContactTitle    string  `json:"contact_title" firestore:"contact_title"`
	ContactEmail    string  `json:"contact_email" firestore:"contact_email"`
	EmailInferred   bool    `json:"email_inferred" firestore:"email_inferred"`
	ConfidenceScore float64 `json:"confidence_score" firestore:"confidence_score"`
	SourceURL       string  `json:"source_url" firestore:"source_url"`
	SourceTitle     string  `json:"source_title" firestore:"source_title"`

	LastStep  Stage     `json:"last_step" firestore:"last_step"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`
}

// HistoryEntry is one generated message. Entries are never updated.
type HistoryEntry struct {
	ID          string    `json:"id" firestore:"-"`
	UserID      string    `json:"user_id" firestore:"user_id"`
	RecordID    string    `json:"record_id" firestore:"record_id"`
	CompanyName string    `json:"company_name" firestore:"company_name"`
	Role        string    `json:"role" firestore:"role"`
	Channel     Channel   `json:"channel" firestore:"channel"`
	Content     string    `json:"content" firestore:"content"`
	CreatedAt   time.Time `json:"created_at" firestore:"created_at"`
}

// Store is the persistence boundary. Updates are whole-row and last-writer-wins.
type Store interface {
	GetRecord(ctx context.Context, id string) (Record, error)
	FindRecord(ctx context.Context, userID, company string) (Record, error)
	CreateRecord(ctx context.Context, rec Record) (string, error)
	UpdateRecord(ctx context.Context, rec Record) error
	// LatestByCompanyRole returns the most recently updated record for the pair across all
	// users. Matching is case-insensitive.
	LatestByCompanyRole(ctx context.Context, company, role string) (Record, error)

	AppendHistory(ctx context.Context, e HistoryEntry) (string, error)
	// ListHistory returns the user's entries, newest first. limit <= 0 means no limit.
	ListHistory(ctx context.Context, userID string, ch Channel, limit int) ([]HistoryEntry, error)
	// DeleteHistory removes one entry owned by userID. Entries owned by others are ErrNotFound.
	DeleteHistory(ctx context.Context, userID string, ch Channel, id string) error
}

// Key normalizes a company or role name for lookups.
func Key(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// PersistenceError is a failed store write or read during a run. It is reported, never returned
// to the caller of a pipeline run.
type PersistenceError struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return "persistence error"
	}
	if e.Stage != "" {
		return fmt.Sprintf("persist %s (%s): %v", e.Op, e.Stage, e.Err)
	}
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
