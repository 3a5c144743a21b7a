package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"golang.org/x/sync/errgroup"
)

// Keys under research_data holding whole documents written by one stage of one run.
const (
	KeyResearch = "research"
	KeyVerified = "verified"
	KeyOutputs  = "outputs"
)

// atomicKeys name objects that are replaced whole. Merging them field by field would mix two
// runs, for example one run's email with another run's inferred flag.
var atomicKeys = map[string]bool{
	KeyResearch:                  true,
	KeyVerified:                  true,
	KeyOutputs:                   true,
	outreach.KeyPrimaryContact:   true,
	outreach.KeySecondaryContact: true,
	outreach.KeyLegacyContact:    true,
}

// MergeResearchData returns base overlaid with patch. A key from patch replaces the base value
// only when the patch value is non-empty. Other nested objects merge key by key, except
// documents and contacts, which a non-empty patch value replaces whole. Neither input is
// modified.
func MergeResearchData(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if isEmpty(v) {
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok && !atomicKeys[k] {
			out[k] = MergeResearchData(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

// StageWrite is one merge-persistence request.
type StageWrite struct {
	// RecordID is the id returned by an earlier stage of the same run. Empty finds the
	// (user, company) record, creating it if absent.
	RecordID string
	UserID   string
	Company  string
	Role     string
	Stage    Stage

	// Data is merged into research_data.
	Data map[string]any
	// Confidence is written when set.
	Confidence *float64
	// Source is written as source_url/source_title when set.
	Source *outreach.Source

	Now time.Time
}

// MergeStage applies w to its record and returns the record id. Contact columns are always
// re-derived from the merged research_data through the primary, secondary, legacy fallback.
func MergeStage(ctx context.Context, st Store, w StageWrite) (string, error) {
	if w.Now.IsZero() {
		w.Now = time.Now().UTC()
	}

	rec, found, err := loadForMerge(ctx, st, w)
	if err != nil {
		return w.RecordID, &PersistenceError{Op: "read record", Stage: w.Stage, Err: err}
	}

	rec.ResearchData = MergeResearchData(rec.ResearchData, w.Data)
	if c := outreach.ResolveContactFromData(rec.ResearchData); c != nil {
		rec.ContactName = c.Name
		rec.ContactTitle = c.Title
		rec.ContactEmail = c.Email
		rec.EmailInferred = c.Email != "" && c.Inferred
	}
	if w.Confidence != nil {
		rec.ConfidenceScore = *w.Confidence
	}
	if w.Source != nil && strings.TrimSpace(w.Source.URL) != "" {
		rec.SourceURL = strings.TrimSpace(w.Source.URL)
		rec.SourceTitle = strings.TrimSpace(w.Source.Title)
	}
	if strings.TrimSpace(w.Role) != "" {
		rec.Role = strings.TrimSpace(w.Role)
		rec.RoleKey = Key(w.Role)
	}
	rec.LastStep = w.Stage
	rec.UpdatedAt = w.Now

	if !found {
		rec.CreatedAt = w.Now
		id, err := st.CreateRecord(ctx, rec)
		if err != nil {
			return "", &PersistenceError{Op: "create record", Stage: w.Stage, Err: err}
		}
		return id, nil
	}
	if err := st.UpdateRecord(ctx, rec); err != nil {
		return rec.ID, &PersistenceError{Op: "update record", Stage: w.Stage, Err: err}
	}
	return rec.ID, nil
}

func loadForMerge(ctx context.Context, st Store, w StageWrite) (Record, bool, error) {
	if w.RecordID != "" {
		rec, err := st.GetRecord(ctx, w.RecordID)
		if err != nil {
			return Record{}, false, err
		}
		return rec, true, nil
	}
	if strings.TrimSpace(w.UserID) == "" || strings.TrimSpace(w.Company) == "" {
		return Record{}, false, errors.New("user and company are required")
	}
	rec, err := st.FindRecord(ctx, w.UserID, w.Company)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, ErrNotFound):
		return Record{
			UserID:      w.UserID,
			CompanyName: strings.TrimSpace(w.Company),
			CompanyKey:  Key(w.Company),
		}, false, nil
	default:
		return Record{}, false, err
	}
}

// AppendMessages writes one history row per non-empty message. The two inserts are
// independent: one failing does not cancel the other, and every failure is returned.
func AppendMessages(ctx context.Context, st Store, base HistoryEntry, email, linkedin string) error {
	rows := []struct {
		ch      Channel
		content string
	}{{ChannelEmail, email}, {ChannelLinkedIn, linkedin}}
	errs := make([]error, len(rows))

	var g errgroup.Group
	for i, row := range rows {
		if strings.TrimSpace(row.content) == "" {
			continue
		}
		e := base
		e.Channel = row.ch
		e.Content = row.content
		g.Go(func() error {
			if _, err := st.AppendHistory(ctx, e); err != nil {
				errs[i] = &PersistenceError{Op: fmt.Sprintf("append %s history", row.ch), Stage: StageMessaging, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
