// Package cache is the Run Cache: a read-only view over the Result Store that finds a recent
// research and verification pair for a (company, role) so a run can skip both stages.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/store"
)

// DefaultMaxAge is the standing freshness policy.
const DefaultMaxAge = 168 * time.Hour

// Keys under research_data where the stages store their canonical documents.
const (
	KeyResearch = store.KeyResearch
	KeyVerified = store.KeyVerified

	// KeyRunID and KeyWrittenAt stamp each stored document with the run and time that wrote it.
	KeyRunID     = "run_id"
	KeyWrittenAt = "written_at"
)

// Stamp records runID and at in doc and returns it. A nil doc stays nil.
func Stamp(doc map[string]any, runID string, at time.Time) map[string]any {
	if doc == nil {
		return nil
	}
	doc[KeyRunID] = runID
	doc[KeyWrittenAt] = at.UTC().Format(time.RFC3339Nano)
	return doc
}

// Pair is a cache hit.
type Pair struct {
	Research outreach.ResearchDoc
	Verified outreach.VerifiedDoc

	// Data is the source record's full research_data.
	Data      map[string]any
	RecordID  string
	UpdatedAt time.Time
}

type RunCache struct {
	store store.Store
	now   func() time.Time
}

type Option func(*RunCache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *RunCache) { c.now = now }
}

func New(st store.Store, opts ...Option) *RunCache {
	c := &RunCache{store: st, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached pair, or nil on a miss. A hit needs both documents written by the
// same run, verified strictly less than maxAge ago. maxAge <= 0 disables the cache. A store
// error is returned with a nil pair; callers treat it as a miss.
func (c *RunCache) Lookup(ctx context.Context, company, role string, maxAge time.Duration) (*Pair, error) {
	if c == nil || c.store == nil || maxAge <= 0 {
		return nil, nil
	}
	rec, err := c.store.LatestByCompanyRole(ctx, company, role)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	researchRaw, _ := rec.ResearchData[KeyResearch].(map[string]any)
	verifiedRaw, _ := rec.ResearchData[KeyVerified].(map[string]any)
	if len(researchRaw) == 0 || len(verifiedRaw) == 0 {
		return nil, nil
	}
	verifiedAt, ok := pairedAt(rec, researchRaw, verifiedRaw)
	if !ok || c.now().Sub(verifiedAt) >= maxAge {
		return nil, nil
	}

	// Undecodable documents are a miss.
	var pair Pair
	if err := outreach.FromMap(researchRaw, &pair.Research); err != nil {
		return nil, nil
	}
	if err := outreach.FromMap(verifiedRaw, &pair.Verified); err != nil {
		return nil, nil
	}
	if pair.Research.Points == nil {
		pair.Research.Points = []outreach.Claim{}
	}
	pair.Verified = outreach.EnforceSourcePolicy(pair.Verified)
	pair.Data = rec.ResearchData
	pair.RecordID = rec.ID
	pair.UpdatedAt = verifiedAt
	return &pair, nil
}

// pairedAt returns when the stored pair was verified. Documents from different runs never pair:
// a run whose verification failed leaves its research next to an older verified document.
func pairedAt(rec store.Record, research, verified map[string]any) (time.Time, bool) {
	researchRun, _ := research[KeyRunID].(string)
	verifiedRun, _ := verified[KeyRunID].(string)
	if researchRun != verifiedRun {
		return time.Time{}, false
	}
	raw, _ := verified[KeyWrittenAt].(string)
	if raw == "" {
		// Unstamped documents fall back to the record clock.
		if rec.LastStep == store.StageResearch {
			return time.Time{}, false
		}
		return rec.UpdatedAt, true
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
