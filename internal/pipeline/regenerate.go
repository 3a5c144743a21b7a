package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shpitdev/company-outreach/internal/capability"
	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/store"
)

// RegenerateRequest asks for fresh messages without re-running research or verification.
type RegenerateRequest struct {
	Company       string        `json:"company"`
	Role          string        `json:"role"`
	Highlights    string        `json:"highlights"`
	ResumeContext string        `json:"resumeContext,omitempty"`
	Tone          outreach.Tone `json:"tone,omitempty"`
}

// Regenerate runs Compose alone against the caller's stored record for the company. Every
// successful call appends new history rows; earlier rows are never touched. A missing record is
// not an error: Compose then works from the request alone.
func (o *Orchestrator) Regenerate(ctx context.Context, userID string, in RegenerateRequest) (outreach.ComposedMessages, error) {
	req, err := outreach.PipelineRequest{
		Company:       in.Company,
		Role:          in.Role,
		Highlights:    in.Highlights,
		ResumeContext: in.ResumeContext,
		Tone:          in.Tone,
	}.Normalize()
	if err != nil {
		return outreach.ComposedMessages{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(userID) == "" {
		return outreach.ComposedMessages{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	r := &run{id: o.newRunID(), userID: userID, req: req}
	r.logger = o.logger.With(
		zap.String("run_id", r.id),
		zap.String("user_id", userID),
		zap.String("company", req.Company),
		zap.String("role", req.Role),
	)
	ctx = capability.WithRunID(ctx, r.id)

	var verified outreach.VerifiedDoc
	if rec, ok := o.findRecord(ctx, r); ok {
		r.recordID = rec.ID
		if doc, ok := verifiedFromData(rec.ResearchData); ok {
			verified = doc
		}
	}

	msgs, err := o.compose.Compose(ctx, outreach.ComposeInput{
		Company:       req.Company,
		Role:          req.Role,
		Highlights:    req.Highlights,
		ResumeContext: req.ResumeContext,
		Tone:          req.Tone,
		Verified:      verified,
	})
	if err != nil {
		r.logger.Warn("regenerate failed", zap.String("error", redact.Error(err)))
		return outreach.ComposedMessages{}, &StageError{Tag: TagMessagingFailed, Err: err}
	}

	if r.recordID != "" {
		o.persistMessages(ctx, r, msgs)
	} else if o.store != nil {
		// No record to merge into; history is still kept.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
		defer cancel()
		if err := store.AppendMessages(pctx, o.store, store.HistoryEntry{
			UserID:      userID,
			CompanyName: req.Company,
			Role:        req.Role,
			CreatedAt:   o.now().UTC(),
		}, msgs.Email, msgs.LinkedIn); err != nil {
			o.reporter.Report(pctx, r.id, err)
		}
	}
	r.logger.Info("regenerated", zap.String("record_id", r.recordID))
	return msgs, nil
}

func (o *Orchestrator) findRecord(ctx context.Context, r *run) (store.Record, bool) {
	if o.store == nil {
		return store.Record{}, false
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	rec, err := o.store.FindRecord(pctx, r.userID, r.req.Company)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.reporter.Report(pctx, r.id, &store.PersistenceError{Op: "find record", Stage: store.StageMessaging, Err: err})
		}
		return store.Record{}, false
	}
	return rec, true
}
