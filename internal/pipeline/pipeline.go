// Package pipeline runs the outreach workflow for one request: a cache check, then research,
// verification and message composition, streaming progress and merging each stage's output into
// the caller's record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shpitdev/company-outreach/internal/cache"
	"github.com/shpitdev/company-outreach/internal/capability"
	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/store"
	"github.com/shpitdev/company-outreach/internal/stream"
)

// Stage names used as keys of status events.
const (
	StageResearch  = "research"
	StageVerify    = "verify"
	StageMessaging = "messaging"
)

const DefaultPersistTimeout = 10 * time.Second

// Archiver stores a copy of each successful run's final payload.
type Archiver interface {
	Archive(ctx context.Context, userID string, p FinalPayload) error
}

// Deps are the collaborators every orchestrator needs. Store may be nil, which disables
// persistence and the run cache.
type Deps struct {
	Researcher outreach.Researcher
	Verifier   outreach.Verifier
	Composer   outreach.Composer
	Store      store.Store
}

type Orchestrator struct {
	research outreach.Researcher
	verify   outreach.Verifier
	compose  outreach.Composer
	store    store.Store
	cache    *cache.RunCache

	logger         *zap.Logger
	reporter       Reporter
	archiver       Archiver
	now            func() time.Time
	newRunID       func() string
	cacheMaxAge    time.Duration
	persistTimeout time.Duration
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReporter replaces the default LogReporter.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock overrides time.Now for record timestamps and cache age checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newRunID = next
		}
	}
}

// WithCacheMaxAge sets the freshness threshold. Zero or negative disables the cache.
func WithCacheMaxAge(d time.Duration) Option {
	return func(o *Orchestrator) { o.cacheMaxAge = d }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.persistTimeout = d
		}
	}
}

func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Researcher == nil || deps.Verifier == nil || deps.Composer == nil {
		return nil, errors.New("pipeline: researcher, verifier and composer are required")
	}
	o := &Orchestrator{
		research:       deps.Researcher,
		verify:         deps.Verifier,
		compose:        deps.Composer,
		store:          deps.Store,
		logger:         zap.NewNop(),
		now:            time.Now,
		newRunID:       uuid.NewString,
		cacheMaxAge:    cache.DefaultMaxAge,
		persistTimeout: DefaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reporter == nil {
		o.reporter = NewLogReporter(o.logger)
	}
	if o.store != nil {
		o.cache = cache.New(o.store, cache.WithClock(o.now))
	}
	return o, nil
}

// Result summarizes a finished run for callers that do not read the stream.
type Result struct {
	RunID string
	State State
	Final *FinalPayload
}

// run is the mutable state of one Run call.
type run struct {
	id       string
	userID   string
	req      outreach.PipelineRequest
	recordID string
	state    State
	logger   *zap.Logger

	sink    stream.Sink
	aborted bool
}

// Run executes the pipeline for one request, emitting events to sink in stage order and ending
// with exactly one final or error event. Invalid requests return ErrInvalidRequest without
// emitting anything. A stage failure returns a *StageError after the error event is emitted.
//
// When ctx is cancelled, or the sink starts failing, no further events are emitted. Writes
// already committed stay in place.
func (o *Orchestrator) Run(ctx context.Context, userID string, req outreach.PipelineRequest, sink stream.Sink) (Result, error) {
	req, err := req.Normalize()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(userID) == "" {
		return Result{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if sink == nil {
		sink = stream.SinkFunc(func(stream.Event) error { return nil })
	}

	r := &run{
		id:     o.newRunID(),
		userID: userID,
		req:    req,
		sink:   sink,
	}
	r.logger = o.logger.With(
		zap.String("run_id", r.id),
		zap.String("user_id", userID),
		zap.String("company", req.Company),
		zap.String("role", req.Role),
	)
	ctx = capability.WithRunID(ctx, r.id)
	start := time.Now()
	r.logger.Info("run start", zap.String("tone", string(req.Tone)))

	final, err := o.execute(ctx, r)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Tag: TagMessagingFailed, Err: err}
		}
		o.enter(r, StateFailed)
		o.emit(ctx, r, stream.Event{Type: stream.TypeError, Error: redact.Error(se.Err), Code: string(se.Tag)})
		r.logger.Warn("run failed",
			zap.String("code", string(se.Tag)),
			zap.String("error", redact.Error(se.Err)),
			zap.Duration("duration", time.Since(start)),
		)
		return Result{RunID: r.id, State: StateFailed}, se
	}

	o.enter(r, StateDone)
	o.emit(ctx, r, stream.Event{Type: stream.TypeFinal, Data: outreach.ToMap(final)})
	r.logger.Info("run complete",
		zap.Bool("cached", final.Cached),
		zap.Float64("confidence", final.Confidence),
		zap.String("record_id", r.recordID),
		zap.Duration("duration", time.Since(start)),
	)
	o.archive(ctx, r, *final)
	return Result{RunID: r.id, State: StateDone, Final: final}, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*FinalPayload, error) {
	pair, err := o.cache.Lookup(ctx, r.req.Company, r.req.Role, o.cacheMaxAge)
	if err != nil {
		// A store outage degrades to an uncached run.
		o.reporter.Report(ctx, r.id, &store.PersistenceError{Op: "cache lookup", Err: err})
		pair = nil
	}
	o.enter(r, StateCacheChecked)

	var (
		research outreach.ResearchDoc
		verified outreach.VerifiedDoc
		cached   = pair != nil
	)
	if cached {
		research, verified = pair.Research, pair.Verified
		r.logger.Info("cache hit",
			zap.String("source_record_id", pair.RecordID),
			zap.Time("source_verified_at", pair.UpdatedAt),
		)
		o.emitStatus(ctx, r, map[string]string{
			StageResearch: stream.StateFromCache,
			StageVerify:   stream.StateFromCache,
		})
		conf := outreach.Confidence(verified)
		o.persist(ctx, r, store.StageWrite{
			Stage:      store.StageVerify,
			Data:       cachedData(pair),
			Confidence: &conf,
			Source:     firstSource(verified),
		})
		o.enter(r, StateVerifyDone)
	} else {
		if research, err = o.runResearch(ctx, r); err != nil {
			return nil, err
		}
		if verified, err = o.runVerify(ctx, r, research); err != nil {
			return nil, err
		}
	}

	confidence := outreach.Confidence(verified)

	// Compose works from the merged record, which may hold more than this run produced.
	var data map[string]any
	if rec, ok := o.reread(ctx, r); ok {
		data = rec.ResearchData
		if doc, ok := verifiedFromData(data); ok {
			verified = doc
		}
	}

	o.enter(r, StateComposing)
	o.emitStatus(ctx, r, map[string]string{StageMessaging: stream.StateRunning})
	msgs, err := o.compose.Compose(ctx, outreach.ComposeInput{
		Company:       r.req.Company,
		Role:          r.req.Role,
		Highlights:    r.req.Highlights,
		ResumeContext: r.req.ResumeContext,
		Tone:          r.req.Tone,
		Verified:      verified,
	})
	if err != nil {
		o.emitStatus(ctx, r, map[string]string{StageMessaging: stream.StateFailed})
		return nil, &StageError{Tag: TagMessagingFailed, Err: err}
	}
	o.persistMessages(ctx, r, msgs)
	o.emitStatus(ctx, r, map[string]string{StageMessaging: stream.StateComplete})

	contact := resolveFinalContact(data, verified, research)
	return &FinalPayload{
		RunID:         r.id,
		RecordID:      r.recordID,
		Company:       r.req.Company,
		Role:          r.req.Role,
		Cached:        cached,
		Research:      briefOf(research.Summary, research.Points),
		Verified:      briefOf(verified.Summary, verified.Points),
		Contact:       contact,
		EmailInferred: contact != nil && contact.Email != "" && contact.Inferred,
		Confidence:    confidence,
		Outputs:       msgs,
	}, nil
}

func (o *Orchestrator) runResearch(ctx context.Context, r *run) (outreach.ResearchDoc, error) {
	o.enter(r, StateResearching)
	o.emitStatus(ctx, r, map[string]string{StageResearch: stream.StateRunning})

	doc, err := o.research.Research(ctx, r.req)
	if err != nil {
		o.emitStatus(ctx, r, map[string]string{StageResearch: stream.StateFailed})
		return outreach.ResearchDoc{}, &StageError{Tag: TagResearchFailed, Err: err}
	}
	doc = Canonicalize(doc)

	data := doc.Data()
	data[cache.KeyResearch] = cache.Stamp(outreach.ToMap(doc), r.id, o.now())
	o.persist(ctx, r, store.StageWrite{Stage: store.StageResearch, Data: data})

	o.emitStatus(ctx, r, map[string]string{StageResearch: stream.StateComplete})
	o.emit(ctx, r, stream.Event{
		Type: stream.TypeIntermediate,
		Data: map[string]any{StageResearch: map[string]any{"summary": doc.Summary}},
	})
	o.enter(r, StateResearchDone)
	return doc, nil
}

func (o *Orchestrator) runVerify(ctx context.Context, r *run, research outreach.ResearchDoc) (outreach.VerifiedDoc, error) {
	o.enter(r, StateVerifying)
	o.emitStatus(ctx, r, map[string]string{StageVerify: stream.StateRunning})

	verified, err := o.verify.Verify(ctx, research)
	if err != nil {
		o.emitStatus(ctx, r, map[string]string{StageVerify: stream.StateFailed})
		return outreach.VerifiedDoc{}, &StageError{Tag: TagVerificationFailed, Err: err}
	}
	verified = outreach.EnforceSourcePolicy(verified)
	verified.Contact = verified.Contact.Clean()

	conf := outreach.Confidence(verified)
	data := map[string]any{
		cache.KeyVerified: cache.Stamp(outreach.ToMap(verified), r.id, o.now()),
		"summary":         verified.Summary,
		"points":          outreach.ToMapSlice(verified.Points),
	}
	if verified.Contact != nil {
		data[outreach.KeyPrimaryContact] = outreach.ToMap(verified.Contact)
	}
	o.persist(ctx, r, store.StageWrite{
		Stage:      store.StageVerify,
		Data:       data,
		Confidence: &conf,
		Source:     firstSource(verified),
	})

	o.emitStatus(ctx, r, map[string]string{StageVerify: stream.StateComplete})
	o.emit(ctx, r, stream.Event{
		Type: stream.TypeIntermediate,
		Data: map[string]any{StageVerify: briefOf(verified.Summary, verified.Points).asMap()},
	})
	o.enter(r, StateVerifyDone)
	return verified, nil
}

// persist merges one stage into the run's record. Failures are reported and otherwise ignored;
// the write outlives client cancellation up to the persist timeout.
func (o *Orchestrator) persist(ctx context.Context, r *run, w store.StageWrite) {
	if o.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()

	w.RecordID = r.recordID
	w.UserID = r.userID
	w.Company = r.req.Company
	w.Role = r.req.Role
	w.Now = o.now().UTC()
	id, err := store.MergeStage(pctx, o.store, w)
	if id != "" {
		r.recordID = id
	}
	if err != nil {
		o.reporter.Report(pctx, r.id, err)
		return
	}
	r.logger.Debug("stage persisted", zap.String("stage", string(w.Stage)), zap.String("record_id", r.recordID))
}

func (o *Orchestrator) persistMessages(ctx context.Context, r *run, msgs outreach.ComposedMessages) {
	if o.store == nil {
		return
	}
	o.persist(ctx, r, store.StageWrite{
		Stage: store.StageMessaging,
		Data:  map[string]any{store.KeyOutputs: outreach.ToMap(msgs)},
	})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	err := store.AppendMessages(pctx, o.store, store.HistoryEntry{
		UserID:      r.userID,
		RecordID:    r.recordID,
		CompanyName: r.req.Company,
		Role:        r.req.Role,
		CreatedAt:   o.now().UTC(),
	}, msgs.Email, msgs.LinkedIn)
	if err != nil {
		o.reporter.Report(pctx, r.id, err)
	}
}

// reread loads the run's record after the verify step. ok is false when there is nothing to read
// or the read failed.
func (o *Orchestrator) reread(ctx context.Context, r *run) (store.Record, bool) {
	if o.store == nil || r.recordID == "" {
		return store.Record{}, false
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	rec, err := o.store.GetRecord(pctx, r.recordID)
	if err != nil {
		o.reporter.Report(pctx, r.id, &store.PersistenceError{Op: "reread record", Stage: store.StageVerify, Err: err})
		return store.Record{}, false
	}
	return rec, true
}

func (o *Orchestrator) archive(ctx context.Context, r *run, p FinalPayload) {
	if o.archiver == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	if err := o.archiver.Archive(actx, r.userID, p); err != nil {
		o.reporter.Report(actx, r.id, &store.PersistenceError{Op: "archive", Stage: store.StageMessaging, Err: err})
	}
}

func (o *Orchestrator) enter(r *run, s State) {
	r.logger.Debug("state", zap.String("from", string(r.state)), zap.String("to", string(s)))
	r.state = s
}

func (o *Orchestrator) emitStatus(ctx context.Context, r *run, status map[string]string) {
	o.emit(ctx, r, stream.Event{Type: stream.TypeStatus, Status: status})
}

// emit delivers ev unless the run was aborted. A cancelled context or a failing sink aborts.
func (o *Orchestrator) emit(ctx context.Context, r *run, ev stream.Event) {
	if r.aborted {
		return
	}
	if ctx.Err() != nil {
		r.aborted = true
		r.logger.Info("client gone; suppressing further events", zap.Error(ctx.Err()))
		return
	}
	if err := r.sink.Emit(ev); err != nil {
		r.aborted = true
		r.logger.Info("sink failed; suppressing further events", zap.Error(err))
	}
}
