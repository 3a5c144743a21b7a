package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shpitdev/company-outreach/internal/cache"
	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/store"
	"github.com/shpitdev/company-outreach/internal/stream"
)

type fakeProviders struct {
	research atomic.Int32
	verify   atomic.Int32
	compose  atomic.Int32

	researchDoc outreach.ResearchDoc
	researchErr error
	verifiedDoc outreach.VerifiedDoc
	verifyErr   error
	composeErr  error

	mu          sync.Mutex
	verifyIn    outreach.ResearchDoc
	lastCompose outreach.ComposeInput
}

func acmeProviders() *fakeProviders {
	src := &outreach.Source{Title: "Acme raises Series B", URL: "https://news.example.com/acme-b"}
	return &fakeProviders{
		researchDoc: outreach.ResearchDoc{
			Summary: "Acme builds deployment tooling.",
			Points:  []outreach.Claim{{Claim: "Raised Series B", Source: src}},
		},
		verifiedDoc: outreach.VerifiedDoc{
			Summary: "Acme builds deployment tooling.",
			Points:  []outreach.Claim{{Claim: "Raised Series B", Source: src}},
		},
	}
}

func (f *fakeProviders) deps(st store.Store) pipeline.Deps {
	return pipeline.Deps{
		Researcher: outreach.ResearchFunc(func(_ context.Context, req outreach.PipelineRequest) (outreach.ResearchDoc, error) {
			f.research.Add(1)
			return f.researchDoc, f.researchErr
		}),
		Verifier: outreach.VerifyFunc(func(_ context.Context, doc outreach.ResearchDoc) (outreach.VerifiedDoc, error) {
			f.verify.Add(1)
			f.mu.Lock()
			f.verifyIn = doc
			f.mu.Unlock()
			return f.verifiedDoc, f.verifyErr
		}),
		Composer: outreach.ComposeFunc(func(_ context.Context, in outreach.ComposeInput) (outreach.ComposedMessages, error) {
			n := f.compose.Add(1)
			f.mu.Lock()
			f.lastCompose = in
			f.mu.Unlock()
			if f.composeErr != nil {
				return outreach.ComposedMessages{}, f.composeErr
			}
			return outreach.ComposedMessages{
				Email:    "Subject: " + in.Role + " at " + in.Company + "\n\nHi there (" + string(rune('0'+n)) + ")",
				LinkedIn: "Hi, I noticed " + in.Company + " raised a Series B.",
			}, nil
		}),
		Store: st,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Emit(ev stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []stream.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) view() stream.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	var v stream.View
	for _, ev := range r.events {
		v.Apply(ev)
	}
	return v
}

func newOrchestrator(t *testing.T, deps pipeline.Deps, opts ...pipeline.Option) *pipeline.Orchestrator {
	t.Helper()
	o, err := pipeline.New(deps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

var acmeRequest = outreach.PipelineRequest{Company: "Acme", Role: "CTO", Highlights: "10y infra"}

func assertTerminatesOnce(t *testing.T, types []stream.Type, want stream.Type) {
	t.Helper()
	if len(types) == 0 || types[len(types)-1] != want {
		t.Fatalf("expected stream to end with %s, got %v", want, types)
	}
	terminals := 0
	for _, ty := range types {
		if ty == stream.TypeFinal || ty == stream.TypeError {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %v", terminals, types)
	}
}

func TestRun_EndToEndAcme(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(st), pipeline.WithRunIDs(func() string { return "run-1" }))

	rec := &recorder{}
	res, err := o.Run(context.Background(), "u1", acmeRequest, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != pipeline.StateDone || res.RunID != "run-1" {
		t.Fatalf("unexpected result: %#v", res)
	}

	want := []stream.Type{
		stream.TypeStatus, stream.TypeStatus, stream.TypeIntermediate,
		stream.TypeStatus, stream.TypeStatus, stream.TypeIntermediate,
		stream.TypeStatus, stream.TypeStatus, stream.TypeFinal,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected event sequence: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s (%v)", i, got[i], want[i], got)
		}
	}
	assertTerminatesOnce(t, got, stream.TypeFinal)

	v := rec.view()
	for _, stage := range []string{pipeline.StageResearch, pipeline.StageVerify, pipeline.StageMessaging} {
		if v.Status[stage] != stream.StateComplete {
			t.Fatalf("stage %s status = %q", stage, v.Status[stage])
		}
	}

	final := rec.last().Data
	outputs, _ := final["outputs"].(map[string]any)
	if email, _ := outputs["email"].(string); !strings.HasPrefix(email, "Subject:") {
		t.Fatalf("email should start with Subject:, got %q", email)
	}
	contact, present := final["contact"]
	if !present || contact != nil {
		t.Fatalf("expected contact to be present and null, got %#v (present=%t)", contact, present)
	}
	if final["confidence"] != 0.7 || final["run_id"] != "run-1" || final["cached"] != false {
		t.Fatalf("unexpected final payload: %#v", final)
	}

	record, err := st.FindRecord(context.Background(), "u1", "Acme")
	if err != nil {
		t.Fatalf("FindRecord: %v", err)
	}
	if record.LastStep != store.StageMessaging || record.ConfidenceScore != 0.7 {
		t.Fatalf("unexpected record: %#v", record)
	}
	if record.SourceURL != "https://news.example.com/acme-b" {
		t.Fatalf("source not persisted: %#v", record)
	}
	if final["record_id"] != record.ID {
		t.Fatalf("final record_id %v != %s", final["record_id"], record.ID)
	}
	for _, ch := range []store.Channel{store.ChannelEmail, store.ChannelLinkedIn} {
		list, err := st.ListHistory(context.Background(), "u1", ch, 0)
		if err != nil || len(list) != 1 || list[0].RecordID != record.ID {
			t.Fatalf("%s history = %#v, %v", ch, list, err)
		}
	}
}

func TestRun_CacheHitSkipsResearchAndVerify(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(st))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	rec := &recorder{}
	res, err := o.Run(context.Background(), "u2", outreach.PipelineRequest{Company: " ACME ", Role: "cto", Highlights: "5y sales"}, rec)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.research.Load() != 1 || f.verify.Load() != 1 {
		t.Fatalf("research/verify should not run on a hit: research=%d verify=%d", f.research.Load(), f.verify.Load())
	}
	if f.compose.Load() != 2 {
		t.Fatalf("compose must run on every request, got %d", f.compose.Load())
	}
	if !res.Final.Cached {
		t.Fatalf("expected cached result")
	}

	first := rec.events[0]
	if first.Type != stream.TypeStatus ||
		first.Status[pipeline.StageResearch] != stream.StateFromCache ||
		first.Status[pipeline.StageVerify] != stream.StateFromCache {
		t.Fatalf("expected a single from-cache status first, got %#v", first)
	}
	assertTerminatesOnce(t, rec.types(), stream.TypeFinal)

	// The hit is copied into the caller's own record.
	mine, err := st.FindRecord(context.Background(), "u2", "acme")
	if err != nil {
		t.Fatalf("FindRecord: %v", err)
	}
	if _, ok := mine.ResearchData["verified"].(map[string]any); !ok {
		t.Fatalf("verified doc not copied: %#v", mine.ResearchData)
	}
	if f.lastCompose.Highlights != "5y sales" || f.lastCompose.Verified.Summary == "" {
		t.Fatalf("compose should get fresh highlights and the cached brief: %#v", f.lastCompose)
	}
}

func TestRun_StaleRecordIsAMiss(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	st := store.NewMemory()
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(st), pipeline.WithClock(clock), pipeline.WithCacheMaxAge(168*time.Hour))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	advance(168 * time.Hour)
	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.research.Load() != 2 {
		t.Fatalf("a record exactly at the threshold must be a miss, research calls=%d", f.research.Load())
	}
}

func TestRun_ResearchFailureEndsWithError(t *testing.T) {
	t.Parallel()

	f := acmeProviders()
	f.researchErr = errors.New("upstream 500: key=AIzaSyD-not-a-real-key-0000000000000")
	o := newOrchestrator(t, f.deps(store.NewMemory()))

	rec := &recorder{}
	res, err := o.Run(context.Background(), "u1", acmeRequest, rec)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Tag != pipeline.TagResearchFailed {
		t.Fatalf("expected ResearchFailed, got %v", err)
	}
	if res.State != pipeline.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if f.verify.Load() != 0 || f.compose.Load() != 0 {
		t.Fatalf("no stage may run after a failure")
	}

	assertTerminatesOnce(t, rec.types(), stream.TypeError)
	last := rec.last()
	if last.Code != "ResearchFailed" || strings.Contains(last.Error, "AIza") {
		t.Fatalf("unexpected error event: %#v", last)
	}
	if v := rec.view(); v.Status[pipeline.StageResearch] != stream.StateFailed {
		t.Fatalf("research status = %q", v.Status[pipeline.StageResearch])
	}
}

func TestRun_MessagingFailureKeepsPartialRecord(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	f.composeErr = errors.New("quota exhausted")
	o := newOrchestrator(t, f.deps(st))

	rec := &recorder{}
	_, err := o.Run(context.Background(), "u1", acmeRequest, rec)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Tag != pipeline.TagMessagingFailed {
		t.Fatalf("expected MessagingFailed, got %v", err)
	}
	assertTerminatesOnce(t, rec.types(), stream.TypeError)

	record, err := st.FindRecord(context.Background(), "u1", "Acme")
	if err != nil {
		t.Fatalf("partial record should remain: %v", err)
	}
	if record.LastStep != store.StageVerify {
		t.Fatalf("last step = %s", record.LastStep)
	}
	list, _ := st.ListHistory(context.Background(), "u1", store.ChannelEmail, 0)
	if len(list) != 0 {
		t.Fatalf("no history on failure, got %d", len(list))
	}
}

func TestRun_VerifyFailureTag(t *testing.T) {
	t.Parallel()

	f := acmeProviders()
	f.verifyErr = errors.New("timed out")
	o := newOrchestrator(t, f.deps(nil))

	rec := &recorder{}
	_, err := o.Run(context.Background(), "u1", acmeRequest, rec)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Tag != pipeline.TagVerificationFailed {
		t.Fatalf("expected VerificationFailed, got %v", err)
	}
	if rec.last().Code != "VerificationFailed" {
		t.Fatalf("unexpected terminal event %#v", rec.last())
	}
}

type brokenStore struct {
	*store.Memory
}

var errDown = errors.New("store unavailable")

func (brokenStore) FindRecord(context.Context, string, string) (store.Record, error) {
	return store.Record{}, errDown
}

func (brokenStore) CreateRecord(context.Context, store.Record) (string, error) {
	return "", errDown
}

func (brokenStore) LatestByCompanyRole(context.Context, string, string) (store.Record, error) {
	return store.Record{}, errDown
}

func (brokenStore) AppendHistory(context.Context, store.HistoryEntry) (string, error) {
	return "", errDown
}

func TestRun_PersistenceFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	reporter := pipeline.NewLogReporter(zap.New(core))
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(brokenStore{store.NewMemory()}), pipeline.WithReporter(reporter))

	rec := &recorder{}
	res, err := o.Run(context.Background(), "u1", acmeRequest, rec)
	if err != nil {
		t.Fatalf("persistence errors must not fail the run: %v", err)
	}
	if res.Final == nil || res.Final.Outputs.Email == "" {
		t.Fatalf("expected a usable final payload: %#v", res)
	}
	assertTerminatesOnce(t, rec.types(), stream.TypeFinal)

	if reporter.Count() == 0 {
		t.Fatalf("expected persistence failures to be reported")
	}
	if logs.FilterMessage("persistence failed; continuing").Len() != int(reporter.Count()) {
		t.Fatalf("every failure should be logged once, logs=%d count=%d", logs.Len(), reporter.Count())
	}
}

type racingStore struct {
	*store.Memory
}

// GetRecord simulates a concurrent writer that refined the verified summary.
func (s racingStore) GetRecord(ctx context.Context, id string) (store.Record, error) {
	rec, err := s.Memory.GetRecord(ctx, id)
	if err != nil {
		return rec, err
	}
	if v, ok := rec.ResearchData["verified"].(map[string]any); ok {
		v["summary"] = "merged by another run"
	}
	return rec, nil
}

func TestRun_ComposeUsesPersistedRecord(t *testing.T) {
	t.Parallel()

	f := acmeProviders()
	o := newOrchestrator(t, f.deps(racingStore{store.NewMemory()}))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.lastCompose.Verified.Summary; got != "merged by another run" {
		t.Fatalf("compose should read the persisted record, got summary %q", got)
	}
}

func TestRun_ObservedContactRaisesConfidence(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	f.researchDoc.Points = nil
	f.verifiedDoc = outreach.VerifiedDoc{
		Summary: "Acme",
		Contact: &outreach.Contact{Name: "Jane Doe", Title: "CTO", Email: "jane@acme.example"},
	}
	o := newOrchestrator(t, f.deps(st))

	res, err := o.Run(context.Background(), "u1", acmeRequest, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Final.Confidence != 0.8 || res.Final.EmailInferred {
		t.Fatalf("unexpected final: %#v", res.Final)
	}
	if res.Final.Contact == nil || res.Final.Contact.Name != "Jane Doe" {
		t.Fatalf("contact = %#v", res.Final.Contact)
	}
	record, _ := st.FindRecord(context.Background(), "u1", "Acme")
	if record.ConfidenceScore != 0.8 || record.ContactEmail != "jane@acme.example" {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestRun_InferredEmailStaysFlagged(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	f.verifiedDoc.Contact = &outreach.Contact{Name: "Jane Doe", Email: "jane.doe@acme.example", Inferred: true}
	o := newOrchestrator(t, f.deps(st))

	res, err := o.Run(context.Background(), "u1", acmeRequest, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Final.EmailInferred || !res.Final.Contact.Inferred {
		t.Fatalf("inferred flag lost: %#v", res.Final)
	}
	if res.Final.Confidence != 0.9 {
		t.Fatalf("confidence = %v", res.Final.Confidence)
	}
	record, _ := st.FindRecord(context.Background(), "u1", "Acme")
	if !record.EmailInferred {
		t.Fatalf("record lost email_inferred: %#v", record)
	}
}

func TestRun_ProfileShapeIsCanonicalizedBeforeVerify(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	f.researchDoc = outreach.ResearchDoc{Fields: map[string]any{
		"companyOverview":   "Acme builds rockets.",
		"keyPoints":         []any{"Raised Series B"},
		"primary_contact":   map[string]any{"name": "N/A", "title": "Not available"},
		"secondary_contact": map[string]any{"name": "Sam Lee", "title": "VP Engineering"},
	}}
	f.verifiedDoc.Contact = nil
	o := newOrchestrator(t, f.deps(st))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	in := f.verifyIn
	if in.Summary != "Acme builds rockets." || len(in.Points) != 1 {
		t.Fatalf("verify received non-canonical doc: %#v", in)
	}
	if in.Contact == nil || in.Contact.Name != "Sam Lee" {
		t.Fatalf("expected secondary contact, got %#v", in.Contact)
	}
	record, _ := st.FindRecord(context.Background(), "u1", "Acme")
	if record.ContactName != "Sam Lee" || record.ResearchData["companyOverview"] != "Acme builds rockets." {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestRun_InvalidRequestEmitsNothing(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, acmeProviders().deps(nil))
	rec := &recorder{}
	_, err := o.Run(context.Background(), "u1", outreach.PipelineRequest{Company: "Acme", Role: "CTO", Tone: "sarcastic"}, rec)
	if !errors.Is(err, pipeline.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected no events, got %v", rec.types())
	}
}

func TestRun_StopsEmittingWhenSinkFails(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	var emitted int
	sink := stream.SinkFunc(func(stream.Event) error {
		emitted++
		if emitted == 2 {
			return errors.New("broken pipe")
		}
		return nil
	})
	o := newOrchestrator(t, acmeProviders().deps(st))

	res, err := o.Run(context.Background(), "u1", acmeRequest, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if emitted != 2 {
		t.Fatalf("expected emission to stop after the failing write, got %d calls", emitted)
	}
	if res.State != pipeline.StateDone {
		t.Fatalf("state = %s", res.State)
	}
	// Side effects still land.
	if list, _ := st.ListHistory(context.Background(), "u1", store.ChannelEmail, 0); len(list) != 1 {
		t.Fatalf("expected history to be written, got %d", len(list))
	}
}

func TestRun_CancelledContextSuppressesEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	f := acmeProviders()
	deps := f.deps(store.NewMemory())
	deps.Verifier = outreach.VerifyFunc(func(ctx context.Context, _ outreach.ResearchDoc) (outreach.VerifiedDoc, error) {
		cancel()
		return outreach.VerifiedDoc{}, ctx.Err()
	})
	o := newOrchestrator(t, deps)

	rec := &recorder{}
	_, err := o.Run(ctx, "u1", acmeRequest, rec)
	if err == nil {
		t.Fatalf("expected an error")
	}
	for _, ty := range rec.types() {
		if ty == stream.TypeError || ty == stream.TypeFinal {
			t.Fatalf("no terminal event may be sent to a gone client, got %v", rec.types())
		}
	}
}

type archiveFunc func(ctx context.Context, userID string, p pipeline.FinalPayload) error

func (f archiveFunc) Archive(ctx context.Context, userID string, p pipeline.FinalPayload) error {
	return f(ctx, userID, p)
}

func TestRun_ArchivesFinalPayload(t *testing.T) {
	t.Parallel()

	var got []pipeline.FinalPayload
	reporter := pipeline.NewLogReporter(nil)
	calls := 0
	a := archiveFunc(func(_ context.Context, userID string, p pipeline.FinalPayload) error {
		calls++
		if userID != "u1" {
			t.Errorf("userID = %q", userID)
		}
		got = append(got, p)
		if calls > 1 {
			return errors.New("precondition failed")
		}
		return nil
	})
	o := newOrchestrator(t, acmeProviders().deps(nil), pipeline.WithArchiver(a), pipeline.WithReporter(reporter))

	for range 2 {
		if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if len(got) != 2 || got[0].RunID == got[1].RunID {
		t.Fatalf("expected one archive per run with distinct run ids: %#v", got)
	}
	if reporter.Count() != 1 {
		t.Fatalf("archive failures are reported, count=%d", reporter.Count())
	}
}

func TestRegenerate_AppendsEachTime(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(st))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := pipeline.RegenerateRequest{Company: "Acme", Role: "CTO", Highlights: "10y infra", Tone: outreach.ToneFriendly}
	for range 2 {
		msgs, err := o.Regenerate(context.Background(), "u1", req)
		if err != nil {
			t.Fatalf("Regenerate: %v", err)
		}
		if !strings.HasPrefix(msgs.Email, "Subject:") {
			t.Fatalf("unexpected email %q", msgs.Email)
		}
	}
	if f.research.Load() != 1 || f.verify.Load() != 1 || f.compose.Load() != 3 {
		t.Fatalf("regenerate must only compose: research=%d verify=%d compose=%d",
			f.research.Load(), f.verify.Load(), f.compose.Load())
	}
	if f.lastCompose.Tone != outreach.ToneFriendly || f.lastCompose.Verified.Summary == "" {
		t.Fatalf("regenerate should compose from the stored brief: %#v", f.lastCompose)
	}

	list, err := st.ListHistory(context.Background(), "u1", store.ChannelEmail, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 email rows (1 run + 2 regenerations), got %d", len(list))
	}
	if list[0].ID == list[1].ID || list[0].Content == list[1].Content {
		t.Fatalf("regenerations must be independent rows: %#v", list[:2])
	}
}

func TestRegenerate_WithoutRecord(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	o := newOrchestrator(t, acmeProviders().deps(st))

	if _, err := o.Regenerate(context.Background(), "u1", pipeline.RegenerateRequest{Company: "Initech", Role: "CEO"}); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if _, err := st.FindRecord(context.Background(), "u1", "Initech"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("regenerate must not create records, got %v", err)
	}
	if list, _ := st.ListHistory(context.Background(), "u1", store.ChannelLinkedIn, 0); len(list) != 1 {
		t.Fatalf("expected one linkedin row, got %d", len(list))
	}
}

func TestRegenerate_ComposeFailure(t *testing.T) {
	t.Parallel()

	f := acmeProviders()
	f.composeErr = errors.New("boom")
	o := newOrchestrator(t, f.deps(nil))

	_, err := o.Regenerate(context.Background(), "u1", pipeline.RegenerateRequest{Company: "Acme", Role: "CTO"})
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Tag != pipeline.TagMessagingFailed {
		t.Fatalf("expected MessagingFailed, got %v", err)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRun_LaterContactReplacesEarlierOne(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	st := store.NewMemory()
	f := acmeProviders()
	f.verifiedDoc.Contact = &outreach.Contact{Name: "Jane Doe", Email: "jane.doe@acme.example", Inferred: true}
	o := newOrchestrator(t, f.deps(st), pipeline.WithClock(clock.Now))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	clock.Advance(200 * time.Hour)
	f.verifiedDoc.Contact = &outreach.Contact{Name: "Sam Lee", Title: "CTO"}

	res, err := o.Run(context.Background(), "u1", acmeRequest, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.verify.Load() != 2 {
		t.Fatalf("the second run must verify again, verify calls=%d", f.verify.Load())
	}
	c := res.Final.Contact
	if c == nil || c.Name != "Sam Lee" || c.Email != "" || c.Inferred || res.Final.EmailInferred {
		t.Fatalf("contact mixes two runs: %#v (email_inferred=%t)", c, res.Final.EmailInferred)
	}
	record, _ := st.FindRecord(context.Background(), "u1", "Acme")
	if record.ContactName != "Sam Lee" || record.ContactEmail != "" || record.EmailInferred {
		t.Fatalf("record contact mixes two runs: %#v", record)
	}
}

func TestRun_FailedVerificationNeverPairsWithOlderVerifiedDoc(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	st := store.NewMemory()
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(st), pipeline.WithClock(clock.Now))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	clock.Advance(30 * 24 * time.Hour)

	f.verifyErr = errors.New("timed out")
	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err == nil {
		t.Fatalf("expected the second run to fail in verify")
	}

	f.verifyErr = nil
	f.verifiedDoc.Summary = "Acme builds deployment tooling, re-verified."
	clock.Advance(time.Minute)
	res, err := o.Run(context.Background(), "u1", acmeRequest, nil)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if res.Final.Cached {
		t.Fatalf("fresh research next to a month-old verification must not be a hit")
	}
	if f.research.Load() != 3 || f.verify.Load() != 3 {
		t.Fatalf("third run must research and verify: research=%d verify=%d", f.research.Load(), f.verify.Load())
	}
	if got := f.lastCompose.Verified.Summary; got != "Acme builds deployment tooling, re-verified." {
		t.Fatalf("compose used a stale verified doc: %q", got)
	}

	record, _ := st.FindRecord(context.Background(), "u1", "Acme")
	research, _ := record.ResearchData[cache.KeyResearch].(map[string]any)
	verified, _ := record.ResearchData[cache.KeyVerified].(map[string]any)
	if research[cache.KeyRunID] != res.RunID || verified[cache.KeyRunID] != res.RunID {
		t.Fatalf("stored documents should both belong to %s: research=%v verified=%v",
			res.RunID, research[cache.KeyRunID], verified[cache.KeyRunID])
	}
}

func TestRun_CacheHitCopyKeepsSourceFreshness(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	st := store.NewMemory()
	f := acmeProviders()
	o := newOrchestrator(t, f.deps(st), pipeline.WithClock(clock.Now), pipeline.WithCacheMaxAge(168*time.Hour))

	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	clock.Advance(100 * time.Hour)
	if res, err := o.Run(context.Background(), "u2", acmeRequest, nil); err != nil || !res.Final.Cached {
		t.Fatalf("expected a cached second run, got %#v, %v", res.Final, err)
	}
	// u2's copy is newer than u1's record, but the verification it carries is not.
	clock.Advance(100 * time.Hour)
	res, err := o.Run(context.Background(), "u3", acmeRequest, nil)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if res.Final.Cached || f.verify.Load() != 2 {
		t.Fatalf("a copy must not extend the cache window: cached=%t verify=%d", res.Final.Cached, f.verify.Load())
	}
}

func TestRun_CacheHitReplacesCallerContact(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	st := store.NewMemory()
	f := acmeProviders()
	f.verifiedDoc.Contact = &outreach.Contact{Name: "Jane Doe", Email: "jane.doe@acme.example", Inferred: true}
	o := newOrchestrator(t, f.deps(st), pipeline.WithClock(clock.Now))

	if _, err := o.Run(context.Background(), "u2", acmeRequest, nil); err != nil {
		t.Fatalf("u2 first run: %v", err)
	}
	clock.Advance(200 * time.Hour)
	f.verifiedDoc.Contact = &outreach.Contact{Name: "Sam Lee", Title: "CTO"}
	if _, err := o.Run(context.Background(), "u1", acmeRequest, nil); err != nil {
		t.Fatalf("u1 run: %v", err)
	}

	res, err := o.Run(context.Background(), "u2", acmeRequest, nil)
	if err != nil {
		t.Fatalf("u2 second run: %v", err)
	}
	if !res.Final.Cached || f.verify.Load() != 2 {
		t.Fatalf("expected a hit on u1's record: cached=%t verify=%d", res.Final.Cached, f.verify.Load())
	}
	if c := res.Final.Contact; c == nil || c.Name != "Sam Lee" || c.Email != "" || res.Final.EmailInferred {
		t.Fatalf("copied contact mixes two records: %#v", c)
	}
	mine, _ := st.FindRecord(context.Background(), "u2", "Acme")
	if mine.ContactName != "Sam Lee" || mine.ContactEmail != "" || mine.EmailInferred {
		t.Fatalf("u2 record keeps the old email: %#v", mine)
	}
}
