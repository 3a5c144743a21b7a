package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/server"
	"github.com/shpitdev/company-outreach/internal/store"
	"github.com/shpitdev/company-outreach/internal/stream"
	"github.com/shpitdev/company-outreach/internal/version"
)

type harness struct {
	srv   *httptest.Server
	store *store.Memory

	mu          sync.Mutex
	researchErr error
	composeErr  error
	lastCompose outreach.ComposeInput
}

func newHarness(t *testing.T, opts ...server.Option) *harness {
	t.Helper()

	h := &harness{store: store.NewMemory()}
	src := &outreach.Source{Title: "News", URL: "https://news.example.com/acme"}
	orch, err := pipeline.New(pipeline.Deps{
		Researcher: outreach.ResearchFunc(func(context.Context, outreach.PipelineRequest) (outreach.ResearchDoc, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return outreach.ResearchDoc{Summary: "Acme", Points: []outreach.Claim{{Claim: "Raised Series B", Source: src}}}, h.researchErr
		}),
		Verifier: outreach.VerifyFunc(func(_ context.Context, doc outreach.ResearchDoc) (outreach.VerifiedDoc, error) {
			return outreach.VerifiedDoc{
				Summary: doc.Summary,
				Points:  doc.Points,
				Contact: &outreach.Contact{Name: "Jane Doe", Title: "CTO", Email: "jane@acme.example", Inferred: true},
			}, nil
		}),
		Composer: outreach.ComposeFunc(func(_ context.Context, in outreach.ComposeInput) (outreach.ComposedMessages, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.lastCompose = in
			if h.composeErr != nil {
				return outreach.ComposedMessages{}, h.composeErr
			}
			return outreach.ComposedMessages{Email: "Subject: " + in.Role + " at " + in.Company + "\n\nHello", LinkedIn: "Hi " + in.Company}, nil
		}),
		Store: h.store,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	opts = append([]server.Option{server.WithStore(h.store)}, opts...)
	s := server.New(server.Settings{}, orch, opts...)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) setErrors(research, compose error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.researchErr, h.composeErr = research, compose
}

func (h *harness) composed() outreach.ComposeInput {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCompose
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set(server.DefaultUserHeader, user)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

var acmeBody = map[string]any{"company": "Acme", "role": "CTO", "highlights": "10y infra"}

func TestOutreach_StreamsNDJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/outreach", "u1", acmeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	view, events, err := stream.Collect(resp.Body)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !view.Done || view.Final == nil || events[len(events)-1].Type != stream.TypeFinal {
		t.Fatalf("expected a final event last: %#v", events)
	}
	outputs, _ := view.Final["outputs"].(map[string]any)
	if email, _ := outputs["email"].(string); !strings.HasPrefix(email, "Subject:") {
		t.Fatalf("unexpected email %q", email)
	}
	if view.Final["email_inferred"] != true {
		t.Fatalf("inferred email must be visible: %#v", view.Final)
	}
	if view.Status["messaging"] != stream.StateComplete {
		t.Fatalf("status view = %#v", view.Status)
	}
}

func TestOutreach_RejectsInvalidInputBeforeStreaming(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cases := []struct {
		name string
		body any
	}{
		{"missing role", map[string]any{"company": "Acme"}},
		{"bad tone", map[string]any{"company": "Acme", "role": "CTO", "tone": "sarcastic"}},
		{"not json", "{"},
	}
	for _, tc := range cases {
		resp := h.do(t, http.MethodPost, "/api/outreach", "u1", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tc.name, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content type = %q", tc.name, ct)
		}
	}
}

func TestOutreach_RequiresUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/outreach", "", acmeBody)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestOutreach_StageFailureIsInBand(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setErrors(errors.New("provider unavailable"), nil)

	resp := h.do(t, http.MethodPost, "/api/outreach", "u1", acmeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failures are reported in-band, status = %d", resp.StatusCode)
	}
	view, events, err := stream.Collect(resp.Body)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != stream.TypeError || view.Code != "ResearchFailed" || !strings.Contains(view.Error, "provider unavailable") {
		t.Fatalf("unexpected terminal event %#v", last)
	}
}

func TestOutreach_ResumeOnlyWhenOptedIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	body := map[string]any{"company": "Acme", "role": "CTO", "resumeContent": "Led infra at Initech"}

	resp := h.do(t, http.MethodPost, "/api/outreach", "u1", body)
	_, _, _ = stream.Collect(resp.Body)
	if h.composed().ResumeContext != "" {
		t.Fatalf("resume must be ignored without opt-in, got %q", h.composed().ResumeContext)
	}

	body["useResumeInPersonalization"] = true
	resp = h.do(t, http.MethodPost, "/api/outreach", "u1", body)
	_, _, _ = stream.Collect(resp.Body)
	if h.composed().ResumeContext != "Led infra at Initech" {
		t.Fatalf("resume not used after opt-in: %q", h.composed().ResumeContext)
	}
}

func TestRegenerate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/outreach/regenerate", "u1", map[string]any{"company": "Acme", "role": "CTO", "tone": "direct"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]string
	decodeJSON(t, resp, &got)
	if !strings.HasPrefix(got["email"], "Subject:") || got["linkedin"] == "" {
		t.Fatalf("unexpected body %#v", got)
	}
	if h.composed().Tone != outreach.ToneDirect {
		t.Fatalf("tone = %q", h.composed().Tone)
	}

	resp = h.do(t, http.MethodPost, "/api/outreach/regenerate", "u1", map[string]any{"company": "Acme"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid request status = %d", resp.StatusCode)
	}

	h.setErrors(nil, errors.New("quota"))
	resp = h.do(t, http.MethodPost, "/api/outreach/regenerate", "u1", map[string]any{"company": "Acme", "role": "CTO"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("compose failure status = %d", resp.StatusCode)
	}
	var errBody map[string]string
	decodeJSON(t, resp, &errBody)
	if errBody["code"] != "MessagingFailed" {
		t.Fatalf("unexpected error body %#v", errBody)
	}
}

func TestHistory_ListAndDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	mine, _ := h.store.AppendHistory(ctx, store.HistoryEntry{UserID: "u1", Channel: store.ChannelEmail, Content: "Subject: a", CreatedAt: time.Now()})
	theirs, _ := h.store.AppendHistory(ctx, store.HistoryEntry{UserID: "u2", Channel: store.ChannelEmail, Content: "Subject: b", CreatedAt: time.Now()})

	resp := h.do(t, http.MethodGet, "/api/history/email", "u1", nil)
	var list struct {
		Entries []store.HistoryEntry `json:"entries"`
	}
	decodeJSON(t, resp, &list)
	if len(list.Entries) != 1 || list.Entries[0].ID != mine {
		t.Fatalf("unexpected listing %#v", list.Entries)
	}

	if resp := h.do(t, http.MethodGet, "/api/history/fax", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad channel status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodGet, "/api/history/email?limit=zero", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodDelete, "/api/history/email/"+theirs, "u1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleting another user's entry must 404, got %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodDelete, "/api/history/email/"+mine, "u1", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	left, _ := h.store.ListHistory(ctx, "u2", store.ChannelEmail, 0)
	if len(left) != 1 {
		t.Fatalf("other user's entry must survive, got %d", len(left))
	}
}

func TestRecord_ResolvesContact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/outreach", "u1", acmeBody)
	_, _, _ = stream.Collect(resp.Body)

	resp = h.do(t, http.MethodGet, "/api/records/acme", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Record        store.Record      `json:"record"`
		Contact       *outreach.Contact `json:"contact"`
		EmailInferred bool              `json:"email_inferred"`
	}
	decodeJSON(t, resp, &got)
	if got.Contact == nil || got.Contact.Name != "Jane Doe" || !got.EmailInferred {
		t.Fatalf("unexpected record response %#v", got)
	}
	if got.Record.LastStep != store.StageMessaging {
		t.Fatalf("last step = %s", got.Record.LastStep)
	}

	if resp := h.do(t, http.MethodGet, "/api/records/acme", "u2", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("records are per user, got %d", resp.StatusCode)
	}
}

type fixedCounter int64

func (c fixedCounter) Count() int64 { return int64(c) }

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, server.WithFailureCounter(fixedCounter(3)))
	resp := h.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]any
	decodeJSON(t, resp, &got)
	if got["version"] != version.Current || got["persistence_errors"] != float64(3) {
		t.Fatalf("unexpected health %#v", got)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	s := server.New(server.Settings{Addr: "127.0.0.1:0"}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	resp, err := http.Get(server.URL(s.Addr()) + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second Start should fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("Addr after shutdown = %q", s.Addr())
	}
}
