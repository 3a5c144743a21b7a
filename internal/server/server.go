// Package server is the HTTP transport: the streamed outreach trigger, compose-only
// regeneration, history and record reads, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/store"
	"github.com/shpitdev/company-outreach/internal/stream"
	"github.com/shpitdev/company-outreach/internal/version"
)

// Runner is the orchestrator surface the server drives.
type Runner interface {
	Run(ctx context.Context, userID string, req outreach.PipelineRequest, sink stream.Sink) (pipeline.Result, error)
	Regenerate(ctx context.Context, userID string, in pipeline.RegenerateRequest) (outreach.ComposedMessages, error)
}

// Counter reports the persistence failures seen so far.
type Counter interface {
	Count() int64
}

type Server struct {
	settings Settings
	runner   Runner
	store    store.Store
	failures Counter
	logger   *zap.Logger
	clock    func() time.Time

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore enables the history and record endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithFailureCounter exposes persistence failures on /health.
func WithFailureCounter(c Counter) Option {
	return func(s *Server) { s.failures = c }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(settings Settings, runner Runner, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		runner:   runner,
		logger:   zap.NewNop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.startTime = s.clock()
	return s
}

// Handler returns the routed handler. Everything under /api requires the user header.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/outreach", s.handleOutreach)
	api.HandleFunc("POST /api/outreach/regenerate", s.handleRegenerate)
	api.HandleFunc("GET /api/history/{channel}", s.handleHistoryList)
	api.HandleFunc("DELETE /api/history/{channel}/{id}", s.handleHistoryDelete)
	api.HandleFunc("GET /api/records/{company}", s.handleRecord)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/api/", s.requireUser(api))
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server: already started")
	}
	ln, err := net.Listen("tcp", s.settings.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.settings.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener = ln
	s.server = srv
	s.startTime = s.clock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.server = nil
	s.listener = nil
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type userKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(s.settings.UserHeader))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+s.settings.UserHeader+" header", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(userKey{}).(string)
	return u
}

// triggerRequest is the body of POST /api/outreach.
type triggerRequest struct {
	Company       string `json:"company"`
	Domain        string `json:"domain"`
	Role          string `json:"role"`
	Highlights    string `json:"highlights"`
	Tone          string `json:"tone"`
	ResumeContent string `json:"resumeContent"`
	UseResume     bool   `json:"useResumeInPersonalization"`
}

func (t triggerRequest) pipelineRequest() outreach.PipelineRequest {
	req := outreach.PipelineRequest{
		Company:    t.Company,
		Domain:     t.Domain,
		Role:       t.Role,
		Highlights: t.Highlights,
		Tone:       outreach.Tone(t.Tone),
	}
	if t.UseResume {
		req.ResumeContext = t.ResumeContent
	}
	return req
}

func (s *Server) handleOutreach(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if !s.decode(w, r, &body) {
		return
	}
	req, err := body.pipelineRequest().Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	res, err := s.runner.Run(r.Context(), userFrom(r), req, enc)
	if err != nil && !enc.Closed() && r.Context().Err() == nil {
		// The runner ended without a terminal event; close the stream for the client.
		_ = enc.Emit(stream.Event{Type: stream.TypeError, Error: redact.Error(err), Code: string(pipeline.TagMessagingFailed)})
	}
	s.logger.Debug("outreach stream closed", zap.String("run_id", res.RunID), zap.String("state", string(res.State)))
}

type regenerateResponse struct {
	Email    string `json:"email,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Company    string `json:"company"`
		Role       string `json:"role"`
		Highlights string `json:"highlights"`
		Tone       string `json:"tone"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	msgs, err := s.runner.Regenerate(r.Context(), userFrom(r), pipeline.RegenerateRequest{
		Company:    body.Company,
		Role:       body.Role,
		Highlights: body.Highlights,
		Tone:       outreach.Tone(body.Tone),
	})
	var se *pipeline.StageError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, regenerateResponse{Email: msgs.Email, LinkedIn: msgs.LinkedIn})
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, redact.Error(se.Err), string(se.Tag))
	default:
		writeError(w, http.StatusInternalServerError, redact.Error(err), "")
	}
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	ch, err := store.ParseChannel(r.PathValue("channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	limit := s.settings.HistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = min(n, s.settings.HistoryLimit)
	}
	entries, err := s.store.ListHistory(r.Context(), userFrom(r), ch, limit)
	if err != nil {
		s.logger.Error("list history", zap.String("channel", string(ch)), zap.String("error", redact.Error(err)))
		writeError(w, http.StatusInternalServerError, "history unavailable", "")
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	ch, err := store.ParseChannel(r.PathValue("channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	err = s.store.DeleteHistory(r.Context(), userFrom(r), ch, r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "history entry not found", "")
	default:
		s.logger.Error("delete history", zap.String("channel", string(ch)), zap.String("error", redact.Error(err)))
		writeError(w, http.StatusInternalServerError, "delete failed", "")
	}
}

type recordResponse struct {
	Record        store.Record      `json:"record"`
	Contact       *outreach.Contact `json:"contact"`
	EmailInferred bool              `json:"email_inferred"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	rec, err := s.store.FindRecord(r.Context(), userFrom(r), r.PathValue("company"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found", "")
		return
	case err != nil:
		s.logger.Error("find record", zap.String("error", redact.Error(err)))
		writeError(w, http.StatusInternalServerError, "record unavailable", "")
		return
	}
	contact := outreach.ResolveContactFromData(rec.ResearchData)
	writeJSON(w, http.StatusOK, recordResponse{
		Record:        rec,
		Contact:       contact,
		EmailInferred: contact != nil && contact.Email != "" && contact.Inferred,
	})
}

type healthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	PersistenceErrors int64  `json:"persistence_errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       version.Current,
		UptimeSeconds: int64(s.clock().Sub(s.startTime).Seconds()),
	}
	if s.failures != nil {
		resp.PersistenceErrors = s.failures.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is disabled", "")
		return false
	}
	return true
}

// decode reads a JSON body, answering 400/413 itself when it fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit", "")
			return false
		}
		writeError(w, http.StatusBadRequest, "unable to read body", "")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
