// Package mockgemini is a fake of the Gemini generateContent REST endpoint. It serves queued
// replies in order and records every call, so provider adapters can be tested through the real
// genai client with only the base URL changed.
package mockgemini

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Source is a grounding chunk attached to a reply.
type Source struct {
	Title string
	URI   string
}

// Reply is one scripted response.
type Reply struct {
	// Status is an HTTP status. Zero means 200.
	Status int
	// Text is returned as the single candidate part.
	Text string

	Sources       []Source
	Queries       []string
	RetrievedURLs []string
}

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Model  string
	Prompt string

	// Tools lists the tool kinds requested (googleSearch, urlContext).
	Tools            []string
	ResponseMIMEType string
}

// Server implements the subset of the Gemini API the adapters use.
type Server struct {
	mu       sync.Mutex
	calls    []Call
	queue    []Reply
	fallback func(Call) Reply

	expectedKey string
}

// New constructs a server with an empty queue. Unscripted calls get a 500 unless a fallback is set.
func New() *Server {
	return &Server{}
}

// Enqueue appends replies served in FIFO order.
func (s *Server) Enqueue(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
}

// SetFallback answers calls once the queue is empty.
func (s *Server) SetFallback(fn func(Call) Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// RequireAPIKey enforces the x-goog-api-key header. Empty disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedKey = strings.TrimSpace(key)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleModels)
	return mux
}

type generateRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	Tools []map[string]json.RawMessage `json:"tools"`

	GenerationConfig struct {
		ResponseMIMEType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	// /{version}/models/{model}:generateContent
	path := r.URL.Path
	idx := strings.Index(path, "/models/")
	if idx < 0 || !strings.HasSuffix(path, ":generateContent") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "API key not valid")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	call := Call{
		Method:           r.Method,
		Path:             path,
		Model:            strings.TrimSuffix(path[idx+len("/models/"):], ":generateContent"),
		ResponseMIMEType: req.GenerationConfig.ResponseMIMEType,
	}
	var prompt []string
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			if p.Text != "" {
				prompt = append(prompt, p.Text)
			}
		}
	}
	call.Prompt = strings.Join(prompt, "\n")
	for _, tool := range req.Tools {
		for kind := range tool {
			call.Tools = append(call.Tools, kind)
		}
	}

	reply, ok := s.next(call)
	if !ok {
		writeError(w, http.StatusInternalServerError, "mockgemini: no scripted reply")
		return
	}
	if reply.Status != 0 && reply.Status != http.StatusOK {
		writeError(w, reply.Status, fmt.Sprintf("scripted status %d", reply.Status))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(renderReply(reply))
}

func (s *Server) authorize(r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedKey
	s.mu.Unlock()
	if expected == "" {
		return true
	}
	got := r.Header.Get("x-goog-api-key")
	if got == "" {
		got = r.URL.Query().Get("key")
	}
	return got == expected
}

func (s *Server) next(call Call) (Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		return r, true
	}
	if s.fallback != nil {
		return s.fallback(call), true
	}
	return Reply{}, false
}

func renderReply(r Reply) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": r.Text}},
		},
		"finishReason": "STOP",
	}
	if len(r.Sources) > 0 || len(r.Queries) > 0 {
		chunks := make([]map[string]any, 0, len(r.Sources))
		for _, src := range r.Sources {
			chunks = append(chunks, map[string]any{"web": map[string]any{"uri": src.URI, "title": src.Title}})
		}
		candidate["groundingMetadata"] = map[string]any{
			"groundingChunks":  chunks,
			"webSearchQueries": r.Queries,
		}
	}
	if len(r.RetrievedURLs) > 0 {
		meta := make([]map[string]any, 0, len(r.RetrievedURLs))
		for _, u := range r.RetrievedURLs {
			meta = append(meta, map[string]any{"retrievedUrl": u, "urlRetrievalStatus": "URL_RETRIEVAL_STATUS_SUCCESS"})
		}
		candidate["urlContextMetadata"] = map[string]any{"urlMetadata": meta}
	}
	return map[string]any{
		"candidates": []map[string]any{candidate},
		"usageMetadata": map[string]any{
			"promptTokenCount":     len(r.Text) / 4,
			"candidatesTokenCount": len(r.Text) / 4,
		},
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
			"status":  statusName(code),
		},
	})
}

func statusName(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
