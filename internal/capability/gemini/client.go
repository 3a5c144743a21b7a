// Package gemini implements the Research, Verify and Compose capabilities on the Gemini API.
// Research and Verify are grounded with Google Search and URL context. All three request
// structured JSON and fall back to wrapping raw text when the model ignores the schema.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type Config struct {
	APIKey string
	Model  string

	// ComposeModel is used for message writing. Defaults to Model.
	ComposeModel string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	Logger *zap.Logger
}

// Client holds one genai client shared by the three capabilities.
type Client struct {
	client       *genai.Client
	model        string
	composeModel string
	logger       *zap.Logger
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	composeModel := strings.TrimSpace(cfg.ComposeModel)
	if composeModel == "" {
		composeModel = strings.TrimSpace(cfg.Model)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client:       client,
		model:        strings.TrimSpace(cfg.Model),
		composeModel: composeModel,
		logger:       logger,
	}, nil
}

func (c *Client) Model() string        { return c.model }
func (c *Client) ComposeModel() string { return c.composeModel }

type call struct {
	model    string
	prompt   string
	schema   *genai.Schema
	grounded bool
}

func (c *Client) generate(ctx context.Context, in call) (*genai.GenerateContentResponse, error) {
	cfg := &genai.GenerateContentConfig{
		CandidateCount:   1,
		ResponseMIMEType: "application/json",
		ResponseSchema:   in.schema,
	}
	if in.grounded {
		cfg.Tools = []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
			{URLContext: &genai.URLContext{}},
		}
	}
	resp, err := c.client.Models.GenerateContent(ctx, in.model, genai.Text(in.prompt), cfg)
	if err != nil {
		return nil, classifyErr(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("gemini: empty response")
	}
	return resp, nil
}

func (c *Client) logFallback(ferr *outreach.ProviderFormatError) {
	c.logger.Warn("provider output not structured, using raw text",
		zap.String("stage", string(ferr.Capability)),
		zap.Int("raw_len", len(ferr.Raw)),
		zap.Error(ferr.Err),
	)
}

func classifyErr(err error) error {
	// Wrap transient failures so the guard can retry with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &outreach.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &outreach.TransientError{Err: err}
	}
	return err
}

func extractSources(resp *genai.GenerateContentResponse) []outreach.Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	c := resp.Candidates[0]

	var out []outreach.Source
	seen := make(map[string]struct{})
	add := func(title, uri string) {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			return
		}
		if _, ok := seen[uri]; ok {
			return
		}
		seen[uri] = struct{}{}
		out = append(out, outreach.Source{Title: strings.TrimSpace(title), URL: uri})
	}
	if c.GroundingMetadata != nil {
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			add(chunk.Web.Title, chunk.Web.URI)
		}
	}
	if c.URLContextMetadata != nil {
		for _, m := range c.URLContextMetadata.URLMetadata {
			if m == nil {
				continue
			}
			add("", m.RetrievedURL)
		}
	}
	return out
}

func extractWebSearchQueries(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	c := resp.Candidates[0]
	if c.GroundingMetadata == nil {
		return nil
	}
	return dedupePreserveOrder(c.GroundingMetadata.WebSearchQueries)
}

func dedupePreserveOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// auditFields records grounding metadata next to the provider's own keys.
func auditFields(fields map[string]any, resp *genai.GenerateContentResponse) map[string]any {
	if fields == nil {
		fields = make(map[string]any)
	}
	if srcs := extractSources(resp); len(srcs) > 0 {
		list := make([]any, 0, len(srcs))
		for _, s := range srcs {
			list = append(list, map[string]any{"title": s.Title, "url": s.URL})
		}
		fields["sources"] = list
	}
	if q := extractWebSearchQueries(resp); len(q) > 0 {
		list := make([]any, 0, len(q))
		for _, v := range q {
			list = append(list, v)
		}
		fields["web_search_queries"] = list
	}
	return fields
}
