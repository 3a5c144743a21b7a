package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tone selects the voice of composed messages.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneFriendly     Tone = "friendly"
	ToneDirect       Tone = "direct"
)

const (
	maxHighlightsLen    = 4000
	maxResumeContextLen = 6000
)

// ParseTone validates a tone value. Empty input selects the professional tone.
func ParseTone(raw string) (Tone, error) {
	switch t := Tone(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return ToneProfessional, nil
	case ToneProfessional, ToneFriendly, ToneDirect:
		return t, nil
	default:
		return "", fmt.Errorf("invalid tone %q (expected professional|friendly|direct)", raw)
	}
}

// PipelineRequest is one accepted outreach request. It is not mutated after Normalize.
type PipelineRequest struct {
	Company       string `json:"company"`
	Domain        string `json:"domain,omitempty"`
	Role          string `json:"role"`
	Highlights    string `json:"highlights"`
	ResumeContext string `json:"resumeContext,omitempty"`
	Tone          Tone   `json:"tone,omitempty"`
}

// Normalize trims fields, applies defaults and validates the request.
func (r PipelineRequest) Normalize() (PipelineRequest, error) {
	out := PipelineRequest{
		Company:       strings.TrimSpace(r.Company),
		Domain:        strings.TrimSpace(r.Domain),
		Role:          strings.TrimSpace(r.Role),
		Highlights:    truncate(strings.TrimSpace(r.Highlights), maxHighlightsLen),
		ResumeContext: truncate(strings.TrimSpace(r.ResumeContext), maxResumeContextLen),
	}
	if out.Company == "" {
		return PipelineRequest{}, errors.New("company is required")
	}
	if out.Role == "" {
		return PipelineRequest{}, errors.New("role is required")
	}
	tone, err := ParseTone(string(r.Tone))
	if err != nil {
		return PipelineRequest{}, err
	}
	out.Tone = tone
	return out, nil
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return strings.TrimSpace(s[:max])
}

// Source is a cited web page.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Claim is one researched fact about a company.
type Claim struct {
	Claim  string  `json:"claim"`
	Source *Source `json:"source,omitempty"`
}

// HasSource reports whether the claim cites a non-empty URL.
func (c Claim) HasSource() bool {
	return c.Source != nil && strings.TrimSpace(c.Source.URL) != ""
}

// Contact is a person to address the outreach to.
//
// Inferred is true when Email was derived from a naming pattern instead of observed on a page.
type Contact struct {
	Name     string  `json:"name,omitempty"`
	Title    string  `json:"title,omitempty"`
	Email    string  `json:"email,omitempty"`
	Inferred bool    `json:"inferred"`
	Source   *Source `json:"source,omitempty"`
}

// ResearchDoc is the canonical research brief every stage after Research consumes.
type ResearchDoc struct {
	Summary string   `json:"summary"`
	Points  []Claim  `json:"points"`
	Contact *Contact `json:"contact,omitempty"`

	// Fields holds the provider's top-level keys (for example companyOverview) so they can be
	// persisted alongside the canonical shape.
	Fields map[string]any `json:"-"`
}

// VerifiedDoc has the ResearchDoc shape, but every claim carries a source URL.
type VerifiedDoc struct {
	Summary string   `json:"summary"`
	Points  []Claim  `json:"points"`
	Contact *Contact `json:"contact,omitempty"`
}

// ComposedMessages holds the two generated messages. Email starts with a "Subject:" line.
type ComposedMessages struct {
	Email    string `json:"email"`
	LinkedIn string `json:"linkedin"`
}

// ComposeInput is everything the Compose capability needs for one call.
type ComposeInput struct {
	Company       string
	Role          string
	Highlights    string
	ResumeContext string
	Tone          Tone
	Verified      VerifiedDoc
}

// Researcher produces a research brief for a company and role.
type Researcher interface {
	Research(ctx context.Context, req PipelineRequest) (ResearchDoc, error)
}

// Verifier re-checks a research brief against sources.
type Verifier interface {
	Verify(ctx context.Context, doc ResearchDoc) (VerifiedDoc, error)
}

// Composer writes the email and LinkedIn messages.
type Composer interface {
	Compose(ctx context.Context, in ComposeInput) (ComposedMessages, error)
}

// ResearchFunc adapts a function to the Researcher interface.
type ResearchFunc func(ctx context.Context, req PipelineRequest) (ResearchDoc, error)

func (f ResearchFunc) Research(ctx context.Context, req PipelineRequest) (ResearchDoc, error) {
	return f(ctx, req)
}

// VerifyFunc adapts a function to the Verifier interface.
type VerifyFunc func(ctx context.Context, doc ResearchDoc) (VerifiedDoc, error)

func (f VerifyFunc) Verify(ctx context.Context, doc ResearchDoc) (VerifiedDoc, error) {
	return f(ctx, doc)
}

// ComposeFunc adapts a function to the Composer interface.
type ComposeFunc func(ctx context.Context, in ComposeInput) (ComposedMessages, error)

func (f ComposeFunc) Compose(ctx context.Context, in ComposeInput) (ComposedMessages, error) {
	return f(ctx, in)
}

// EnforceSourcePolicy drops every claim without a source URL.
func EnforceSourcePolicy(doc VerifiedDoc) VerifiedDoc {
	kept := make([]Claim, 0, len(doc.Points))
	for _, p := range doc.Points {
		if strings.TrimSpace(p.Claim) == "" || !p.HasSource() {
			continue
		}
		kept = append(kept, p)
	}
	doc.Points = kept
	return doc
}
