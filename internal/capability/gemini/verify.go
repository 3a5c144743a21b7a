package gemini

import (
	"context"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"google.golang.org/genai"
)

var verifiedSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary": {Type: genai.TypeString},
		"points":  pointsSchema,
		"contact": contactSchema,
	},
	Required: []string{"summary", "points"},
}

// Verifier re-checks each claim of a brief against live sources.
type Verifier struct{ c *Client }

func (c *Client) Verifier() *Verifier { return &Verifier{c: c} }

// Verify returns only claims the model could tie to a URL. A claim whose source is missing is
// dropped, never kept with a guessed citation.
func (v *Verifier) Verify(ctx context.Context, doc outreach.ResearchDoc) (outreach.VerifiedDoc, error) {
	prompt, err := buildVerifyPrompt(doc)
	if err != nil {
		return outreach.VerifiedDoc{}, err
	}
	resp, err := v.c.generate(ctx, call{
		model:    v.c.model,
		prompt:   prompt,
		schema:   verifiedSchema,
		grounded: true,
	})
	if err != nil {
		return outreach.VerifiedDoc{}, err
	}

	out, ferr := outreach.NormalizeVerified(resp.Text())
	if ferr != nil {
		v.c.logFallback(ferr)
	}
	if out.Contact != nil && !out.Contact.HasIdentity() {
		out.Contact = nil
	}
	return out, nil
}
