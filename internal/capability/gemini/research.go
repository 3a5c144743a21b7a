package gemini

import (
	"context"
	"strings"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"google.golang.org/genai"
)

var sourceSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title": {Type: genai.TypeString},
		"url":   {Type: genai.TypeString},
	},
}

var contactSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"name":     {Type: genai.TypeString},
		"title":    {Type: genai.TypeString},
		"email":    {Type: genai.TypeString},
		"inferred": {Type: genai.TypeBoolean},
		"source":   sourceSchema,
	},
}

var pointsSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"claim":  {Type: genai.TypeString},
			"source": sourceSchema,
		},
		Required: []string{"claim"},
	},
}

var researchSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":           {Type: genai.TypeString},
		"points":            pointsSchema,
		"primary_contact":   contactSchema,
		"secondary_contact": contactSchema,
	},
	Required: []string{"summary", "points"},
}

// Researcher builds a company brief with Google Search grounding.
type Researcher struct{ c *Client }

func (c *Client) Researcher() *Researcher { return &Researcher{c: c} }

func (r *Researcher) Research(ctx context.Context, req outreach.PipelineRequest) (outreach.ResearchDoc, error) {
	resp, err := r.c.generate(ctx, call{
		model:    r.c.model,
		prompt:   buildResearchPrompt(req),
		schema:   researchSchema,
		grounded: true,
	})
	if err != nil {
		return outreach.ResearchDoc{}, err
	}

	doc, ferr := outreach.NormalizeResearch(resp.Text())
	if ferr != nil {
		r.c.logFallback(ferr)
	}
	doc.Fields = auditFields(doc.Fields, resp)
	doc.Fields["model"] = r.c.model
	if strings.TrimSpace(req.Domain) != "" {
		doc.Fields["domain"] = strings.TrimSpace(req.Domain)
	}
	return doc, nil
}
