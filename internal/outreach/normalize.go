package outreach

import (
	"encoding/json"
	"strings"
)

// ResearchShape identifies which layout a provider's research output uses.
type ResearchShape int

const (
	// ShapeText is free text that could not be parsed as a JSON object.
	ShapeText ResearchShape = iota
	// ShapeCanonical is {summary, points, contact}.
	ShapeCanonical
	// ShapeProfile is the older {companyOverview, keyPoints|highlights, primary_contact,
	// secondary_contact, contact} layout.
	ShapeProfile
)

func (s ResearchShape) String() string {
	switch s {
	case ShapeCanonical:
		return "canonical"
	case ShapeProfile:
		return "profile"
	default:
		return "text"
	}
}

var (
	summaryKeys = []string{"summary", "companyOverview", "company_overview", "overview"}
	pointKeys   = []string{"points", "keyPoints", "key_points", "highlights", "facts"}
)

var profileKeys = []string{
	"companyOverview", "company_overview", "overview",
	"keyPoints", "key_points", "highlights", "facts",
	KeyPrimaryContact, KeySecondaryContact,
}

// DetectShape classifies a decoded research object.
func DetectShape(fields map[string]any) ResearchShape {
	if len(fields) == 0 {
		return ShapeText
	}
	for _, k := range profileKeys {
		if _, ok := fields[k]; ok {
			return ShapeProfile
		}
	}
	for _, k := range []string{"summary", "points"} {
		if _, ok := fields[k]; ok {
			return ShapeCanonical
		}
	}
	return ShapeText
}

// NormalizeResearch turns raw provider output into the canonical ResearchDoc. Output that is not
// a JSON object becomes the summary. The second return value is non-nil when that fallback
// was taken, so callers can log it.
func NormalizeResearch(raw string) (ResearchDoc, *ProviderFormatError) {
	text := strings.TrimSpace(stripCodeFence(raw))
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil || fields == nil {
		if err == nil {
			err = errNotObject
		}
		return ResearchDoc{Summary: text, Points: []Claim{}}, &ProviderFormatError{Capability: CapabilityResearch, Raw: raw, Err: err}
	}
	return NormalizeResearchFields(fields), nil
}

// NormalizeResearchFields maps a decoded research object of any known shape onto ResearchDoc.
// The original keys are kept in Fields.
func NormalizeResearchFields(fields map[string]any) ResearchDoc {
	doc := ResearchDoc{Points: []Claim{}, Fields: fields}
	if DetectShape(fields) == ShapeText {
		if b, err := json.Marshal(fields); err == nil && len(fields) > 0 {
			doc.Summary = string(b)
		}
		return doc
	}
	for _, k := range summaryKeys {
		if s := textValue(fields[k]); s != "" {
			doc.Summary = s
			break
		}
	}
	for _, k := range pointKeys {
		if pts := claimsValue(fields[k]); len(pts) > 0 {
			doc.Points = pts
			break
		}
	}
	doc.Contact = ResolveContactFromData(fields)
	return doc
}

// NormalizeVerified decodes a verification result. Claims without a source URL are dropped.
func NormalizeVerified(raw string) (VerifiedDoc, *ProviderFormatError) {
	doc, ferr := NormalizeResearch(raw)
	if ferr != nil {
		ferr.Capability = CapabilityVerify
	}
	return EnforceSourcePolicy(VerifiedDoc{Summary: doc.Summary, Points: doc.Points, Contact: doc.Contact}), ferr
}

// Data renders the doc into the research_data layout: the provider's own keys plus the
// canonical ones.
func (d ResearchDoc) Data() map[string]any {
	out := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		out[k] = v
	}
	out["summary"] = d.Summary
	out["points"] = ToMapSlice(d.Points)
	if d.Contact != nil {
		out[KeyLegacyContact] = ToMap(d.Contact)
	}
	return out
}

// ToMapSlice converts claims into plain JSON values.
func ToMapSlice(points []Claim) []any {
	out := make([]any, 0, len(points))
	for _, p := range points {
		out = append(out, ToMap(p))
	}
	return out
}

type normalizeError string

func (e normalizeError) Error() string { return string(e) }

const errNotObject = normalizeError("output is not a JSON object")

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, k := range []string{"summary", "text", "description"} {
			if s, ok := t[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func claimsValue(v any) []Claim {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Claim, 0, len(items))
	for _, it := range items {
		switch t := it.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, Claim{Claim: s})
			}
		case map[string]any:
			c := Claim{Claim: stringField(t, "claim", "text", "point", "fact")}
			if c.Claim == "" {
				continue
			}
			if src, ok := t["source"].(map[string]any); ok {
				s := &Source{Title: stringField(src, "title"), URL: stringField(src, "url", "uri")}
				if s.URL != "" || s.Title != "" {
					c.Source = s
				}
			} else if u := stringField(t, "url", "source_url", "sourceUrl"); u != "" {
				c.Source = &Source{URL: u, Title: stringField(t, "source_title", "sourceTitle")}
			}
			out = append(out, c)
		}
	}
	return out
}
