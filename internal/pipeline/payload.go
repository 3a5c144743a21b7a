package pipeline

import (
	"strings"

	"github.com/shpitdev/company-outreach/internal/cache"
	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/store"
)

// Brief is the summary and points of a research or verified document as shown to clients.
type Brief struct {
	Summary string           `json:"summary"`
	Points  []outreach.Claim `json:"points"`
}

func briefOf(summary string, points []outreach.Claim) Brief {
	if points == nil {
		points = []outreach.Claim{}
	}
	return Brief{Summary: summary, Points: points}
}

func (b Brief) asMap() map[string]any {
	return outreach.ToMap(b)
}

// FinalPayload is the data of the final event.
//
// Contact is null when no contact survived resolution. EmailInferred mirrors the contact's
// inferred flag so clients never show a pattern-derived address as confirmed.
type FinalPayload struct {
	RunID         string                    `json:"run_id"`
	RecordID      string                    `json:"record_id,omitempty"`
	Company       string                    `json:"company"`
	Role          string                    `json:"role"`
	Cached        bool                      `json:"cached"`
	Research      Brief                     `json:"research"`
	Verified      Brief                     `json:"verified"`
	Contact       *outreach.Contact         `json:"contact"`
	EmailInferred bool                      `json:"email_inferred"`
	Confidence    float64                   `json:"confidence"`
	Outputs       outreach.ComposedMessages `json:"outputs"`
}

// Canonicalize is the single normalization step between Research and Verify. Whatever shape a
// provider returned, the result has a trimmed summary, a non-nil points slice and a contact
// chosen by the three-tier policy.
func Canonicalize(doc outreach.ResearchDoc) outreach.ResearchDoc {
	if len(doc.Fields) > 0 {
		n := outreach.NormalizeResearchFields(doc.Fields)
		if strings.TrimSpace(doc.Summary) == "" {
			doc.Summary = n.Summary
		}
		if len(doc.Points) == 0 {
			doc.Points = n.Points
		}
		if doc.Contact == nil {
			doc.Contact = n.Contact
		}
	}
	doc.Summary = strings.TrimSpace(doc.Summary)
	doc.Contact = doc.Contact.Clean()
	if doc.Points == nil {
		doc.Points = []outreach.Claim{}
	}
	return doc
}

// cachedData is what a cache hit copies into the caller's record: the source record's research
// data without its composed messages, which belong to another request. The stored documents
// keep their stamps, so a copy is exactly as fresh as the run that produced it.
func cachedData(p *cache.Pair) map[string]any {
	out := make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		if k == store.KeyOutputs {
			continue
		}
		out[k] = v
	}
	return out
}

// verifiedFromData decodes the verified document stored in a record.
func verifiedFromData(data map[string]any) (outreach.VerifiedDoc, bool) {
	raw, ok := data[cache.KeyVerified].(map[string]any)
	if !ok || len(raw) == 0 {
		return outreach.VerifiedDoc{}, false
	}
	var doc outreach.VerifiedDoc
	if err := outreach.FromMap(raw, &doc); err != nil {
		return outreach.VerifiedDoc{}, false
	}
	doc = outreach.EnforceSourcePolicy(doc)
	doc.Contact = doc.Contact.Clean()
	return doc, true
}

// resolveFinalContact prefers the persisted record, then the in-memory documents.
func resolveFinalContact(data map[string]any, verified outreach.VerifiedDoc, research outreach.ResearchDoc) *outreach.Contact {
	if c := outreach.ResolveContactFromData(data); c != nil {
		return c
	}
	return outreach.ResolveContact(verified.Contact, research.Contact, nil)
}

func firstSource(doc outreach.VerifiedDoc) *outreach.Source {
	for _, p := range doc.Points {
		if p.HasSource() {
			s := *p.Source
			return &s
		}
	}
	return nil
}
