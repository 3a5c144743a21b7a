package gemini

import (
	"encoding/json"
	"strings"

	"github.com/shpitdev/company-outreach/internal/outreach"
)

// Prompts start with "Task: <stage>" so recorded calls and fakes can tell them apart.

func buildResearchPrompt(req outreach.PipelineRequest) string {
	var b strings.Builder
	b.WriteString("Task: research\n")
	b.WriteString("You research companies for a job seeker. Use web search and URL context.\n\n")
	b.WriteString("Company: " + req.Company + "\n")
	if req.Domain != "" {
		b.WriteString("Website: " + req.Domain + "\n")
	}
	b.WriteString("Target role: " + req.Role + "\n\n")
	b.WriteString(`Return ONLY a JSON object with:
- summary (string): what the company does and where it is heading
- points (array of {claim, source:{title,url}}): recent, specific facts; cite the page each came from
- primary_contact ({name,title,email,inferred,source}): the hiring manager for the role
- secondary_contact: a fallback person (recruiter, engineering leader)

Rules:
- Set inferred=true when an email is guessed from a naming pattern.
- Use "N/A" for unknown contact fields. Never invent a URL.
`)
	return b.String()
}

func buildVerifyPrompt(doc outreach.ResearchDoc) (string, error) {
	in, err := json.MarshalIndent(struct {
		Summary string            `json:"summary"`
		Points  []outreach.Claim  `json:"points"`
		Contact *outreach.Contact `json:"contact,omitempty"`
	}{doc.Summary, doc.Points, doc.Contact}, "", "  ")
	if err != nil {
		return "", err
	}
	return "Task: verify\n" +
		"Check each claim below against live sources. Keep a claim only if you can cite a URL that supports it.\n" +
		"Refine the contact if a better-sourced one exists; keep inferred=true for pattern-derived emails.\n\n" +
		"Brief:\n" + string(in) + "\n\n" +
		"Return ONLY a JSON object with summary, points (each with source.url) and contact.\n", nil
}

var toneGuidance = map[outreach.Tone]string{
	outreach.ToneProfessional: "polished and concise",
	outreach.ToneFriendly:     "warm and conversational",
	outreach.ToneDirect:       "short and to the point",
}

func buildComposePrompt(in outreach.ComposeInput) (string, error) {
	brief, err := json.MarshalIndent(in.Verified, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Task: compose\n")
	b.WriteString("Company: " + in.Company + "\n")
	b.WriteString("Target role: " + in.Role + "\n")
	b.WriteString("Tone: " + toneGuidance[in.Tone] + "\n\n")
	b.WriteString("Candidate highlights:\n" + in.Highlights + "\n\n")
	if in.ResumeContext != "" {
		b.WriteString("Resume excerpt:\n" + in.ResumeContext + "\n\n")
	}
	b.WriteString("Verified brief:\n" + string(brief) + "\n\n")
	b.WriteString(`Return ONLY a JSON object with:
- email (string): first line "Subject: ...", under 180 words, reference one verified point
- linkedin (string): connection note under 300 characters
Only mention facts from the verified brief.
`)
	return b.String(), nil
}
