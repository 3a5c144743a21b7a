package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"google.golang.org/genai"
)

var composeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"email":    {Type: genai.TypeString},
		"linkedin": {Type: genai.TypeString},
	},
	Required: []string{"email", "linkedin"},
}

// Composer writes the email and LinkedIn note. It is not grounded: everything it may say comes
// from the verified brief and the caller's highlights.
type Composer struct{ c *Client }

func (c *Client) Composer() *Composer { return &Composer{c: c} }

func (m *Composer) Compose(ctx context.Context, in outreach.ComposeInput) (outreach.ComposedMessages, error) {
	prompt, err := buildComposePrompt(in)
	if err != nil {
		return outreach.ComposedMessages{}, err
	}
	resp, err := m.c.generate(ctx, call{
		model:  m.c.composeModel,
		prompt: prompt,
		schema: composeSchema,
	})
	if err != nil {
		return outreach.ComposedMessages{}, err
	}

	raw := strings.TrimSpace(resp.Text())
	var parsed outreach.ComposedMessages
	if err := json.Unmarshal([]byte(stripFence(raw)), &parsed); err != nil || strings.TrimSpace(parsed.Email) == "" {
		if err == nil {
			err = fmt.Errorf("missing email field")
		}
		m.c.logFallback(&outreach.ProviderFormatError{Capability: outreach.CapabilityCompose, Raw: raw, Err: err})
		parsed = outreach.ComposedMessages{Email: raw}
	}
	parsed.Email = ensureSubject(strings.TrimSpace(parsed.Email), in)
	parsed.LinkedIn = strings.TrimSpace(parsed.LinkedIn)
	return parsed, nil
}

func ensureSubject(email string, in outreach.ComposeInput) string {
	if strings.HasPrefix(strings.ToLower(email), "subject:") {
		return email
	}
	return fmt.Sprintf("Subject: %s at %s\n\n%s", in.Role, in.Company, email)
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
