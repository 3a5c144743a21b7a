package mockgemini

import (
	"encoding/json"
	"regexp"
	"strings"
)

var companyLineRe = regexp.MustCompile(`(?m)^Company:\s*(.+)$`)

// Demo answers research, verify and compose prompts with plausible canned JSON. It keys off the
// "Task: <stage>" first line the adapters write, and is meant for local runs without an API key.
func Demo(call Call) Reply {
	company := "the company"
	if m := companyLineRe.FindStringSubmatch(call.Prompt); m != nil {
		company = strings.TrimSpace(m[1])
	}
	slug := strings.ToLower(strings.Join(strings.Fields(company), ""))
	site := "https://" + slug + ".example"

	var payload any
	switch {
	case strings.HasPrefix(call.Prompt, "Task: research"):
		payload = map[string]any{
			"summary": company + " builds developer infrastructure and is hiring across engineering.",
			"points": []map[string]any{
				{"claim": company + " raised a Series B", "source": map[string]any{"title": company + " newsroom", "url": site + "/news/series-b"}},
				{"claim": company + " is expanding its platform team"},
			},
			"primary_contact":   map[string]any{"name": "N/A", "title": "N/A"},
			"secondary_contact": map[string]any{"name": "Jordan Lee", "title": "VP Engineering", "email": "jordan@" + slug + ".example", "inferred": true},
		}
	case strings.HasPrefix(call.Prompt, "Task: verify"):
		payload = map[string]any{
			"summary": company + " builds developer infrastructure.",
			"points": []map[string]any{
				{"claim": company + " raised a Series B", "source": map[string]any{"title": company + " newsroom", "url": site + "/news/series-b"}},
			},
			"contact": map[string]any{"name": "Jordan Lee", "title": "VP Engineering", "email": "jordan@" + slug + ".example", "inferred": true},
		}
	case strings.HasPrefix(call.Prompt, "Task: compose"):
		payload = map[string]any{
			"email":    "Subject: Infrastructure help at " + company + "\n\nHi Jordan,\n\nCongrats on the Series B. I have spent years scaling platform teams and would love to help.\n\nBest,",
			"linkedin": "Hi Jordan, congrats on the Series B at " + company + ". I build infrastructure teams and would love to connect.",
		}
	default:
		return Reply{Status: 400}
	}

	b, _ := json.Marshal(payload)
	return Reply{
		Text:    string(b),
		Sources: []Source{{Title: company + " newsroom", URI: site + "/news/series-b"}},
		Queries: []string{company + " funding", company + " engineering leadership"},
	}
}
