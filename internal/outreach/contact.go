package outreach

import (
	"encoding/json"
	"strings"
)

// Keys under which providers and stages record contact candidates.
const (
	KeyPrimaryContact   = "primary_contact"
	KeySecondaryContact = "secondary_contact"
	KeyLegacyContact    = "contact"
)

var placeholderPhrases = []string{
	"not available",
	"no publicly available",
}

// IsPlaceholder reports whether a contact field carries no real value: empty, "N/A", or a
// "not available" style phrase.
func IsPlaceholder(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" || s == "n/a" || s == "na" {
		return true
	}
	for _, p := range placeholderPhrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// HasIdentity reports whether the contact has a non-placeholder name or title.
func (c *Contact) HasIdentity() bool {
	if c == nil {
		return false
	}
	return !IsPlaceholder(c.Name) || !IsPlaceholder(c.Title)
}

// Clean blanks placeholder fields. It returns nil when nothing usable is left.
func (c *Contact) Clean() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	if IsPlaceholder(out.Name) {
		out.Name = ""
	}
	if IsPlaceholder(out.Title) {
		out.Title = ""
	}
	if IsPlaceholder(out.Email) {
		out.Email = ""
	}
	if out.Source != nil && strings.TrimSpace(out.Source.URL) == "" && strings.TrimSpace(out.Source.Title) == "" {
		out.Source = nil
	}
	if out.Name == "" && out.Title == "" && out.Email == "" {
		return nil
	}
	return &out
}

// ResolveContact applies the three-tier policy: primary if it has a real name or title, then
// secondary under the same test, then the legacy flat contact. Every place that surfaces or
// persists a contact goes through here.
func ResolveContact(primary, secondary, legacy *Contact) *Contact {
	if primary.HasIdentity() {
		return primary.Clean()
	}
	if secondary.HasIdentity() {
		return secondary.Clean()
	}
	return legacy.Clean()
}

// ResolveContactFromData resolves the contact from a research_data style map.
func ResolveContactFromData(data map[string]any) *Contact {
	if len(data) == 0 {
		return nil
	}
	return ResolveContact(
		ContactFromValue(data[KeyPrimaryContact]),
		ContactFromValue(data[KeySecondaryContact]),
		ContactFromValue(data[KeyLegacyContact]),
	)
}

// ContactFromValue decodes a contact from a loosely typed JSON value. Unknown shapes yield nil.
func ContactFromValue(v any) *Contact {
	switch t := v.(type) {
	case nil:
		return nil
	case *Contact:
		return t
	case Contact:
		return &t
	case map[string]any:
		return contactFromMap(t)
	default:
		return nil
	}
}

func contactFromMap(m map[string]any) *Contact {
	if len(m) == 0 {
		return nil
	}
	c := &Contact{
		Name:  stringField(m, "name", "full_name", "fullName"),
		Title: stringField(m, "title", "role", "position"),
		Email: stringField(m, "email", "email_address"),
	}
	c.Inferred = boolField(m, "inferred", "email_inferred", "emailInferred")
	if src, ok := m["source"].(map[string]any); ok {
		s := &Source{
			Title: stringField(src, "title"),
			URL:   stringField(src, "url", "uri"),
		}
		if s.URL != "" || s.Title != "" {
			c.Source = s
		}
	}
	return c
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch b := m[k].(type) {
		case bool:
			return b
		case string:
			return strings.EqualFold(strings.TrimSpace(b), "true")
		}
	}
	return false
}

// ToMap converts a JSON-serializable value into a plain map. It returns nil for values that do
// not encode to a JSON object.
func ToMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// FromMap decodes a plain map into dst through JSON.
func FromMap(m map[string]any, dst any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
