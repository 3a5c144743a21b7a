package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/stream"
)

// renderer prints progress events for a terminal. The final payload is printed from the run
// result rather than the event map.
type renderer struct {
	w io.Writer

	stage   func(a ...interface{}) string
	ok      func(a ...interface{}) string
	warn    func(a ...interface{}) string
	fail    func(a ...interface{}) string
	heading func(a ...interface{}) string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{
		w:       w,
		stage:   color.New(color.FgCyan).SprintFunc(),
		ok:      color.New(color.FgGreen, color.Bold).SprintFunc(),
		warn:    color.New(color.FgYellow).SprintFunc(),
		fail:    color.New(color.FgRed, color.Bold).SprintFunc(),
		heading: color.New(color.FgCyan, color.Bold).SprintFunc(),
	}
}

var _ stream.Sink = (*renderer)(nil)

func (r *renderer) Emit(ev stream.Event) error {
	switch ev.Type {
	case stream.TypeStatus:
		keys := make([]string, 0, len(ev.Status))
		for k := range ev.Status {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(r.w, "%s %s\n", r.stage(fmt.Sprintf("[%s]", k)), r.state(ev.Status[k]))
		}
	case stream.TypeIntermediate:
		for k, v := range ev.Data {
			m, _ := v.(map[string]any)
			summary, _ := m["summary"].(string)
			if summary = strings.TrimSpace(summary); summary != "" {
				_, _ = fmt.Fprintf(r.w, "  %s %s\n", r.stage(k+":"), oneLine(summary, 160))
			}
		}
	case stream.TypeError:
		_, _ = fmt.Fprintf(r.w, "%s %s", r.fail("error:"), ev.Error)
		if ev.Code != "" {
			_, _ = fmt.Fprintf(r.w, " (%s)", ev.Code)
		}
		_, _ = fmt.Fprintln(r.w)
	}
	return nil
}

func (r *renderer) state(s string) string {
	switch s {
	case stream.StateComplete, stream.StateFromCache:
		return r.ok(s)
	case stream.StateFailed:
		return r.fail(s)
	default:
		return r.warn(s)
	}
}

func (r *renderer) final(p *pipeline.FinalPayload) {
	if p == nil {
		return
	}
	_, _ = fmt.Fprintf(r.w, "\n%s %s / %s  run=%s confidence=%.1f", r.heading("==>"), p.Company, p.Role, p.RunID, p.Confidence)
	if p.Cached {
		_, _ = fmt.Fprint(r.w, " "+r.ok("cached"))
	}
	_, _ = fmt.Fprintln(r.w)

	if c := p.Contact; c != nil {
		line := c.Name
		if c.Title != "" {
			line += ", " + c.Title
		}
		if c.Email != "" {
			line += " <" + c.Email + ">"
		}
		if p.EmailInferred {
			line += " " + r.warn("(email inferred)")
		}
		_, _ = fmt.Fprintf(r.w, "%s %s\n", r.stage("contact:"), line)
	}
	for _, pt := range p.Verified.Points {
		src := ""
		if pt.Source != nil && pt.Source.URL != "" {
			src = " " + r.stage("["+pt.Source.URL+"]")
		}
		_, _ = fmt.Fprintf(r.w, "  - %s%s\n", pt.Claim, src)
	}
	if p.Outputs.Email != "" {
		_, _ = fmt.Fprintf(r.w, "\n%s\n%s\n", r.heading("Email"), p.Outputs.Email)
	}
	if p.Outputs.LinkedIn != "" {
		_, _ = fmt.Fprintf(r.w, "\n%s\n%s\n", r.heading("LinkedIn"), p.Outputs.LinkedIn)
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
