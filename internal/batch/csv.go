package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shpitdev/company-outreach/internal/outreach"
)

// ReadRequests reads company, role and the optional highlights, domain and tone columns.
// Header matching is case-insensitive and extra columns are ignored. Rows are returned as
// written; validation happens per run so a bad row becomes an error row.
func ReadRequests(r io.Reader) ([]outreach.PipelineRequest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, name := range []string{"company", "role"} {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}

	var reqs []outreach.PipelineRequest
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return reqs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		if strings.TrimSpace(strings.Join(rec, "")) == "" {
			continue
		}
		reqs = append(reqs, outreach.PipelineRequest{
			Company:    get("company"),
			Role:       get("role"),
			Highlights: get("highlights"),
			Domain:     get("domain"),
			Tone:       outreach.Tone(get("tone")),
		})
	}
}

// WriteCSV writes rows with the stable Header() ordering.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
