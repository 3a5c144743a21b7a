// Package batch runs many outreach requests from a CSV through the orchestrator on the worker
// pool and writes one result row per request.
package batch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/stream"
	"github.com/shpitdev/company-outreach/internal/worker"
)

// Runner is the part of the orchestrator a batch needs.
type Runner interface {
	Run(ctx context.Context, userID string, req outreach.PipelineRequest, sink stream.Sink) (pipeline.Result, error)
}

type Options struct {
	// UserID owns every record and history row the batch writes.
	UserID       string
	Workers      int
	RateLimitRPS float64
	// RunTimeout bounds one whole run, all three stages included.
	RunTimeout time.Duration
	FailFast   bool
}

const DefaultRunTimeout = 5 * time.Minute

// Row is the stable output schema of a batch.
type Row struct {
	Company       string
	Role          string
	Status        string
	Error         string
	RunID         string
	Cached        bool
	Confidence    float64
	ContactName   string
	ContactTitle  string
	ContactEmail  string
	EmailInferred bool
	Email         string
	LinkedIn      string
}

// Header returns the stable CSV header for Row.
func Header() []string {
	return []string{
		"company",
		"role",
		"status",
		"error",
		"run_id",
		"cached",
		"confidence",
		"contact_name",
		"contact_title",
		"contact_email",
		"email_inferred",
		"email",
		"linkedin",
	}
}

func (r Row) record() []string {
	conf := ""
	if r.Status == "ok" {
		conf = strconv.FormatFloat(r.Confidence, 'f', 1, 64)
	}
	return []string{
		r.Company,
		r.Role,
		r.Status,
		r.Error,
		r.RunID,
		strconv.FormatBool(r.Cached),
		conf,
		r.ContactName,
		r.ContactTitle,
		r.ContactEmail,
		strconv.FormatBool(r.EmailInferred),
		r.Email,
		r.LinkedIn,
	}
}

// Run processes every request and returns rows in input order.
//
// A failed run is recorded on its row and does not fail the batch unless FailFast is set.
// onRow, when non-nil, sees each row as it completes.
func Run(ctx context.Context, runner Runner, reqs []outreach.PipelineRequest, opts Options, onRow func(Row) error) ([]Row, error) {
	policy := worker.FailurePolicyPartialOutput
	if opts.FailFast {
		policy = worker.FailurePolicyFailFast
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}

	process := func(ctx context.Context, req outreach.PipelineRequest) (pipeline.Result, error) {
		return runner.Run(ctx, opts.UserID, req, nil)
	}
	var callback func(worker.Result[outreach.PipelineRequest, pipeline.Result]) error
	if onRow != nil {
		callback = func(res worker.Result[outreach.PipelineRequest, pipeline.Result]) error {
			return onRow(toRow(res))
		}
	}

	out, err := worker.ProcessAllWithCallback(ctx, reqs, process, callback, worker.Options{
		Workers:        opts.Workers,
		RequestTimeout: opts.RunTimeout,
		RateLimitRPS:   opts.RateLimitRPS,
		FailurePolicy:  policy,
		// Stage failures are final; the capability guard owns transport retries.
		MaxRetries: 0,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(out))
	for _, res := range out {
		rows = append(rows, toRow(res))
	}
	return rows, nil
}

func toRow(res worker.Result[outreach.PipelineRequest, pipeline.Result]) Row {
	row := Row{
		Company: strings.TrimSpace(res.Input.Company),
		Role:    strings.TrimSpace(res.Input.Role),
		RunID:   res.Output.RunID,
	}
	if res.Err != nil {
		row.Status = "error"
		row.Error = redact.Error(res.Err)
		return row
	}
	row.Status = "ok"
	if f := res.Output.Final; f != nil {
		row.Cached = f.Cached
		row.Confidence = f.Confidence
		row.EmailInferred = f.EmailInferred
		row.Email = f.Outputs.Email
		row.LinkedIn = f.Outputs.LinkedIn
		if c := f.Contact; c != nil {
			row.ContactName = c.Name
			row.ContactTitle = c.Title
			row.ContactEmail = c.Email
		}
	}
	return row
}
