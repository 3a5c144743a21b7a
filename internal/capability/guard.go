// Package capability wraps capability providers with a per-call deadline, a shared rate limit,
// an optional transient retry budget and one structured log line per request and response.
package capability

import (
	"context"
	"errors"
	"time"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	// Timeout bounds each provider call. Defaults to 30s.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for transient failures. Defaults to 0.
	MaxRetries int
	// RateLimitRPS is shared by every capability behind this guard. <=0 disables it.
	RateLimitRPS float64

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Logger *zap.Logger
}

// Guard decorates providers. One Guard is shared by all runs in a process.
type Guard struct {
	opts   worker.Options
	logger *zap.Logger
}

func NewGuard(opts Options) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return &Guard{
		opts: worker.Options{
			MaxRetries:        opts.MaxRetries,
			RequestTimeout:    opts.Timeout,
			Limiter:           limiter,
			BackoffInitial:    opts.BackoffInitial,
			BackoffMax:        opts.BackoffMax,
			BackoffJitterFrac: 0.2,
		},
		logger: logger,
	}
}

func (g *Guard) Researcher(next outreach.Researcher) outreach.Researcher {
	return outreach.ResearchFunc(func(ctx context.Context, req outreach.PipelineRequest) (outreach.ResearchDoc, error) {
		return call(ctx, g, outreach.CapabilityResearch,
			[]zap.Field{zap.String("company", req.Company), zap.String("role", req.Role), zap.String("domain", req.Domain)},
			func(ctx context.Context) (outreach.ResearchDoc, error) { return next.Research(ctx, req) },
			func(doc outreach.ResearchDoc) []zap.Field {
				return []zap.Field{zap.Int("points", len(doc.Points)), zap.Bool("contact", doc.Contact != nil)}
			},
		)
	})
}

func (g *Guard) Verifier(next outreach.Verifier) outreach.Verifier {
	return outreach.VerifyFunc(func(ctx context.Context, doc outreach.ResearchDoc) (outreach.VerifiedDoc, error) {
		return call(ctx, g, outreach.CapabilityVerify,
			[]zap.Field{zap.Int("points_in", len(doc.Points))},
			func(ctx context.Context) (outreach.VerifiedDoc, error) { return next.Verify(ctx, doc) },
			func(v outreach.VerifiedDoc) []zap.Field {
				return []zap.Field{zap.Int("points_out", len(v.Points)), zap.Bool("contact", v.Contact != nil)}
			},
		)
	})
}

func (g *Guard) Composer(next outreach.Composer) outreach.Composer {
	return outreach.ComposeFunc(func(ctx context.Context, in outreach.ComposeInput) (outreach.ComposedMessages, error) {
		return call(ctx, g, outreach.CapabilityCompose,
			[]zap.Field{zap.String("company", in.Company), zap.String("tone", string(in.Tone)), zap.Int("highlights_len", len(in.Highlights))},
			func(ctx context.Context) (outreach.ComposedMessages, error) { return next.Compose(ctx, in) },
			func(m outreach.ComposedMessages) []zap.Field {
				return []zap.Field{zap.Int("email_len", len(m.Email)), zap.Int("linkedin_len", len(m.LinkedIn))}
			},
		)
	})
}

func call[T any](
	ctx context.Context,
	g *Guard,
	capability outreach.Capability,
	reqFields []zap.Field,
	fn func(context.Context) (T, error),
	respFields func(T) []zap.Field,
) (T, error) {
	log := g.logger.With(zap.String("stage", string(capability)))
	if id := RunID(ctx); id != "" {
		log = log.With(zap.String("run_id", id))
	}

	opts := g.opts
	opts.OnAttempt = func(a worker.Attempt) {
		fields := []zap.Field{
			zap.Int("attempt", a.Number),
			zap.Duration("duration", a.Duration.Round(time.Millisecond)),
		}
		if a.Err != nil {
			log.Warn("capability response",
				append(fields,
					zap.String("status", "error"),
					zap.String("error", redact.Error(a.Err)),
					zap.Bool("retryable", outreach.IsTransient(a.Err) || errors.Is(a.Err, context.DeadlineExceeded)),
					zap.Bool("will_retry", a.Retrying),
				)...)
			return
		}
		log.Info("capability response", append(fields, zap.String("status", "ok"))...)
	}

	log.Info("capability request", append(reqFields, zap.Duration("timeout", opts.RequestTimeout), zap.Int("max_retries", opts.MaxRetries))...)
	out, err := worker.Do(ctx, fn, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &timeoutError{after: opts.RequestTimeout, err: err}
		}
		var zero T
		return zero, &outreach.ProviderError{Capability: capability, Err: err}
	}
	log.Debug("capability result", respFields(out)...)
	return out, nil
}

type timeoutError struct {
	after time.Duration
	err   error
}

func (e *timeoutError) Error() string { return "timed out after " + e.after.String() }
func (e *timeoutError) Unwrap() error { return e.err }

type runIDKey struct{}

// WithRunID tags ctx so provider log lines carry the run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id stored by WithRunID, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
