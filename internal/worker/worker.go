// Package worker runs calls under a deadline, a shared rate limit and a bounded retry budget,
// either one at a time (Do) or across a pool (ProcessAll).
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/shpitdev/company-outreach/internal/outreach"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type FailurePolicy int

const (
	FailurePolicyPartialOutput FailurePolicy = iota
	FailurePolicyFailFast
)

type Options struct {
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	// Ignored when Limiter is set.
	RateLimitRPS float64
	// Limiter lets several pools or single calls share one budget.
	Limiter *rate.Limiter

	FailurePolicy FailurePolicy

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffJitterFrac float64

	// OnAttempt is called after every attempt, including the last one.
	OnAttempt func(Attempt)
}

// Attempt describes one finished call.
type Attempt struct {
	Number   int
	Duration time.Duration
	Err      error
	Retrying bool
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 250 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 4 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.Limiter != nil {
		return o.Limiter
	}
	if o.RateLimitRPS > 0 {
		return rate.NewLimiter(rate.Limit(o.RateLimitRPS), 1)
	}
	return nil
}

// Do runs fn once under the options' deadline and limiter, retrying transient failures up to
// MaxRetries times.
func Do[Out any](ctx context.Context, fn func(context.Context) (Out, error), opts Options) (Out, error) {
	opts = opts.withDefaults()
	return callWithRetry(ctx, fn, opts.limiter(), opts)
}

// ProcessAll runs the processor over all input items.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback runs the processor over all input items and invokes onResult
// as each item completes, in completion order. Callbacks run on the caller's goroutine, one at
// a time. A callback error cancels the remaining items and is returned.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(opts.Workers)

	type completion struct {
		idx int
		res Result[In, Out]
	}
	done := make(chan completion)
	limiter := opts.limiter()

	var poolErr error
	go func() {
		defer close(done)
		for i, item := range items {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, err := callWithRetry(gctx, func(c context.Context) (Out, error) {
					return processor(c, item)
				}, limiter, opts)
				select {
				case done <- completion{idx: i, res: Result[In, Out]{Input: item, Output: res, Err: err}}:
				case <-gctx.Done():
					return nil
				}
				if err != nil && opts.FailurePolicy == FailurePolicyFailFast {
					return err
				}
				return nil
			})
		}
		poolErr = g.Wait()
	}()

	out := make([]Result[In, Out], len(items))
	var cbErr error
	for c := range done {
		out[c.idx] = c.res
		if onResult == nil || cbErr != nil {
			continue
		}
		if err := onResult(c.res); err != nil {
			cbErr = err
			cancel(err)
		}
	}

	switch {
	case cbErr != nil:
		return nil, cbErr
	case poolErr != nil:
		return nil, poolErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return out, nil
}

func callWithRetry[Out any](
	ctx context.Context,
	fn func(context.Context) (Out, error),
	limiter *rate.Limiter,
	opts Options,
) (Out, error) {
	var last Out
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return last, err
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
		res, err := fn(callCtx)
		cancel()
		last = res

		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = ctx.Err()
		}
		retrying := err != nil && ctx.Err() == nil && isRetryable(err) && attempt < retryBudget(opts.MaxRetries, err)
		if opts.OnAttempt != nil {
			opts.OnAttempt(Attempt{Number: attempt + 1, Duration: time.Since(start), Err: err, Retrying: retrying})
		}
		if !retrying {
			return last, err
		}

		t := time.NewTimer(backoff(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return last, ctx.Err()
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

func retryBudget(configured int, err error) int {
	configured = max(configured, 0)
	var capErr retryCap
	if errors.As(err, &capErr) {
		return min(max(capErr.MaxExtraRetries(), 0), configured)
	}
	return configured
}

func isRetryable(err error) bool {
	if outreach.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoff(initial, ceiling time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < ceiling; i++ {
		sleep = min(sleep*2, ceiling)
	}
	if jitterFrac <= 0 {
		return sleep
	}
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
