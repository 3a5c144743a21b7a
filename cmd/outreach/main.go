package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shpitdev/company-outreach/internal/batch"
	"github.com/shpitdev/company-outreach/internal/outreach"
	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/server"
	"github.com/shpitdev/company-outreach/internal/stream"
	"github.com/shpitdev/company-outreach/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "serve":
		code = runServe(ctx, os.Args[2:])
	case "run":
		code = runOnce(ctx, os.Args[2:])
	case "batch":
		code = runBatch(ctx, os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

// commonFlags registers the flags every command shares. The config file is read after parsing,
// so flag defaults come from the environment and are applied over the file.
type commonFlags struct {
	configPath string
	set        map[string]bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", os.Getenv("OUTREACH_CONFIG"), "YAML config file (env: OUTREACH_CONFIG)")
	return c
}

func (c *commonFlags) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	c.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { c.set[f.Name] = true })
	return nil
}

func configError(err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
	return 2
}

func setup(ctx context.Context, cfg Config) (*stack, *zap.Logger, int) {
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return nil, nil, 1
	}
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, configError(err)
	}
	return st, logger, 0
}

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommonFlags(fs)
	listen := fs.String("listen", "", "Listen address (env: LISTEN_ADDR)")
	userHeader := fs.String("user-header", "", "Header carrying the caller's user id (env: USER_HEADER)")
	if err := common.parse(fs, args); err != nil {
		return 2
	}

	cfg, err := loadConfig(common.configPath)
	if err != nil {
		return configError(err)
	}
	if common.set["listen"] {
		cfg.Listen = *listen
	}
	if common.set["user-header"] {
		cfg.UserHeader = *userHeader
	}

	st, logger, code := setup(ctx, cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close failed", zap.String("error", redact.Error(err)))
		}
	}()

	srv := server.New(server.Settings{
		Addr:       cfg.Listen,
		UserHeader: cfg.UserHeader,
	}, st.orch,
		server.WithLogger(logger.Named("server")),
		server.WithStore(st.store),
		server.WithFailureCounter(st.reporter),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server failed", zap.String("error", redact.Error(err)))
		return 1
	}
	return 0
}

func runOnce(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommonFlags(fs)
	var req outreach.PipelineRequest
	var tone, user string
	var jsonOut bool
	fs.StringVar(&req.Company, "company", "", "Company name (required)")
	fs.StringVar(&req.Role, "role", "", "Target role (required)")
	fs.StringVar(&req.Highlights, "highlights", "", "Sender highlights to weave into the messages")
	fs.StringVar(&req.Domain, "domain", "", "Company domain hint")
	fs.StringVar(&tone, "tone", "", "professional|friendly|direct")
	fs.StringVar(&user, "user", "cli", "User id that owns the record and history")
	fs.BoolVar(&jsonOut, "json", false, "Write the raw NDJSON event stream to stdout")
	if err := common.parse(fs, args); err != nil {
		return 2
	}
	req.Tone = outreach.Tone(tone)
	if _, err := req.Normalize(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid request: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(common.configPath)
	if err != nil {
		return configError(err)
	}
	st, logger, code := setup(ctx, cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = st.Close() }()

	var (
		sink stream.Sink
		rend *renderer
	)
	if jsonOut {
		sink = stream.NewEncoder(os.Stdout)
	} else {
		rend = newRenderer(os.Stdout)
		sink = rend
	}

	res, err := st.orch.Run(ctx, user, req, sink)
	if err != nil {
		if jsonOut {
			_, _ = fmt.Fprintf(os.Stderr, "run failed: %s\n", redact.Error(err))
		}
		return 1
	}
	if rend != nil {
		rend.final(res.Final)
	}
	return 0
}

func runBatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommonFlags(fs)
	var inputPath, outputPath, user string
	var workers int
	var rateLimitRPS float64
	var failFast bool
	fs.StringVar(&inputPath, "input", "", "Input CSV (columns: company, role, [highlights, domain, tone])")
	fs.StringVar(&outputPath, "output", "", "Output CSV path, - for stdout")
	fs.IntVar(&workers, "workers", 0, "Concurrent runs (env: WORKERS)")
	fs.Float64Var(&rateLimitRPS, "rate-limit-rps", 0, "Run start rate limit, 0 disables")
	fs.BoolVar(&failFast, "fail-fast", false, "Stop at the first failed row")
	fs.StringVar(&user, "user", "batch", "User id that owns the records and history")
	if err := common.parse(fs, args); err != nil {
		return 2
	}
	if inputPath == "" || outputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "batch requires --input and --output")
		return 2
	}

	cfg, err := loadConfig(common.configPath)
	if err != nil {
		return configError(err)
	}
	if common.set["workers"] {
		cfg.Batch.Workers = workers
	}

	in, err := os.Open(inputPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "open input: %v\n", err)
		return 1
	}
	reqs, err := batch.ReadRequests(in)
	_ = in.Close()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return 1
	}

	st, logger, code := setup(ctx, cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = st.Close() }()

	rend := newRenderer(os.Stderr)
	done := 0
	rows, err := batch.Run(ctx, st.orch, reqs, batch.Options{
		UserID:       user,
		Workers:      cfg.Batch.Workers,
		RateLimitRPS: rateLimitRPS,
		RunTimeout:   batch.DefaultRunTimeout,
		FailFast:     failFast,
	}, func(r batch.Row) error {
		done++
		status := rend.ok(r.Status)
		if r.Status != "ok" {
			status = rend.fail(r.Status)
		}
		_, _ = fmt.Fprintf(os.Stderr, "[%d/%d] %s / %s %s\n", done, len(reqs), r.Company, r.Role, status)
		return nil
	})
	if err != nil {
		logger.Error("batch failed", zap.String("error", redact.Error(err)))
		return 1
	}

	if err := writeRows(outputPath, rows); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		return 1
	}
	logger.Info("batch complete", zap.Int("rows", len(rows)), zap.Int64("persistence_errors", st.reporter.Count()))
	return 0
}

func writeRows(path string, rows []batch.Row) error {
	if strings.TrimSpace(path) == "-" {
		return batch.WriteCSV(os.Stdout, rows)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := batch.WriteCSV(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `outreach: company research, verification and outreach drafting

Usage:
  outreach <command> [flags]

Commands:
  serve    Serve the HTTP API (NDJSON progress streaming)
  run      Run one request and print progress
  batch    Run every row of a CSV and write a result CSV
  version  Print the version

Examples:
  outreach serve --listen :8080
  outreach run --company Acme --role CTO --highlights "10y infra"
  outreach batch --input companies.csv --output drafts.csv

Configuration:
  --config / OUTREACH_CONFIG   YAML file; environment variables override it

Environment:
  GEMINI_API_KEY        Gemini API key (required)
  GEMINI_MODEL          Model for research and verification (default: %s)
  GEMINI_COMPOSE_MODEL  Model for message writing (default: GEMINI_MODEL)
  GEMINI_BASE_URL       Optional base URL override (proxies/testing)
  STORE_BACKEND         memory|firestore (default: memory)
  FIRESTORE_PROJECT_ID  Required for the firestore backend
  ARCHIVE_BUCKET        Cloud Storage bucket for final payload copies (optional)
  CACHE_MAX_AGE         Run cache freshness window (default: 168h, 0 disables)
  REQUEST_TIMEOUT       Per provider call timeout (default: 30s)
  MAX_RETRIES           Extra attempts for transient provider failures (default: 0)
  RATE_LIMIT_RPS        Provider call rate limit, 0 disables
  LOG_DEV               Human readable logs when true

`, defaultModel)
}
