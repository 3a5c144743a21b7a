package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shpitdev/company-outreach/internal/archive"
	"github.com/shpitdev/company-outreach/internal/capability"
	"github.com/shpitdev/company-outreach/internal/capability/gemini"
	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/store"
	"github.com/shpitdev/company-outreach/internal/store/firestore"
)

// stack is everything one process shares across runs.
type stack struct {
	orch     *pipeline.Orchestrator
	reporter *pipeline.LogReporter
	store    store.Store

	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildStack(ctx context.Context, cfg Config, logger *zap.Logger) (*stack, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &stack{reporter: pipeline.NewLogReporter(logger.Named("persistence"))}

	client, err := gemini.New(ctx, gemini.Config{
		APIKey:       cfg.Gemini.APIKey,
		Model:        cfg.Gemini.Model,
		ComposeModel: cfg.Gemini.ComposeModel,
		BaseURL:      cfg.Gemini.BaseURL,
		Logger:       logger.Named("gemini"),
	})
	if err != nil {
		return nil, err
	}
	guard := capability.NewGuard(capability.Options{
		Timeout:      cfg.Pipeline.RequestTimeout,
		MaxRetries:   cfg.Pipeline.MaxRetries,
		RateLimitRPS: cfg.Pipeline.RateLimitRPS,
		Logger:       logger.Named("capability"),
	})

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case backendFirestore:
		fs, err := firestore.New(ctx, firestore.Config{
			ProjectID:          cfg.Store.ProjectID,
			DatabaseID:         cfg.Store.DatabaseID,
			RecordsCollection:  cfg.Store.RecordsCollection,
			EmailCollection:    cfg.Store.EmailCollection,
			LinkedInCollection: cfg.Store.LinkedInCollection,
		})
		if err != nil {
			return nil, err
		}
		s.store = fs
		s.closers = append(s.closers, fs.Close)
	default:
		s.store = store.NewMemory()
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithReporter(s.reporter),
		pipeline.WithCacheMaxAge(cfg.Pipeline.CacheMaxAge),
		pipeline.WithPersistTimeout(cfg.Pipeline.PersistTimeout),
	}
	if bucket := strings.TrimSpace(cfg.Archive.Bucket); bucket != "" {
		a, err := archive.New(ctx, bucket, logger.Named("archive"))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, a.Close)
		opts = append(opts, pipeline.WithArchiver(a))
	}

	orch, err := pipeline.New(pipeline.Deps{
		Researcher: guard.Researcher(client.Researcher()),
		Verifier:   guard.Verifier(client.Verifier()),
		Composer:   guard.Composer(client.Composer()),
		Store:      s.store,
	}, opts...)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	s.orch = orch
	logger.Info("stack ready",
		zap.String("model", client.Model()),
		zap.String("compose_model", client.ComposeModel()),
		zap.String("store", strings.ToLower(strings.TrimSpace(cfg.Store.Backend))),
		zap.Bool("archive", cfg.Archive.Bucket != ""),
	)
	return s, nil
}
