package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shpitdev/company-outreach/internal/cache"
	"github.com/shpitdev/company-outreach/internal/pipeline"
	"github.com/shpitdev/company-outreach/internal/server"
)

// Config is the process configuration. Sources apply in order: defaults, the optional YAML
// file, environment variables, then command-line flags.
//
// Example (YAML):
//
//	listen: ":8080"
//	gemini:
//	  model: gemini-2.5-flash
//	store:
//	  backend: firestore
//	  project_id: my-project
//	pipeline:
//	  cache_max_age: 168h
type Config struct {
	Listen     string `yaml:"listen"`
	UserHeader string `yaml:"user_header"`
	LogDev     bool   `yaml:"log_dev"`

	Gemini   GeminiConfig   `yaml:"gemini"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Batch    BatchConfig    `yaml:"batch"`
}

type GeminiConfig struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	ComposeModel string `yaml:"compose_model"`
	BaseURL      string `yaml:"base_url"`
}

type StoreConfig struct {
	// Backend is memory or firestore.
	Backend            string `yaml:"backend"`
	ProjectID          string `yaml:"project_id"`
	DatabaseID         string `yaml:"database_id"`
	RecordsCollection  string `yaml:"records_collection"`
	EmailCollection    string `yaml:"email_collection"`
	LinkedInCollection string `yaml:"linkedin_collection"`
}

type ArchiveConfig struct {
	// Bucket enables the brief archive when set.
	Bucket string `yaml:"bucket"`
}

type PipelineConfig struct {
	CacheMaxAge    time.Duration `yaml:"cache_max_age"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

type BatchConfig struct {
	Workers int `yaml:"workers"`
}

const (
	backendMemory    = "memory"
	backendFirestore = "firestore"

	defaultModel = "gemini-2.5-flash"
)

func defaultConfig() Config {
	return Config{
		Listen:     server.DefaultAddr,
		UserHeader: server.DefaultUserHeader,
		Gemini:     GeminiConfig{Model: defaultModel},
		Store:      StoreConfig{Backend: backendMemory},
		Pipeline: PipelineConfig{
			CacheMaxAge:    cache.DefaultMaxAge,
			RequestTimeout: 30 * time.Second,
			PersistTimeout: pipeline.DefaultPersistTimeout,
		},
		Batch: BatchConfig{Workers: 4},
	}
}

// loadConfig reads path (when non-empty) over the defaults, then applies the environment.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		// An empty file decodes as io.EOF and keeps the defaults.
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("LISTEN_ADDR", &c.Listen)
	envString("USER_HEADER", &c.UserHeader)
	envString("GEMINI_API_KEY", &c.Gemini.APIKey)
	envString("GEMINI_MODEL", &c.Gemini.Model)
	envString("GEMINI_COMPOSE_MODEL", &c.Gemini.ComposeModel)
	envString("GEMINI_BASE_URL", &c.Gemini.BaseURL)
	envString("STORE_BACKEND", &c.Store.Backend)
	envString("FIRESTORE_PROJECT_ID", &c.Store.ProjectID)
	envString("FIRESTORE_DATABASE_ID", &c.Store.DatabaseID)
	envString("FIRESTORE_RECORDS_COLLECTION", &c.Store.RecordsCollection)
	envString("FIRESTORE_EMAIL_COLLECTION", &c.Store.EmailCollection)
	envString("FIRESTORE_LINKEDIN_COLLECTION", &c.Store.LinkedInCollection)
	envString("ARCHIVE_BUCKET", &c.Archive.Bucket)

	var err error
	if c.LogDev, err = envBool("LOG_DEV", c.LogDev); err != nil {
		return err
	}
	if c.Pipeline.CacheMaxAge, err = envDuration("CACHE_MAX_AGE", c.Pipeline.CacheMaxAge); err != nil {
		return err
	}
	if c.Pipeline.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", c.Pipeline.RequestTimeout); err != nil {
		return err
	}
	if c.Pipeline.PersistTimeout, err = envDuration("PERSIST_TIMEOUT", c.Pipeline.PersistTimeout); err != nil {
		return err
	}
	if c.Pipeline.MaxRetries, err = envInt("MAX_RETRIES", c.Pipeline.MaxRetries); err != nil {
		return err
	}
	if c.Pipeline.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.Pipeline.RateLimitRPS); err != nil {
		return err
	}
	if c.Batch.Workers, err = envInt("WORKERS", c.Batch.Workers); err != nil {
		return err
	}
	return nil
}

// validate checks what every command needs. Provider settings are checked when the Gemini
// client is built.
func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case backendMemory:
	case backendFirestore:
		if strings.TrimSpace(c.Store.ProjectID) == "" {
			return errors.New("store.project_id (FIRESTORE_PROJECT_ID) is required for the firestore backend")
		}
	default:
		return fmt.Errorf("invalid store.backend %q (expected memory|firestore)", c.Store.Backend)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.RateLimitRPS < 0 {
		return fmt.Errorf("pipeline.rate_limit_rps must be >= 0, got %g", c.Pipeline.RateLimitRPS)
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be > 0, got %d", c.Batch.Workers)
	}
	return nil
}

func envString(varName string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
