// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the auditor configuration.
//
// The built-in defaults are embedded from defaults.yaml. An override file,
// named explicitly or through the AUDITOR_CONFIG environment variable, is
// decoded on top of them, so it only needs the keys it changes. Unknown
// keys are rejected.
//
// Thread Safety:
//
//	Load is safe for concurrent use. A *Config is treated as read-only
//	once returned.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAudit/pkg/logging"
	"github.com/AleutianAI/AleutianAudit/services/audit/analyzers/doc"
	"github.com/AleutianAI/AleutianAudit/services/audit/analyzers/repo"
	"github.com/AleutianAI/AleutianAudit/services/audit/analyzers/vision"
	"github.com/AleutianAI/AleutianAudit/services/audit/arbitration"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/judges"
	"github.com/AleutianAI/AleutianAudit/services/audit/telemetry"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// EnvConfigPath names the override file when no explicit path is given.
	EnvConfigPath = "AUDITOR_CONFIG"

	// MaxYAMLFileSize is the largest override file accepted (1MB).
	MaxYAMLFileSize = 1024 * 1024

	// Evaluator and classifier backends.
	BackendHeuristic = "heuristic"
	BackendLLM       = "llm"

	// Load sources, used as a metric label.
	SourceEmbedded = "embedded"
	SourceFile     = "file"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

//go:embed defaults.yaml
var defaultsYAML []byte

// =============================================================================
// Metrics
// =============================================================================

var (
	configLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditor_config_loads_total",
		Help: "Configuration loads by source and result",
	}, []string{"source", "result"})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditor_config_load_duration_seconds",
		Help:    "Configuration load latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	configTracer trace.Tracer = otel.Tracer("aleutian.auditor.config")

	validate = validator.New()
)

// =============================================================================
// Types
// =============================================================================

// Config is the complete auditor configuration.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Executor      ExecutorConfig     `yaml:"executor"`
	Arbitration   arbitration.Config `yaml:"arbitration"`
	Judges        JudgesConfig       `yaml:"judges"`
	LLM           LLMConfig          `yaml:"llm"`
	Repo          repo.Config        `yaml:"repo"`
	Doc           doc.Config         `yaml:"doc"`
	Vision        VisionConfig       `yaml:"vision"`
	Archive       ArchiveConfig      `yaml:"archive"`
	CheckpointDir string             `yaml:"checkpoint_dir"`
	Server        ServerConfig       `yaml:"server"`
	Telemetry     telemetry.Config   `yaml:"telemetry"`

	// Source is the override file the config was loaded from, or empty.
	Source string `yaml:"-"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// ExecutorConfig bounds concurrency and per-kind node timeouts.
type ExecutorConfig struct {
	// MaxParallel caps nodes per wave. Zero means unbounded.
	MaxParallel        int           `yaml:"max_parallel" validate:"gte=0"`
	DefaultTimeout     time.Duration `yaml:"default_timeout" validate:"gt=0"`
	DetectiveTimeout   time.Duration `yaml:"detective_timeout" validate:"gt=0"`
	JudgeTimeout       time.Duration `yaml:"judge_timeout" validate:"gt=0"`
	SynthesizerTimeout time.Duration `yaml:"synthesizer_timeout" validate:"gt=0"`
	RunTimeout         time.Duration `yaml:"run_timeout" validate:"gte=0"`
}

// JudgesConfig selects how judicial opinions are produced.
type JudgesConfig struct {
	Evaluator   string  `yaml:"evaluator" validate:"oneof=heuristic llm"`
	ConfidentAt float64 `yaml:"confident_at" validate:"gte=0,lte=1"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
}

// LLMConfig configures the OpenAI-compatible client. The API key itself
// never lives in the config file.
type LLMConfig struct {
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	SecretPath        string  `yaml:"secret_path"`
	Temperature       float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// VisionConfig adds the classifier backend to the inspector settings.
type VisionConfig struct {
	vision.Config `yaml:",inline"`
	Classifier    string `yaml:"classifier" validate:"oneof=heuristic llm"`
}

// ArchiveConfig configures the run archive and the optional GCS sink.
type ArchiveConfig struct {
	DB archive.DBConfig `yaml:"db"`

	// GCS is enabled when Bucket is set.
	GCS archive.GCSConfig `yaml:"gcs"`

	// Redact scrubs credentials and personal data from evidence before
	// it reaches any sink.
	Redact bool `yaml:"redact"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadTimeout       time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout      time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs" validate:"gte=0"`

	// TokenPath enables bearer token auth on /v1 when set. Callers holding
	// the token get TokenRoles.
	TokenPath  string   `yaml:"token_path"`
	TokenRoles []string `yaml:"token_roles" validate:"dive,oneof=admin auditor viewer"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded configuration.
func Default() *Config {
	cfg, err := decode(nil, defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// Load returns the embedded defaults overlaid with an override file.
//
// Description:
//
//	When path is empty, AUDITOR_CONFIG is consulted. With neither set the
//	embedded defaults are returned. The result is validated.
//
// Inputs:
//
//	ctx  - Context for tracing.
//	path - Override file, or empty.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error   - Read, decode, or ErrInvalidConfig failures.
func Load(ctx context.Context, path string) (*Config, error) {
	start := time.Now()
	defer func() { configLoadDuration.Observe(time.Since(start).Seconds()) }()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	source := SourceEmbedded
	if path != "" {
		source = SourceFile
	}

	ctx, span := configTracer.Start(ctx, "config.Load",
		trace.WithAttributes(attribute.String("source", source), attribute.String("path", path)),
	)
	defer span.End()

	cfg, err := load(ctx, path)
	if err != nil {
		configLoads.WithLabelValues(source, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	configLoads.WithLabelValues(source, "ok").Inc()
	return cfg, nil
}

func load(ctx context.Context, path string) (*Config, error) {
	cfg, err := decode(nil, defaultsYAML)
	if err != nil {
		return nil, fmt.Errorf("decode embedded defaults: %w", err)
	}
	if path != "" {
		data, abs, err := loadExternalYAML(ctx, path)
		if err != nil {
			return nil, err
		}
		if cfg, err = decode(cfg, data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", abs, err)
		}
		cfg.Source = abs
	}
	cfg.Archive.DB.Path = expandHome(cfg.Archive.DB.Path)
	cfg.CheckpointDir = expandHome(cfg.CheckpointDir)
	cfg.Server.TokenPath = expandHome(cfg.Server.TokenPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays data onto base. A nil base starts from zero values.
func decode(base *Config, data []byte) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = &Config{}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadExternalYAML(ctx context.Context, path string) ([]byte, string, error) {
	_, span := configTracer.Start(ctx, "config.LoadExternal",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	if strings.Contains(filepath.ToSlash(path), "../") {
		return nil, "", fmt.Errorf("config path traversal not allowed: %s", path)
	}
	absPath, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("config path is a directory: %s", absPath)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, "", fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
	}
	span.SetAttributes(attribute.Int64("file_size", info.Size()))

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return data, absPath, nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks field constraints and cross-section consistency.
//
// Description:
//
//	Beyond struct tags, every roster role must have a judge persona, the
//	roster weights must sum to 1, and an LLM backend needs a model.
//
// Outputs:
//
//	error - ErrInvalidConfig wrapping the first problem found. Roster
//	        problems also satisfy state.IsConfigError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Arbitration.Roster.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	personas := make(map[string]bool)
	for _, p := range judges.DefaultPersonas() {
		personas[p.Role] = true
	}
	for _, role := range c.Arbitration.Roster.Roles() {
		if !personas[role] {
			return fmt.Errorf("%w: roster role %q has no judge persona", ErrInvalidConfig, role)
		}
	}
	if c.UsesLLM() && c.LLM.Model == "" {
		return fmt.Errorf("%w: llm.model is required when an llm backend is selected", ErrInvalidConfig)
	}
	return nil
}

// UsesLLM reports whether any component is configured to call the LLM.
func (c *Config) UsesLLM() bool {
	return c.Judges.Evaluator == BackendLLM || c.Vision.Classifier == BackendLLM
}

// =============================================================================
// Conversions
// =============================================================================

// LoggingConfig converts the YAML logging section.
func (c *Config) LoggingConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}

// OpenAIConfig converts the llm section. key is moved into the client's
// enclave by llm.NewOpenAIClient.
func (c *Config) OpenAIConfig(key []byte) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:            key,
		Model:             c.LLM.Model,
		BaseURL:           c.LLM.BaseURL,
		Temperature:       c.LLM.Temperature,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
