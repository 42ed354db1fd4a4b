// Package config loads Kiroku's runtime configuration from an optional YAML
// file and the environment. Environment variables win over the file; secrets
// are read from the environment only.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kiroku/common/environment"
	"github.com/bdobrica/Kiroku/common/redact"
	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/matrix"
	"github.com/bdobrica/Kiroku/internal/kiroku/ratelimit"
	"github.com/bdobrica/Kiroku/internal/kiroku/scheduler"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/summary"
	"github.com/bdobrica/Kiroku/internal/kiroku/tracking"
)

// EnvConfigPath names the YAML file to load.
const EnvConfigPath = "KIROKU_CONFIG"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Matrix is the homeserver connection.
type Matrix struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"-"`
	Rooms       []string `yaml:"rooms"`
	AutoJoin    bool     `yaml:"auto_join"`
}

// LLM is the OpenAI-compatible summariser.
type LLM struct {
	APIKey           string        `yaml:"-"`
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxAttempts      int           `yaml:"max_attempts"`
	TranscriptTokens int           `yaml:"transcript_tokens"`
}

// Tracking holds the session timeouts.
type Tracking struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	MessageRetention  time.Duration `yaml:"message_retention"`
}

// Scheduler covers the batch scheduler, its cron triggers and the HTTP
// trigger token.
type Scheduler struct {
	scheduler.Config `yaml:",inline"`

	// Schedules maps hourly, daily, weekly or monthly to a cron expression.
	// An empty expression turns that cadence's timer off.
	Schedules           map[string]string `yaml:"schedules"`
	MaintenanceInterval time.Duration     `yaml:"maintenance_interval"`
	Timezone            string            `yaml:"timezone"`
	Token               string            `yaml:"-"`
}

// Config is the full runtime configuration.
type Config struct {
	DatabasePath string                     `yaml:"database_path"`
	HTTPAddr     string                     `yaml:"http_addr"`
	LogLevel     string                     `yaml:"log_level"`
	LogFormat    string                     `yaml:"log_format"`
	Matrix       Matrix                     `yaml:"matrix"`
	LLM          LLM                        `yaml:"llm"`
	Tracking     Tracking                   `yaml:"tracking"`
	Scheduler    Scheduler                  `yaml:"scheduler"`
	Limits       map[string]ratelimit.Limit `yaml:"limits"`
}

// Default returns the built-in configuration.
func Default() *Config {
	td := tracking.DefaultConfig()
	sched := make(map[string]string)
	for t, expr := range scheduler.DefaultSchedules() {
		sched[string(t)] = expr
	}
	return &Config{
		DatabasePath: "./kiroku.db",
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		Matrix:       Matrix{AutoJoin: true},
		LLM:          LLM{TranscriptTokens: summary.DefaultTranscriptTokens},
		Tracking: Tracking{
			InactivityTimeout: td.InactivityTimeout,
			MessageRetention:  td.MessageRetention,
		},
		Scheduler: Scheduler{
			Config:              scheduler.DefaultConfig(),
			Schedules:           sched,
			MaintenanceInterval: 15 * time.Minute,
			Timezone:            "UTC",
		},
		Limits: ratelimit.DefaultLimits(),
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// KIROKU_CONFIG (if any), then environment variables. The result is
// validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := environment.StringOr(EnvConfigPath, ""); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are rejected; limits
// given in the file are merged over the defaults.
func (c *Config) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	limits := c.Limits
	c.Limits = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		c.Limits = limits
		return fmt.Errorf("parse yaml: %w", err)
	}

	merged := make(map[string]ratelimit.Limit, len(limits)+len(c.Limits))
	for k, v := range limits {
		merged[k] = v
	}
	for k, v := range c.Limits {
		merged[k] = v
	}
	c.Limits = merged
	return nil
}

func (c *Config) applyEnv() {
	c.DatabasePath = environment.StringOr("DATABASE_PATH", c.DatabasePath)
	c.HTTPAddr = environment.StringOr("KIROKU_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = environment.StringOr("KIROKU_LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("KIROKU_LOG_FORMAT", c.LogFormat)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", c.Matrix.Rooms)
	c.Matrix.AutoJoin = environment.BoolOr("MATRIX_AUTO_JOIN", c.Matrix.AutoJoin)

	c.LLM.APIKey = environment.FirstOr([]string{"LLM_API_KEY", "OPENAI_API_KEY"}, c.LLM.APIKey)
	c.LLM.BaseURL = environment.StringOr("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = environment.StringOr("LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = environment.DurationOr("LLM_TIMEOUT", c.LLM.Timeout)

	c.Scheduler.Enabled = environment.BoolOr("KIROKU_SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.BatchSize = environment.IntOr("KIROKU_SCHEDULER_BATCH_SIZE", c.Scheduler.BatchSize)
	c.Scheduler.Token = environment.StringOr("KIROKU_SCHEDULER_TOKEN", c.Scheduler.Token)
	c.Scheduler.Timezone = environment.StringOr("KIROKU_TIMEZONE", c.Scheduler.Timezone)
}

// Validate checks required fields and parses derived values.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("%w: MATRIX_HOMESERVER is required", ErrInvalid)
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("%w: MATRIX_USER_ID is required", ErrInvalid)
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("%w: MATRIX_ACCESS_TOKEN is required", ErrInvalid)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("%w: database path is empty", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Schedules(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for name, lim := range c.Limits {
		if lim.Max < 0 || lim.Window < 0 {
			return fmt.Errorf("%w: limit %q must not be negative", ErrInvalid, name)
		}
	}
	return nil
}

// Location resolves the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// Schedules converts the cron table into scheduler cadences.
func (c *Config) Schedules() (map[store.SummaryType]string, error) {
	out := make(map[store.SummaryType]string, len(c.Scheduler.Schedules))
	for name, expr := range c.Scheduler.Schedules {
		t, err := store.ParseSummaryType(name)
		if err != nil || !t.Scheduled() {
			return nil, fmt.Errorf("schedule %q is not a scheduled cadence", name)
		}
		out[t] = expr
	}
	return out, nil
}

// MatrixConfig returns the transport configuration.
func (c *Config) MatrixConfig() *matrix.Config {
	return &matrix.Config{
		Homeserver:  c.Matrix.Homeserver,
		UserID:      c.Matrix.UserID,
		AccessToken: c.Matrix.AccessToken,
		Rooms:       c.Matrix.Rooms,
		AutoJoin:    c.Matrix.AutoJoin,
	}
}

// LLMConfig returns the summariser client configuration.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		APIKey:      c.LLM.APIKey,
		BaseURL:     c.LLM.BaseURL,
		Model:       c.LLM.Model,
		Timeout:     c.LLM.Timeout,
		MaxTokens:   c.LLM.MaxTokens,
		MaxAttempts: c.LLM.MaxAttempts,
	}
}

// SummaryConfig returns the orchestrator configuration.
func (c *Config) SummaryConfig() summary.Config {
	return summary.Config{
		TranscriptTokens: c.LLM.TranscriptTokens,
		LLMTimeout:       c.LLM.Timeout,
	}
}

// TrackingConfig returns the session manager configuration.
func (c *Config) TrackingConfig() tracking.Config {
	return tracking.Config{
		InactivityTimeout: c.Tracking.InactivityTimeout,
		MessageRetention:  c.Tracking.MessageRetention,
	}
}

// RunnerConfig returns the timer trigger configuration. It assumes Validate
// has passed.
func (c *Config) RunnerConfig() scheduler.RunnerConfig {
	schedules, _ := c.Schedules()
	loc, _ := c.Location()
	return scheduler.RunnerConfig{
		Schedules:           schedules,
		MaintenanceInterval: c.Scheduler.MaintenanceInterval,
		Location:            loc,
	}
}

// LogFields returns the effective configuration as slog key/value pairs with
// secrets masked.
func (c *Config) LogFields() []any {
	fields := redact.Map(map[string]any{
		"database_path":     c.DatabasePath,
		"http_addr":         c.HTTPAddr,
		"homeserver":        c.Matrix.Homeserver,
		"user_id":           c.Matrix.UserID,
		"access_token":      c.Matrix.AccessToken,
		"rooms":             len(c.Matrix.Rooms),
		"llm_model":         c.LLM.Model,
		"llm_api_key":       c.LLM.APIKey,
		"scheduler_enabled": c.Scheduler.Enabled,
		"scheduler_token":   c.Scheduler.Token,
		"timezone":          c.Scheduler.Timezone,
	})
	out := make([]any, 0, 2*len(fields))
	for _, k := range sortedKeys(fields) {
		out = append(out, k, fields[k])
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
