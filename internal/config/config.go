// Package config loads the service configuration from YAML or JSON.
//
// All durations are Go duration strings ("500ms", "15s").
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rushorder/internal/checkout"
	"rushorder/internal/retry"
	"rushorder/internal/scheduler"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Log       LogConfig       `json:"log"`
	Retry     RetryConfig     `json:"retry"`
	Checkout  CheckoutConfig  `json:"checkout"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Clock     ClockConfig     `json:"clock"`
	Worker    WorkerConfig    `json:"worker"`
	Monitor   MonitorConfig   `json:"monitor"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// RunRatePerMin throttles manual "run now" requests across all tasks.
	RunRatePerMin int `json:"run_rate_per_min"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console | json
}

type RetryConfig struct {
	MaxRetries        int    `json:"max_retries"`
	BaseDelay         string `json:"base_delay"`
	MaxDelay          string `json:"max_delay"`
	Jitter            *bool  `json:"jitter,omitempty"`
	JitterRange       string `json:"jitter_range"`
	Timeout           string `json:"timeout"`
	RetryableStatuses []int  `json:"retryable_statuses,omitempty"`
}

type CheckoutConfig struct {
	BaseURL string `json:"base_url"`
}

type SchedulerConfig struct {
	RearmDaily bool   `json:"rearm_daily"`
	SweepCron  string `json:"sweep_cron"`
}

type ClockConfig struct {
	// NTPOffset is a measured clock error, reported at startup.
	NTPOffset string `json:"ntp_offset"`
}

type WorkerConfig struct {
	QueueSize int `json:"queue_size"`
	Workers   int `json:"workers"`
}

type MonitorConfig struct {
	Window int `json:"window"`
}

func Default() *Config {
	rc := retry.DefaultConfig()
	jitter := rc.Jitter
	return &Config{
		Server:   ServerConfig{Addr: ":8080", RunRatePerMin: 30},
		Database: DatabaseConfig{Path: "rushorder.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Retry: RetryConfig{
			MaxRetries:        rc.MaxRetries,
			BaseDelay:         rc.BaseDelay.String(),
			MaxDelay:          rc.MaxDelay.String(),
			Jitter:            &jitter,
			JitterRange:       rc.JitterRange.String(),
			Timeout:           rc.Timeout.String(),
			RetryableStatuses: rc.RetryableStatuses,
		},
		Checkout:  CheckoutConfig{BaseURL: checkout.DefaultBaseURL},
		Scheduler: SchedulerConfig{SweepCron: scheduler.DefaultSweepSpec},
		Worker:    WorkerConfig{QueueSize: 256, Workers: 2},
		Monitor:   MonitorConfig{Window: 288},
	}
}

// Load reads path over the defaults. YAML files are converted to JSON first
// so both formats go through the same strict decoder.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", path)
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RunRatePerMin < 0 {
		errs = append(errs, errors.New("server.run_rate_per_min must be >= 0"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must be >= 0"))
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("clock.ntp_offset", strings.TrimPrefix(c.Clock.NTPOffset, "-")); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.SweepCron != "" {
		if err := scheduler.ValidateCronExpression(c.Scheduler.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.sweep_cron: %w", err))
		}
	}
	if c.Worker.QueueSize < 0 || c.Worker.Workers < 0 {
		errs = append(errs, errors.New("worker sizes must be >= 0"))
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section, filling gaps from the defaults.
func (c *Config) RetryPolicy() (retry.Config, error) {
	rc := retry.DefaultConfig()
	rc.MaxRetries = c.Retry.MaxRetries
	if c.Retry.Jitter != nil {
		rc.Jitter = *c.Retry.Jitter
	}
	if len(c.Retry.RetryableStatuses) > 0 {
		rc.RetryableStatuses = c.Retry.RetryableStatuses
	}

	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"retry.base_delay", c.Retry.BaseDelay, &rc.BaseDelay},
		{"retry.max_delay", c.Retry.MaxDelay, &rc.MaxDelay},
		{"retry.jitter_range", c.Retry.JitterRange, &rc.JitterRange},
		{"retry.timeout", c.Retry.Timeout, &rc.Timeout},
	}
	for _, f := range fields {
		d, err := ParseDurationOrDefault(f.path, f.raw, *f.dst)
		if err != nil {
			return retry.Config{}, err
		}
		*f.dst = d
	}
	return rc, nil
}

// ClockOffset returns the configured clock.ntp_offset, which may be negative.
func (c *Config) ClockOffset() time.Duration {
	raw := strings.TrimSpace(c.Clock.NTPOffset)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}
