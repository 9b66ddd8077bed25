package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable run configuration. It is loaded once and passed by
// value into the components that need it.
type Config struct {
	Target       TargetConfig       `json:"target" yaml:"target"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Retry        RetryConfig        `json:"retry" yaml:"retry"`
	Session      SessionConfig      `json:"session" yaml:"session"`
	Input        InputConfig        `json:"input" yaml:"input"`
	Sink         SinkConfig         `json:"sink" yaml:"sink"`
	Classifier   ClassifierConfig   `json:"classifier" yaml:"classifier"`
	API          APIConfig          `json:"api" yaml:"api"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

type TargetConfig struct {
	URL        string `json:"url" yaml:"url"`
	ClaimPath  string `json:"claim_path" yaml:"claim_path"`
	IPProbeURL string `json:"ip_probe_url" yaml:"ip_probe_url"`
}

type OrchestratorConfig struct {
	Concurrency             int `json:"concurrency" yaml:"concurrency"`
	TaskDeadlineSeconds     int `json:"task_deadline_seconds" yaml:"task_deadline_seconds"`
	LaunchRatePerMinute     int `json:"launch_rate_per_minute" yaml:"launch_rate_per_minute"` // 0 disables pacing
	ProgressIntervalSeconds int `json:"progress_interval_seconds" yaml:"progress_interval_seconds"`
}

type RetryConfig struct {
	MaxAttempts     int `json:"max_attempts" yaml:"max_attempts"`
	RateLimitBaseMs int `json:"rate_limit_base_ms" yaml:"rate_limit_base_ms"`
	RateLimitStepMs int `json:"rate_limit_step_ms" yaml:"rate_limit_step_ms"`
	FixedMs         int `json:"fixed_ms" yaml:"fixed_ms"`
	StepMs          int `json:"step_ms" yaml:"step_ms"`
}

type SessionConfig struct {
	Driver              string `json:"driver" yaml:"driver"` // "http" or "browser"
	Headless            *bool  `json:"headless" yaml:"headless"`
	ActionDelayMinMs    int    `json:"action_delay_min_ms" yaml:"action_delay_min_ms"`
	ActionDelayMaxMs    int    `json:"action_delay_max_ms" yaml:"action_delay_max_ms"`
	NavigationTimeoutMs int    `json:"navigation_timeout_ms" yaml:"navigation_timeout_ms"`
	SelectorTimeoutMs   int    `json:"selector_timeout_ms" yaml:"selector_timeout_ms"`
	ObserveTimeoutMs    int    `json:"observe_timeout_ms" yaml:"observe_timeout_ms"`
	UserAgent           string `json:"user_agent" yaml:"user_agent"`
}

type InputConfig struct {
	Addresses      string `json:"addresses" yaml:"addresses"`
	Proxies        string `json:"proxies" yaml:"proxies"` // file path or http(s) URL
	AddressPattern string `json:"address_pattern" yaml:"address_pattern"`
}

type SinkConfig struct {
	Type string `json:"type" yaml:"type"` // "csv", "sqlite", "redis", "postgres"
	Path string `json:"path" yaml:"path"` // file path, redis addr or postgres DSN
	Key  string `json:"key" yaml:"key"`   // redis list key
}

// ClassifierConfig overrides the default keyword sets. Empty slices keep the defaults.
type ClassifierConfig struct {
	Challenge []string `json:"challenge" yaml:"challenge"`
	Already   []string `json:"already" yaml:"already"`
	RateLimit []string `json:"rate_limit" yaml:"rate_limit"`
	Success   []string `json:"success" yaml:"success"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Addr               string `json:"addr" yaml:"addr"`
	APIKeyEnv          string `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
}

// TargetURLEnv overrides target.url when set.
const TargetURLEnv = "FAUCET_TARGET_URL"

// Load reads configuration from a JSON or YAML file. A missing path yields the defaults.
func Load(filePath string) (Config, error) {
	var cfg Config

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(filePath)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config YAML: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config JSON: %w", err)
			}
		}
	}

	if v := os.Getenv(TargetURLEnv); v != "" {
		cfg.Target.URL = v
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Target.URL == "" {
		c.Target.URL = "https://faucet.mars.movachain.com"
	}
	if c.Target.ClaimPath == "" {
		c.Target.ClaimPath = "/api/claim"
	}
	if c.Target.IPProbeURL == "" {
		c.Target.IPProbeURL = "https://api.ipify.org?format=json"
	}
	if c.Orchestrator.Concurrency == 0 {
		c.Orchestrator.Concurrency = 2
	}
	if c.Orchestrator.TaskDeadlineSeconds == 0 {
		c.Orchestrator.TaskDeadlineSeconds = 120
	}
	if c.Orchestrator.ProgressIntervalSeconds == 0 {
		c.Orchestrator.ProgressIntervalSeconds = 5
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 2
	}
	if c.Retry.RateLimitBaseMs == 0 {
		c.Retry.RateLimitBaseMs = 8000
	}
	if c.Retry.RateLimitStepMs == 0 {
		c.Retry.RateLimitStepMs = 4000
	}
	if c.Retry.FixedMs == 0 {
		c.Retry.FixedMs = 2000
	}
	if c.Retry.StepMs == 0 {
		c.Retry.StepMs = 1000
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "http"
	}
	if c.Session.Headless == nil {
		headless := true
		c.Session.Headless = &headless
	}
	if c.Session.ActionDelayMinMs == 0 && c.Session.ActionDelayMaxMs == 0 {
		c.Session.ActionDelayMinMs = 2000
		c.Session.ActionDelayMaxMs = 5000
	}
	if c.Session.NavigationTimeoutMs == 0 {
		c.Session.NavigationTimeoutMs = 30000
	}
	if c.Session.SelectorTimeoutMs == 0 {
		c.Session.SelectorTimeoutMs = 8000
	}
	if c.Session.ObserveTimeoutMs == 0 {
		c.Session.ObserveTimeoutMs = 5000
	}
	if c.Input.Addresses == "" {
		c.Input.Addresses = "address.txt"
	}
	if c.Input.Proxies == "" {
		c.Input.Proxies = "proxies.txt"
	}
	if c.Input.AddressPattern == "" {
		c.Input.AddressPattern = `^0x[a-fA-F0-9]{40}$`
	}
	if c.Sink.Type == "" {
		c.Sink.Type = "csv"
	}
	if c.Sink.Path == "" && c.Sink.Type == "csv" {
		c.Sink.Path = filepath.Join("out", "results.csv")
	}
	if c.Sink.Path == "" && c.Sink.Type == "sqlite" {
		c.Sink.Path = filepath.Join("out", "results.db")
	}
	if c.Sink.Key == "" {
		c.Sink.Key = "faucetclaimer:records"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.APIKeyEnv == "" {
		c.API.APIKeyEnv = "FAUCET_API_KEY"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 600
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "faucetclaimer"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c Config) Validate() error {
	u, err := url.Parse(c.Target.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target.url must be an absolute http(s) URL, got %q", c.Target.URL)
	}
	if !strings.HasPrefix(c.Target.ClaimPath, "/") && !strings.HasPrefix(c.Target.ClaimPath, "http") {
		return fmt.Errorf("target.claim_path must start with '/' or be an absolute URL")
	}
	if c.Orchestrator.Concurrency < 1 || c.Orchestrator.Concurrency > 256 {
		return fmt.Errorf("orchestrator.concurrency must be between 1 and 256")
	}
	if c.Orchestrator.TaskDeadlineSeconds < 1 {
		return fmt.Errorf("orchestrator.task_deadline_seconds must be positive")
	}
	if c.Orchestrator.LaunchRatePerMinute < 0 {
		return fmt.Errorf("orchestrator.launch_rate_per_minute must not be negative")
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 50 {
		return fmt.Errorf("retry.max_attempts must be between 1 and 50")
	}
	if c.Retry.RateLimitBaseMs < 0 || c.Retry.RateLimitStepMs < 0 || c.Retry.FixedMs < 0 || c.Retry.StepMs < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Session.Driver != "http" && c.Session.Driver != "browser" {
		return fmt.Errorf("session.driver must be 'http' or 'browser'")
	}
	if c.Session.ActionDelayMinMs < 0 || c.Session.ActionDelayMaxMs < c.Session.ActionDelayMinMs {
		return fmt.Errorf("session action delay range is invalid: [%d, %d]",
			c.Session.ActionDelayMinMs, c.Session.ActionDelayMaxMs)
	}
	if _, err := regexp.Compile(c.Input.AddressPattern); err != nil {
		return fmt.Errorf("input.address_pattern: %w", err)
	}
	switch c.Sink.Type {
	case "csv", "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("sink type must be 'csv', 'sqlite', 'redis', or 'postgres'")
	}
	if c.Sink.Path == "" {
		return fmt.Errorf("sink.path is required for sink type %q", c.Sink.Type)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	return nil
}

// TaskDeadline returns the per-address watchdog deadline.
func (c OrchestratorConfig) TaskDeadline() time.Duration {
	return time.Duration(c.TaskDeadlineSeconds) * time.Second
}

// ProgressInterval returns the period between progress log lines.
func (c OrchestratorConfig) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalSeconds) * time.Second
}

// IsHeadless reports the session mode; nil means headless.
func (c SessionConfig) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

func (c SessionConfig) ActionDelayRange() (time.Duration, time.Duration) {
	return time.Duration(c.ActionDelayMinMs) * time.Millisecond,
		time.Duration(c.ActionDelayMaxMs) * time.Millisecond
}

func (c SessionConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

func (c SessionConfig) SelectorTimeout() time.Duration {
	return time.Duration(c.SelectorTimeoutMs) * time.Millisecond
}

func (c SessionConfig) ObserveTimeout() time.Duration {
	return time.Duration(c.ObserveTimeoutMs) * time.Millisecond
}

// ClaimURL resolves claim_path against the target URL.
func (c TargetConfig) ClaimURL() (string, error) {
	base, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	ref, err := url.Parse(c.ClaimPath)
	if err != nil {
		return "", fmt.Errorf("parse claim path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
