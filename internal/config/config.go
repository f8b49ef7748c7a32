// Package config holds all streamtap configuration: the target pattern, the
// consumer address, browser connection settings, and capture tuning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where streamtap looks for its config file unless told
// otherwise.
const DefaultPath = ".streamtap/config.yaml"

// Config holds all streamtap configuration.
type Config struct {
	// Target identifies the tracked exchange.
	Target TargetConfig `yaml:"target"`

	// Consumer is the local endpoint receiving the reconstructed stream.
	Consumer ConsumerConfig `yaml:"consumer"`

	// Browser configures the CDP connection.
	Browser BrowserConfig `yaml:"browser"`

	// Capture tunes the interception engine.
	Capture CaptureConfig `yaml:"capture"`

	// Logging.
	Logging LoggingConfig `yaml:"logging"`
}

// TargetConfig identifies the tracked network exchange.
type TargetConfig struct {
	// Pattern is a URL substring; the first request matching it becomes
	// the tracked target.
	Pattern string `yaml:"pattern"`
	// FinishEvent is the in-band event payload marking end-of-stream.
	FinishEvent string `yaml:"finish_event"`
}

// ConsumerConfig configures the local consumer endpoint.
type ConsumerConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
	// ForwardDebugLog mirrors engine diagnostics to the consumer.
	ForwardDebugLog bool `yaml:"forward_debug_log"`
}

// BrowserConfig configures the CDP connection to the controlled tab.
type BrowserConfig struct {
	// DebuggerURL attaches to an already-running Chrome. Empty launches
	// a new instance.
	DebuggerURL string   `yaml:"debugger_url"`
	Launch      []string `yaml:"launch"`
	Headless    bool     `yaml:"headless"`
	// PageURL is the page carrying the tracked exchange; an existing tab
	// on it is reused, otherwise one is opened.
	PageURL             string `yaml:"page_url"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
}

// CaptureConfig tunes the interception engine.
type CaptureConfig struct {
	DrainTimeoutMs     int `yaml:"drain_timeout_ms"`
	DrainPollMs        int `yaml:"drain_poll_ms"`
	BodyPollIntervalMs int `yaml:"body_poll_interval_ms"`
	QueueWarnDepth     int `yaml:"queue_warn_depth"`
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Target: TargetConfig{
			Pattern:     "/api/v0/chat/completion",
			FinishEvent: "finish",
		},
		Consumer: ConsumerConfig{
			BaseURL: "http://127.0.0.1:5000",
			Timeout: "10s",
		},
		Browser: BrowserConfig{
			Headless:            false,
			NavigationTimeoutMs: 30000,
		},
		Capture: CaptureConfig{
			DrainTimeoutMs:     30000,
			DrainPollMs:        25,
			BodyPollIntervalMs: 250,
			QueueWarnDepth:     10000,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(".streamtap", "logs"),
		},
	}
}

// ConsumerTimeout parses the consumer request timeout.
func (c ConsumerConfig) ConsumerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// NavigationTimeout returns the page navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the completion drain-wait ceiling.
func (c CaptureConfig) DrainTimeout() time.Duration {
	if c.DrainTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// DrainPoll returns the drain-wait polling interval.
func (c CaptureConfig) DrainPoll() time.Duration {
	if c.DrainPollMs <= 0 {
		return 25 * time.Millisecond
	}
	return time.Duration(c.DrainPollMs) * time.Millisecond
}

// BodyPollInterval returns the diff-fallback fetch interval; zero disables
// the fallback.
func (c CaptureConfig) BodyPollInterval() time.Duration {
	if c.BodyPollIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.BodyPollIntervalMs) * time.Millisecond
}

// Load reads config from path, applying defaults for missing fields and
// environment overrides on top.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes config to path as YAML, creating parent directories.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets the environment win over the file for the settings
// most often swapped per deployment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STREAMTAP_TARGET_PATTERN"); v != "" {
		c.Target.Pattern = v
	}
	if v := os.Getenv("STREAMTAP_CONSUMER_URL"); v != "" {
		c.Consumer.BaseURL = v
	}
	if v := os.Getenv("STREAMTAP_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
}
