package crawler

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/auth"
	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/navigation"
	"github.com/PentesterFlow/merchantcrawler/internal/output"
	"github.com/PentesterFlow/merchantcrawler/internal/ratelimit"
	"github.com/PentesterFlow/merchantcrawler/internal/scope"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
)

// Environment variables consulted for credentials missing from the config.
const (
	EnvUsername = "MERCHANT_CRAWLER_USERNAME"
	EnvPassword = "MERCHANT_CRAWLER_PASSWORD"
)

// Config holds all crawler configuration.
type Config struct {
	// Portal origin, e.g. https://portal.example.com
	PortalURL string `json:"portal_url" yaml:"portal_url"`

	// Account used for the run
	Credentials auth.Credentials `json:"credentials" yaml:"credentials"`

	// Login surface; URLs default to PortalURL + /login and /dashboard
	Auth auth.Config `json:"auth" yaml:"auth"`

	// Filter sets, one lane each. Empty means one unfiltered search.
	Searches []search.Params `json:"searches" yaml:"searches"`

	// Maximum listing pages per search (0 = unlimited)
	MaxPages int `json:"max_pages" yaml:"max_pages"`

	// Maximum records for the whole run (0 = unlimited)
	MaxRecords int `json:"max_records" yaml:"max_records"`

	// Concurrent browser contexts, 1 to browser.MaxContexts
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Per-request and whole-run timeouts
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	TaskTimeout    time.Duration `json:"task_timeout" yaml:"task_timeout"`

	// Retry budget per request
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay" yaml:"max_retry_delay"`

	// Detail page enrichment
	Details DetailConfig `json:"details" yaml:"details"`

	// Stored session reuse
	Session SessionConfig `json:"session" yaml:"session"`

	AntiDetection antidetect.Config `json:"anti_detection" yaml:"anti_detection"`
	Browser       browser.Config    `json:"browser" yaml:"browser"`
	Pacing        ratelimit.Config  `json:"pacing" yaml:"pacing"`
	Scope         scope.Rules       `json:"scope" yaml:"scope"`
	Navigation    navigation.Config `json:"navigation" yaml:"navigation"`
	Search        search.Config     `json:"search" yaml:"search"`
	Output        output.Config     `json:"output" yaml:"output"`
	Logging       LoggingConfig     `json:"logging" yaml:"logging"`

	// Run identifier; a UUID is generated when empty
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
}

// DetailConfig controls detail page visits.
type DetailConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// CacheTTL is how long a visited detail page is served from cache.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// FailureThreshold consecutive failures open the detail breaker.
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
}

// SessionConfig controls the stored session.
type SessionConfig struct {
	Reuse bool           `json:"reuse" yaml:"reuse"`
	Store session.Config `json:"store" yaml:"store"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
	// File enables a rotating JSON log file.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	// SinkURL streams log entries to a websocket collector.
	SinkURL string `json:"sink_url,omitempty" yaml:"sink_url,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Auth:           auth.DefaultConfig(),
		Concurrency:    1,
		RequestTimeout: 45 * time.Second,
		TaskTimeout:    4 * time.Hour,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
		MaxRetryDelay:  45 * time.Second,
		Details: DetailConfig{
			Enabled:          false,
			CacheTTL:         24 * time.Hour,
			FailureThreshold: 5,
			Cooldown:         2 * time.Minute,
		},
		Session: SessionConfig{
			Reuse: true,
			Store: session.Config{
				Backend: "bolt",
				Slot:    session.DefaultSlot,
				MaxAge:  session.DefaultMaxAge,
			},
		},
		AntiDetection: antidetect.DefaultConfig(),
		Browser:       browser.DefaultConfig(),
		Pacing:        ratelimit.DefaultConfig(),
		Scope:         scope.DefaultRules(),
		Navigation:    navigation.DefaultConfig(),
		Search:        search.DefaultConfig(),
		Output: output.Config{
			Format: output.FormatJSON,
			Pretty: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// CautiousConfig returns a configuration for a portal that has recently
// blocked the account: one context, slower pacing and no detail visits.
func CautiousConfig() *Config {
	c := DefaultConfig()
	c.Concurrency = 1
	c.Details.Enabled = false
	c.Pacing.RequestsPerMinute = 4
	c.Pacing.MinDelay = 5 * time.Second
	c.Pacing.MaxDelay = 12 * time.Second
	c.AntiDetection.MinDelay = 1500 * time.Millisecond
	c.AntiDetection.MaxDelay = 4 * time.Second
	c.AntiDetection.MaxActions = 300
	return c
}

// LoadFromFile loads configuration from a file (JSON or YAML).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file. The password is never written.
func (c *Config) SaveToFile(path string) error {
	out := c.Clone()
	out.Credentials.Password = ""

	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(out, "", "  ")
	} else {
		data, err = yaml.Marshal(out)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnv fills missing credentials from the environment.
func (c *Config) ApplyEnv() {
	if c.Credentials.Username == "" {
		c.Credentials.Username = os.Getenv(EnvUsername)
	}
	if c.Credentials.Password == "" {
		c.Credentials.Password = os.Getenv(EnvPassword)
	}
}

// fillDerived derives the login and dashboard URLs from the portal URL.
func (c *Config) fillDerived() {
	base := strings.TrimRight(c.PortalURL, "/")
	if c.Auth.LoginURL == "" && base != "" {
		c.Auth.LoginURL = base + "/login"
	}
	if c.Auth.DashboardURL == "" && base != "" {
		c.Auth.DashboardURL = base + "/dashboard"
	}
	if c.Navigation.DashboardURL == "" {
		c.Navigation.DashboardURL = c.Auth.DashboardURL
	}
	if len(c.Searches) == 0 {
		c.Searches = []search.Params{{}}
	}
}

// Validate validates the configuration. Every failure is a Config error,
// which is fatal for the run.
func (c *Config) Validate() error {
	if err := auth.ValidateCredentials(c.Credentials); err != nil {
		return err
	}

	if c.PortalURL == "" {
		return errors.NewConfigError("portal URL is required")
	}
	u, err := url.Parse(c.PortalURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.NewConfigError(fmt.Sprintf("portal URL %q is not an absolute http(s) URL", c.PortalURL))
	}

	if c.Concurrency < 1 || c.Concurrency > browser.MaxContexts {
		return errors.NewConfigError(fmt.Sprintf("concurrency must be between 1 and %d", browser.MaxContexts))
	}

	if c.MaxPages < 0 {
		return errors.NewConfigError("max pages cannot be negative")
	}

	if c.MaxRecords < 0 {
		return errors.NewConfigError("max records cannot be negative")
	}

	if c.MaxRetries < 0 {
		return errors.NewConfigError("max retries cannot be negative")
	}

	if c.RequestTimeout <= 0 {
		return errors.NewConfigError("request timeout must be positive")
	}

	switch c.Output.Format {
	case "", output.FormatJSON, output.FormatJSONL:
	default:
		return errors.NewConfigError(fmt.Sprintf("unsupported output format %q", c.Output.Format))
	}

	if c.Session.Reuse {
		switch c.Session.Store.Backend {
		case "", "bolt", "file", "memory":
		default:
			return errors.NewConfigError(fmt.Sprintf("unknown session backend %q", c.Session.Store.Backend))
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	// json:"-" keeps the password out of files, not out of copies
	clone.Credentials.Password = c.Credentials.Password
	return clone
}
