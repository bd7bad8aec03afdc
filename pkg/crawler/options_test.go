package crawler

import (
	"bytes"
	"testing"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/browser/browsertest"
	"github.com/PentesterFlow/merchantcrawler/internal/cache"
	"github.com/PentesterFlow/merchantcrawler/internal/extract"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/metrics"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
)

// Helper to create a minimal crawler for option testing
func newTestCrawler() *Crawler {
	return &Crawler{
		config: DefaultConfig(),
	}
}

func apply(t *testing.T, c *Crawler, opt Option) {
	t.Helper()
	if err := opt(c); err != nil {
		t.Fatalf("option error = %v", err)
	}
}

// =============================================================================
// Config Options
// =============================================================================

func TestWithPortal(t *testing.T) {
	c := newTestCrawler()
	apply(t, c, WithPortal("https://portal.example.com"))

	if c.config.PortalURL != "https://portal.example.com" {
		t.Errorf("PortalURL = %s, want https://portal.example.com", c.config.PortalURL)
	}
}

func TestWithCredentials(t *testing.T) {
	c := newTestCrawler()
	apply(t, c, WithCredentials("analyst@example.com", "secret"))

	if c.config.Credentials.Username != "analyst@example.com" {
		t.Errorf("Username = %s", c.config.Credentials.Username)
	}
	if c.config.Credentials.Password != "secret" {
		t.Errorf("Password = %s", c.config.Credentials.Password)
	}
}

func TestWithSearches(t *testing.T) {
	c := newTestCrawler()
	params := []search.Params{{Network: "CJ"}, {Country: "Spain"}}
	apply(t, c, WithSearches(params...))

	if len(c.config.Searches) != 2 {
		t.Fatalf("len(Searches) = %d, want 2", len(c.config.Searches))
	}
	params[0].Network = "Awin"
	if c.config.Searches[0].Network != "CJ" {
		t.Error("WithSearches should copy its arguments")
	}
}

func TestWithLimits(t *testing.T) {
	tests := []struct {
		name   string
		input  int
		expect int
	}{
		{"normal value", 5, 5},
		{"zero", 0, 0},
		{"negative", -3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCrawler()
			apply(t, c, WithMaxPages(tt.input))
			apply(t, c, WithMaxRecords(tt.input))

			if c.config.MaxPages != tt.expect {
				t.Errorf("MaxPages = %d, want %d", c.config.MaxPages, tt.expect)
			}
			if c.config.MaxRecords != tt.expect {
				t.Errorf("MaxRecords = %d, want %d", c.config.MaxRecords, tt.expect)
			}
		})
	}
}

func TestWithConcurrency(t *testing.T) {
	tests := []struct {
		name   string
		input  int
		expect int
	}{
		{"normal value", 2, 2},
		{"ceiling", 4, 4},
		{"above ceiling", 16, 4},
		{"zero", 0, 1},
		{"negative", -5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCrawler()
			apply(t, c, WithConcurrency(tt.input))

			if c.config.Concurrency != tt.expect {
				t.Errorf("Concurrency = %d, want %d", c.config.Concurrency, tt.expect)
			}
		})
	}
}

func TestWithTimeouts(t *testing.T) {
	c := newTestCrawler()
	apply(t, c, WithTimeouts(10*time.Second, time.Hour))

	if c.config.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", c.config.RequestTimeout)
	}
	if c.config.TaskTimeout != time.Hour {
		t.Errorf("TaskTimeout = %v, want 1h", c.config.TaskTimeout)
	}

	apply(t, c, WithTimeouts(0, 0))
	if c.config.RequestTimeout != 10*time.Second || c.config.TaskTimeout != time.Hour {
		t.Error("zero timeouts should leave values unchanged")
	}
}

func TestWithRetries(t *testing.T) {
	c := newTestCrawler()
	apply(t, c, WithRetries(5, 500*time.Millisecond))

	if c.config.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", c.config.MaxRetries)
	}
	if c.config.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", c.config.RetryDelay)
	}

	apply(t, c, WithRetries(-1, -time.Second))
	if c.config.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", c.config.MaxRetries)
	}
	if c.config.RetryDelay != 500*time.Millisecond {
		t.Errorf("negative delay should be ignored, got %v", c.config.RetryDelay)
	}
}

func TestWithFlags(t *testing.T) {
	c := newTestCrawler()
	apply(t, c, WithDetails(true))
	apply(t, c, WithHeadless(false))
	apply(t, c, WithRunID("run-42"))

	if !c.config.Details.Enabled {
		t.Error("Details.Enabled should be true")
	}
	if c.config.Browser.Headless {
		t.Error("Browser.Headless should be false")
	}
	if c.config.RunID != "run-42" {
		t.Errorf("RunID = %s, want run-42", c.config.RunID)
	}
}

func TestWithConfig(t *testing.T) {
	c := newTestCrawler()
	newConfig := CautiousConfig()
	newConfig.PortalURL = "https://slow.example.com"

	apply(t, c, WithConfig(newConfig))

	if c.config.PortalURL != "https://slow.example.com" {
		t.Errorf("PortalURL = %s, want https://slow.example.com", c.config.PortalURL)
	}
	newConfig.PortalURL = "https://changed.example.com"
	if c.config.PortalURL != "https://slow.example.com" {
		t.Error("WithConfig should clone the config")
	}

	apply(t, c, WithConfig(nil))
	if c.config == nil {
		t.Error("WithConfig(nil) should keep the current config")
	}
}

// =============================================================================
// Dependency Options
// =============================================================================

func TestWithDependencies(t *testing.T) {
	c := newTestCrawler()
	portal := browsertest.NewPortal(browsertest.PortalOptions{})
	store := session.New(session.NewMemoryBackend(), session.Config{}, nil)
	dc := cache.New[string, extract.Detail](time.Minute)
	defer dc.Close()
	customLogger := logger.New(logger.Config{Level: logger.DebugLevel, Component: "test"})
	customMetrics := metrics.New()
	var buf bytes.Buffer

	for _, opt := range []Option{
		WithOpener(portal),
		WithSessionStore(store),
		WithDetailCache(dc),
		WithLogger(customLogger),
		WithMetrics(customMetrics),
		WithOutput(&buf),
		WithEngineOptions(antidetect.WithSeed(1), antidetect.WithSeed(2)),
	} {
		apply(t, c, opt)
	}

	if c.opener != portal {
		t.Error("opener was not set correctly")
	}
	if c.store != store {
		t.Error("session store was not set correctly")
	}
	if c.details != dc {
		t.Error("detail cache was not set correctly")
	}
	if c.logger != customLogger {
		t.Error("logger was not set correctly")
	}
	if c.metrics != customMetrics {
		t.Error("metrics was not set correctly")
	}
	if c.outputWriter != &buf {
		t.Error("output writer was not set correctly")
	}
	if len(c.engineOpts) != 2 {
		t.Errorf("len(engineOpts) = %d, want 2", len(c.engineOpts))
	}
}

func TestWithObserver(t *testing.T) {
	c := newTestCrawler()
	obs := &recordingObserver{}
	apply(t, c, WithObserver(obs))

	if c.observer == nil || c.observer.o != obs {
		t.Fatal("observer was not set correctly")
	}
	c.observer.warning("careful")
	if len(obs.warnings) != 1 {
		t.Errorf("len(warnings) = %d, want 1", len(obs.warnings))
	}
}
