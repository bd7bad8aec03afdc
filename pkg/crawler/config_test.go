package crawler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/auth"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.PortalURL = "https://portal.example.com"
	c.Credentials = auth.Credentials{Username: "analyst@example.com", Password: "secret"}
	return c
}

// =============================================================================
// DefaultConfig Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if config.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", config.Concurrency)
	}
	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.Session.Store.MaxAge != 4*time.Hour {
		t.Errorf("Session.Store.MaxAge = %v, want 4h", config.Session.Store.MaxAge)
	}
	if !config.Session.Reuse {
		t.Error("Session.Reuse should be true")
	}
	if config.Details.Enabled {
		t.Error("Details should be disabled by default")
	}
	if config.Output.Format != "json" {
		t.Errorf("Output.Format = %s, want json", config.Output.Format)
	}
	if !config.AntiDetection.DetectBlocking {
		t.Error("AntiDetection.DetectBlocking should be true")
	}
	if len(config.Scope.ExcludePatterns) == 0 {
		t.Error("default scope should exclude logout links")
	}
}

func TestCautiousConfig(t *testing.T) {
	config := CautiousConfig()
	def := DefaultConfig()

	if config.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", config.Concurrency)
	}
	if config.Pacing.RequestsPerMinute >= def.Pacing.RequestsPerMinute {
		t.Errorf("RequestsPerMinute = %v, want below %v", config.Pacing.RequestsPerMinute, def.Pacing.RequestsPerMinute)
	}
	if config.Details.Enabled {
		t.Error("Details should be disabled in cautious mode")
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing username", func(c *Config) { c.Credentials.Username = "" }, "username is required"},
		{"missing password", func(c *Config) { c.Credentials.Password = "" }, "password is required"},
		{"missing portal", func(c *Config) { c.PortalURL = "" }, "portal URL is required"},
		{"relative portal", func(c *Config) { c.PortalURL = "/merchants" }, "absolute"},
		{"ftp portal", func(c *Config) { c.PortalURL = "ftp://portal.example.com" }, "absolute"},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"concurrency above ceiling", func(c *Config) { c.Concurrency = 5 }, "concurrency"},
		{"concurrency at ceiling", func(c *Config) { c.Concurrency = 4 }, ""},
		{"negative pages", func(c *Config) { c.MaxPages = -1 }, "max pages"},
		{"negative records", func(c *Config) { c.MaxRecords = -1 }, "max records"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max retries"},
		{"no request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout"},
		{"bad format", func(c *Config) { c.Output.Format = "csv" }, "output format"},
		{"bad backend", func(c *Config) { c.Session.Store.Backend = "redis" }, "session backend"},
		{"bad backend without reuse", func(c *Config) {
			c.Session.Reuse = false
			c.Session.Store.Backend = "redis"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
			if !errors.IsFatal(err) {
				t.Errorf("Validate() error type = %v, want config", errors.GetErrorType(err))
			}
		})
	}
}

func TestConfig_FillDerived(t *testing.T) {
	c := validConfig()
	c.PortalURL = "https://portal.example.com/"
	c.fillDerived()

	if c.Auth.LoginURL != "https://portal.example.com/login" {
		t.Errorf("LoginURL = %s", c.Auth.LoginURL)
	}
	if c.Auth.DashboardURL != "https://portal.example.com/dashboard" {
		t.Errorf("DashboardURL = %s", c.Auth.DashboardURL)
	}
	if c.Navigation.DashboardURL != c.Auth.DashboardURL {
		t.Errorf("Navigation.DashboardURL = %s, want %s", c.Navigation.DashboardURL, c.Auth.DashboardURL)
	}
	if len(c.Searches) != 1 || !c.Searches[0].IsZero() {
		t.Errorf("Searches = %+v, want one unfiltered search", c.Searches)
	}

	c = validConfig()
	c.Auth.LoginURL = "https://sso.example.com/signin"
	c.fillDerived()
	if c.Auth.LoginURL != "https://sso.example.com/signin" {
		t.Errorf("explicit LoginURL was overwritten: %s", c.Auth.LoginURL)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv(EnvUsername, "env-user@example.com")
	t.Setenv(EnvPassword, "env-pass")

	c := DefaultConfig()
	c.ApplyEnv()
	if c.Credentials.Username != "env-user@example.com" || c.Credentials.Password != "env-pass" {
		t.Errorf("Credentials = %+v, want values from environment", c.Credentials)
	}

	c = validConfig()
	c.ApplyEnv()
	if c.Credentials.Username != "analyst@example.com" {
		t.Errorf("configured username was replaced: %s", c.Credentials.Username)
	}
}

// =============================================================================
// Clone / Save / Load Tests
// =============================================================================

func TestConfig_Clone(t *testing.T) {
	original := validConfig()
	original.Searches = []search.Params{{Network: "CJ"}}

	clone := original.Clone()
	if clone.Credentials.Password != "secret" {
		t.Error("Clone should keep the password")
	}
	clone.Searches[0].Network = "Awin"
	clone.PortalURL = "https://other.example.com"

	if original.Searches[0].Network != "CJ" {
		t.Error("Clone shares the searches slice")
	}
	if original.PortalURL != "https://portal.example.com" {
		t.Error("Clone modified the original")
	}
}

func TestConfig_SaveToFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.json")
	c := validConfig()
	c.MaxPages = 7
	c.Searches = []search.Params{{Country: "Germany"}}

	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Error("saved config contains the password")
	}
	if !strings.Contains(string(data), `"max_pages": 7`) {
		t.Errorf("saved config is not indented JSON:\n%s", data)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.MaxPages != 7 || loaded.Searches[0].Country != "Germany" {
		t.Errorf("loaded config = %+v", loaded)
	}
	if c.Credentials.Password != "secret" {
		t.Error("SaveToFile cleared the password of the receiver")
	}
}

func TestConfig_SaveToFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	c := validConfig()
	c.Concurrency = 3
	c.RequestTimeout = 90 * time.Second

	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", loaded.Concurrency)
	}
	if loaded.RequestTimeout != 90*time.Second {
		t.Errorf("RequestTimeout = %v, want 90s", loaded.RequestTimeout)
	}
	if loaded.Credentials.Username != "analyst@example.com" {
		t.Errorf("Username = %s", loaded.Credentials.Username)
	}
}

func TestLoadFromFile_PartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	content := "portal_url: https://portal.example.com\nmax_pages: 2\nsearches:\n  - network: CJ\n    country: France\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if c.MaxPages != 2 || len(c.Searches) != 1 || c.Searches[0].Network != "CJ" {
		t.Errorf("loaded config = %+v", c)
	}
	if c.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", c.MaxRetries)
	}
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/task.yaml")
	if err == nil {
		t.Error("LoadFromFile() should fail for missing file")
	}
}

func TestLoadFromFile_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("max_pages: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() should fail for invalid content")
	}
}
