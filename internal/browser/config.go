package browser

import "time"

// MaxContexts is the hard ceiling on concurrently open browser contexts.
// More parallel tabs make the crawl easier to fingerprint.
const MaxContexts = 4

// Config defines browser configuration.
type Config struct {
	Headless          bool              `yaml:"headless" json:"headless"`
	Bin               string            `yaml:"bin" json:"bin,omitempty"`
	Proxy             string            `yaml:"proxy" json:"proxy,omitempty"`
	NoSandbox         bool              `yaml:"no_sandbox" json:"no_sandbox"`
	UserDataDir       string            `yaml:"user_data_dir" json:"user_data_dir,omitempty"`
	Timeout           time.Duration     `yaml:"timeout" json:"timeout"`
	IgnoreHTTPSErrors bool              `yaml:"ignore_https_errors" json:"ignore_https_errors"`
	// BlockResources are URL patterns (CDP wildcard syntax) never fetched.
	BlockResources []string          `yaml:"block_resources" json:"block_resources,omitempty"`
	Flags          map[string]string `yaml:"flags" json:"flags,omitempty"`
	Personas       []Persona         `yaml:"personas" json:"personas,omitempty"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		Headless: true,
		Timeout:  30 * time.Second,
		BlockResources: []string{
			"*.mp4", "*.webm", "*.woff2", "*.woff", "*.ttf",
			"*google-analytics.com*", "*doubleclick.net*",
		},
	}
}
