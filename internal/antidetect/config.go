package antidetect

import "time"

// Config controls behavior simulation, detection and recovery.
type Config struct {
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	SimulateMouse     bool `yaml:"simulate_mouse" json:"simulate_mouse"`
	SimulateScroll    bool `yaml:"simulate_scroll" json:"simulate_scroll"`
	IncidentalActions bool `yaml:"incidental_actions" json:"incidental_actions"`
	// IncidentalProbability is clamped to [0.2, 0.4].
	IncidentalProbability float64 `yaml:"incidental_probability" json:"incidental_probability"`

	DetectBlocking bool `yaml:"detect_blocking" json:"detect_blocking"`
	// RetryAttempts caps the session recreations one engine performs.
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// SessionTimeout is the session age after which health turns bad.
	SessionTimeout time.Duration `yaml:"session_timeout" json:"session_timeout"`
	// MaxActions is the action count after which health turns bad.
	MaxActions int `yaml:"max_actions" json:"max_actions"`

	RecreateMinWait time.Duration `yaml:"recreate_min_wait" json:"recreate_min_wait"`
	RecreateMaxWait time.Duration `yaml:"recreate_max_wait" json:"recreate_max_wait"`
	// EntryURL is the benign page visited after a recreation.
	EntryURL string `yaml:"entry_url" json:"entry_url"`

	// ChallengeTimeout bounds waiting for a checkbox challenge to clear.
	ChallengeTimeout time.Duration `yaml:"challenge_timeout" json:"challenge_timeout"`
	// ManualTimeout bounds waiting for an operator to solve image/text
	// challenges in a headed browser.
	ManualTimeout time.Duration `yaml:"manual_timeout" json:"manual_timeout"`

	Markers Markers      `yaml:"markers" json:"markers"`
	Solver  SolverConfig `yaml:"solver" json:"solver"`
}

// Markers are the heuristics matched against the portal. They are data so
// they can be tuned without code changes.
type Markers struct {
	BlockStatuses []int    `yaml:"block_statuses" json:"block_statuses"`
	Phrases       []string `yaml:"phrases" json:"phrases"`
	Selectors     []string `yaml:"selectors" json:"selectors"`
	Titles        []string `yaml:"titles" json:"titles"`

	CheckboxSelectors []string `yaml:"checkbox_selectors" json:"checkbox_selectors"`
	CheckboxTargets   []string `yaml:"checkbox_targets" json:"checkbox_targets"`
	ImageSelectors    []string `yaml:"image_selectors" json:"image_selectors"`
	TextSelectors     []string `yaml:"text_selectors" json:"text_selectors"`
	ResponseFields    []string `yaml:"response_fields" json:"response_fields"`

	// NonInteractive are safe regions for incidental hovers and clicks.
	NonInteractive []string `yaml:"non_interactive" json:"non_interactive"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:              800 * time.Millisecond,
		MaxDelay:              2500 * time.Millisecond,
		SimulateMouse:         true,
		SimulateScroll:        true,
		IncidentalActions:     true,
		IncidentalProbability: 0.3,
		DetectBlocking:        true,
		RetryAttempts:         3,
		SessionTimeout:        45 * time.Minute,
		MaxActions:            600,
		RecreateMinWait:       time.Minute,
		RecreateMaxWait:       6 * time.Minute,
		ChallengeTimeout:      30 * time.Second,
		ManualTimeout:         2 * time.Minute,
		Markers:               DefaultMarkers(),
		Solver:                DefaultSolverConfig(),
	}
}

// DefaultMarkers returns the marker set tuned for the portal and the
// usual anti-bot vendors in front of it.
func DefaultMarkers() Markers {
	return Markers{
		BlockStatuses: []int{403, 429},
		Phrases: []string{
			"unusual traffic",
			"too many requests",
			"access denied",
			"temporarily blocked",
			"temporarily restricted",
			"rate limit exceeded",
			"automated queries",
			"verify you are a human",
			"checking your browser",
		},
		Selectors: []string{
			".rate-limit-banner",
			"#rate-limit",
			".blocked-message",
			"#cf-wrapper",
			"#challenge-running",
			"#challenge-stage",
			"#cf-challenge-running",
			".ray_id",
			"#cf-spinner-please-wait",
			"#cf-spinner-redirecting",
		},
		Titles: []string{
			"just a moment",
			"attention required",
			"access denied",
			"please wait",
			"ddos-guard",
			"checking your browser",
			"too many requests",
		},
		CheckboxSelectors: []string{
			".g-recaptcha",
			".h-captcha",
			".cf-turnstile",
			"#turnstile-wrapper",
			"iframe[src*='recaptcha/api2/anchor']",
			"iframe[src*='hcaptcha.com']",
			"iframe[src*='challenges.cloudflare.com']",
		},
		CheckboxTargets: []string{
			"#recaptcha-anchor",
			".recaptcha-checkbox",
			"[role='checkbox']",
			"iframe[src*='recaptcha/api2/anchor']",
			"iframe[src*='hcaptcha.com']",
			"iframe[src*='challenges.cloudflare.com']",
		},
		ImageSelectors: []string{
			"iframe[src*='recaptcha/api2/bframe']",
			".captcha-image",
			"img[src*='captcha']",
		},
		TextSelectors: []string{
			".text-captcha",
			"#captcha-question",
			"input[name='captcha_answer']",
		},
		ResponseFields: []string{
			"g-recaptcha-response",
			"h-captcha-response",
			"cf-turnstile-response",
		},
		NonInteractive: []string{"h1", "p", "footer", "main"},
	}
}

func (c Config) normalized() Config {
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.RecreateMaxWait < c.RecreateMinWait {
		c.RecreateMaxWait = c.RecreateMinWait
	}
	if c.IncidentalProbability < 0.2 {
		c.IncidentalProbability = 0.2
	}
	if c.IncidentalProbability > 0.4 {
		c.IncidentalProbability = 0.4
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 30 * time.Second
	}
	if c.ManualTimeout <= 0 {
		c.ManualTimeout = 2 * time.Minute
	}
	if len(c.Markers.BlockStatuses) == 0 && len(c.Markers.Phrases) == 0 &&
		len(c.Markers.Selectors) == 0 && len(c.Markers.Titles) == 0 {
		c.Markers = DefaultMarkers()
	}
	return c
}
