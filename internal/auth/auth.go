// Package auth drives the portal's login form as an explicit state
// machine and moves authenticated state in and out of the session store.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
)

// State is a step of the login state machine.
type State string

const (
	AnonymousPage  State = "anonymous_page"
	FormFilled     State = "form_filled"
	CaptchaPending State = "captcha_pending"
	Submitted      State = "submitted"
	Authenticated  State = "authenticated"
	Rejected       State = "rejected"
)

// Credentials identify the portal account.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Identity is the key the session store records the account under.
func (c Credentials) Identity() string {
	return strings.TrimSpace(c.Username)
}

// ValidateCredentials returns a configuration error when either half of
// the credential pair is missing.
func ValidateCredentials(c Credentials) error {
	switch {
	case strings.TrimSpace(c.Username) == "" && c.Password == "":
		return errors.NewConfigError("username and password are required")
	case strings.TrimSpace(c.Username) == "":
		return errors.NewConfigError("username is required")
	case c.Password == "":
		return errors.NewConfigError("password is required")
	}
	return nil
}

// Config describes the login surface.
type Config struct {
	LoginURL     string `yaml:"login_url" json:"login_url"`
	DashboardURL string `yaml:"dashboard_url" json:"dashboard_url"`

	// Field overrides are tried before the built-in selector lists.
	UsernameField string `yaml:"username_field" json:"username_field,omitempty"`
	PasswordField string `yaml:"password_field" json:"password_field,omitempty"`
	SubmitButton  string `yaml:"submit_button" json:"submit_button,omitempty"`

	FormTimeout   time.Duration `yaml:"form_timeout" json:"form_timeout"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns timeouts suited to the portal. URLs have no
// default.
func DefaultConfig() Config {
	return Config{
		FormTimeout:   15 * time.Second,
		SubmitTimeout: 20 * time.Second,
		IdleTimeout:   5 * time.Second,
	}
}

// Evasion is the part of the anti-detection engine the login needs.
type Evasion interface {
	Pause(ctx context.Context) error
	ClickLikeHuman(ctx context.Context, page browser.Page, t browser.Target) error
	Classify(ctx context.Context, page browser.Page) antidetect.CaptchaKind
	HandleCaptcha(ctx context.Context, page browser.Page) bool
}

// Result is the outcome of one Login call. Trail lists every state the
// machine passed through.
type Result struct {
	State State
	Trail []State
	URL   string
	Err   error
}

// OK reports whether the login ended authenticated.
func (r Result) OK() bool {
	return r.State == Authenticated
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trail = append(r.Trail, s)
}

// Authenticator logs one account into the portal.
type Authenticator struct {
	cfg     Config
	creds   Credentials
	evasion Evasion
	log     *logger.Logger
}

// New creates an authenticator. Credentials are validated here so a bad
// configuration fails before any page is opened.
func New(cfg Config, creds Credentials, evasion Evasion, log *logger.Logger) (*Authenticator, error) {
	if err := ValidateCredentials(creds); err != nil {
		return nil, err
	}
	if cfg.LoginURL == "" {
		return nil, errors.NewConfigError("login URL is required")
	}
	def := DefaultConfig()
	if cfg.FormTimeout <= 0 {
		cfg.FormTimeout = def.FormTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Authenticator{
		cfg:     cfg,
		creds:   creds,
		evasion: evasion,
		log:     log.WithComponent("auth"),
	}, nil
}

// Identity returns the identity the authenticator logs in as.
func (a *Authenticator) Identity() string {
	return a.creds.Identity()
}

// Config returns the effective configuration.
func (a *Authenticator) Config() Config {
	return a.cfg
}
