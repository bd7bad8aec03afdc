package antidetect

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/ratelimit"
)

// Task kinds understood by the solving service.
const (
	TaskRecaptcha = "userrecaptcha"
	TaskHCaptcha  = "hcaptcha"
	TaskTurnstile = "turnstile"
)

// SolverConfig configures the CAPTCHA solving service. An empty APIKey
// disables the service.
type SolverConfig struct {
	Provider     string        `yaml:"provider" json:"provider"`
	APIKey       string        `yaml:"api_key" json:"api_key,omitempty"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
}

// DefaultSolverConfig returns the 2captcha-compatible defaults.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Provider:     "2captcha",
		Endpoint:     "https://2captcha.com",
		Timeout:      2 * time.Minute,
		PollInterval: 5 * time.Second,
		MaxRetries:   2,
	}
}

// Task is one challenge to hand to a solver.
type Task struct {
	Kind    string
	SiteKey string
	PageURL string
}

// Solver turns a challenge into a response token.
type Solver interface {
	Solve(ctx context.Context, task Task) (string, error)
}

// HTTPSolver talks to a 2captcha-style in.php/res.php API.
type HTTPSolver struct {
	cfg     SolverConfig
	client  *http.Client
	retrier *errors.Retrier
}

type solverReply struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

const notReady = "CAPCHA_NOT_READY"

var errNotReady = fmt.Errorf("solver: %s", notReady)

// NewHTTPSolver creates a solver client.
func NewHTTPSolver(cfg SolverConfig) *HTTPSolver {
	def := DefaultSolverConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	rc := errors.DefaultRetryConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.InitialDelay = time.Second
	rc.MaxDelay = 10 * time.Second

	return &HTTPSolver{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		retrier: errors.NewRetrier(rc),
	}
}

// Solve submits the task and polls until the token is ready, the solver
// reports an error or the timeout elapses.
func (s *HTTPSolver) Solve(ctx context.Context, task Task) (string, error) {
	if task.SiteKey == "" {
		return "", errors.NewCrawlError(errors.Challenge, task.PageURL, "captcha_solve", "widget has no sitekey", nil)
	}
	kind := task.Kind
	if kind == "" {
		kind = TaskRecaptcha
	}

	form := url.Values{}
	form.Set("key", s.cfg.APIKey)
	form.Set("method", kind)
	form.Set("pageurl", task.PageURL)
	form.Set("json", "1")
	if kind == TaskRecaptcha {
		form.Set("googlekey", task.SiteKey)
	} else {
		form.Set("sitekey", task.SiteKey)
	}

	id, res := errors.DoWithResult(ctx, s.retrier, "captcha_submit", task.PageURL,
		func(ctx context.Context, _ int) (string, error) {
			return s.call(ctx, http.MethodPost, s.cfg.Endpoint+"/in.php", form)
		})
	if !res.Success {
		return "", res.LastError
	}

	query := url.Values{}
	query.Set("key", s.cfg.APIKey)
	query.Set("action", "get")
	query.Set("id", id)
	query.Set("json", "1")

	polls := int(s.cfg.Timeout / s.cfg.PollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		if err := ratelimit.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return "", errors.NewCancelledError(task.PageURL, "captcha_poll")
		}
		token, err := s.call(ctx, http.MethodGet, s.cfg.Endpoint+"/res.php?"+query.Encode(), nil)
		if err == nil {
			return token, nil
		}
		if err != errNotReady {
			return "", err
		}
	}
	return "", errors.NewTimeoutError(task.PageURL, "captcha_poll",
		fmt.Errorf("solver gave no answer within %s", s.cfg.Timeout))
}

// call performs one request and returns the "request" field of a status=1
// reply. A not-ready reply is returned as a plain error with that text.
func (s *HTTPSolver) call(ctx context.Context, method, endpoint string, form url.Values) (string, error) {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return "", errors.NewCrawlError(errors.Config, endpoint, "captcha_request", "invalid solver endpoint", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Categorize(err, endpoint, "captcha_request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", errors.CategorizeStatus(resp.StatusCode, endpoint, "captcha_request")
	}

	var reply solverReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", errors.NewCrawlError(errors.Challenge, endpoint, "captcha_reply", "malformed solver reply", err)
	}
	if reply.Status == 1 {
		return reply.Request, nil
	}
	if reply.Request == notReady {
		return "", errNotReady
	}
	return "", errors.NewCrawlError(errors.Challenge, endpoint, "captcha_reply", "solver error "+reply.Request, nil)
}
