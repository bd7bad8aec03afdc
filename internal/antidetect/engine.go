// Package antidetect keeps a browser session looking human: it paces and
// animates interaction, spots blocking and CAPTCHA pages, and resets a
// burnt session.
package antidetect

import (
	"context"
	"math/rand"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/ratelimit"
)

// Engine serves one lane. It tracks that lane's session age and action
// count and is not safe for concurrent use.
type Engine struct {
	cfg     Config
	log     *logger.Logger
	solver  Solver
	rotator *browser.Rotator
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	rng     *rand.Rand

	mouse       browser.Point
	started     time.Time
	actions     int
	recreations int
	captchas    int
	last        Detection
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l.WithComponent("antidetect") }
}

// WithSolver sets the CAPTCHA solving service.
func WithSolver(s Solver) Option {
	return func(e *Engine) { e.solver = s }
}

// WithRotator sets the persona rotator used by RecreateSession.
func WithRotator(r *browser.Rotator) Option {
	return func(e *Engine) { e.rotator = r }
}

// WithSleep replaces the sleep function, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSeed makes randomness reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// New creates an engine. A solver is built from cfg.Solver when it carries
// an API key and none is supplied.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.normalized(),
		log:   logger.Nop(),
		sleep: ratelimit.Sleep,
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.solver == nil && e.cfg.Solver.APIKey != "" {
		e.solver = NewHTTPSolver(e.cfg.Solver)
	}
	if e.rotator == nil {
		e.rotator = browser.NewRotator(nil)
	}
	e.started = e.now()
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Actions returns the number of simulated and real interactions since the
// session started.
func (e *Engine) Actions() int {
	return e.actions
}

// Recreations returns how many times the session was recreated.
func (e *Engine) Recreations() int {
	return e.recreations
}

// Captchas returns how many challenges were handled.
func (e *Engine) Captchas() int {
	return e.captchas
}

// LastDetection returns the most recent positive detection.
func (e *Engine) LastDetection() Detection {
	return e.last
}

// CountAction records a real interaction performed by another component.
func (e *Engine) CountAction() {
	e.actions++
}

// ResetSession restarts the age and action counters, e.g. after a fresh
// login.
func (e *Engine) ResetSession() {
	e.started = e.now()
	e.actions = 0
	e.last = Detection{}
}

// Pause waits a normally distributed think time within the delay range.
func (e *Engine) Pause(ctx context.Context) error {
	return e.sleep(ctx, normalDelay(e.cfg.MinDelay, e.cfg.MaxDelay, e.rng))
}
