package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/cache"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/extract"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/metrics"
	"github.com/PentesterFlow/merchantcrawler/internal/output"
	"github.com/PentesterFlow/merchantcrawler/internal/ratelimit"
	"github.com/PentesterFlow/merchantcrawler/internal/scope"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
	"github.com/PentesterFlow/merchantcrawler/internal/websocket"
)

// Crawler is the main crawler orchestrator.
type Crawler struct {
	config     *Config
	opener     browser.Opener
	store      *session.Store
	details    *cache.Cache[string, extract.Detail]
	observer   *serialObserver
	engineOpts []antidetect.Option
	logger     *logger.Logger
	metrics    *metrics.Collector
	scope      *scope.Checker

	outputWriter io.Writer
	output       output.Writer
	sink         *output.Sink
	seen         *cache.Seen
	pacer        *ratelimit.Pacer
	breaker      *errors.Breaker
	telemetry    *websocket.Sink

	mu       sync.Mutex
	running  atomic.Bool
	cancel   context.CancelFunc
	accepted atomic.Int64
	errs     []CrawlError
	stops    map[StopReason]bool
	fatal    error
}

// New creates a new crawler with the given options. Configuration errors
// are returned here, before any browser is started.
func New(opts ...Option) (*Crawler, error) {
	c := &Crawler{
		config: DefaultConfig(),
		stops:  make(map[StopReason]bool),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.config.ApplyEnv()
	c.config.fillDerived()
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	if c.config.AntiDetection.EntryURL == "" {
		c.config.AntiDetection.EntryURL = strings.TrimRight(c.config.PortalURL, "/") + "/"
	}

	var err error
	c.scope, err = scope.NewChecker(c.config.PortalURL, c.config.Scope)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("invalid scope rules: %v", err))
	}

	if c.config.RunID == "" {
		c.config.RunID = uuid.NewString()
	}
	if c.logger == nil {
		c.logger = c.newLogger()
	}
	c.logger = c.logger.WithRunID(c.config.RunID)

	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.observer == nil {
		c.observer = &serialObserver{}
	}
	return c, nil
}

// newLogger builds the logger described by the logging config. An
// unreachable telemetry collector is reported and otherwise ignored.
func (c *Crawler) newLogger() *logger.Logger {
	lc := c.config.Logging
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		level = logger.InfoLevel
	}
	cfg := logger.Config{
		Level:      level,
		Pretty:     lc.Pretty,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
		Component:  "crawler",
	}
	if lc.File != "" {
		cfg.File = &logger.FileConfig{Path: lc.File, MaxSizeMB: 50, MaxBackups: 5, Compress: true}
	}

	var dialErr error
	if lc.SinkURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.telemetry, dialErr = websocket.Dial(ctx, lc.SinkURL, websocket.Options{})
		cancel()
		if dialErr == nil {
			cfg.Extra = c.telemetry
		}
	}

	l := logger.New(cfg)
	if dialErr != nil {
		l.WithError(dialErr).Warn("telemetry collector unavailable, continuing without it")
	}
	return l
}

// Config returns a copy of the effective configuration.
func (c *Crawler) Config() *Config {
	return c.config.Clone()
}

// Run executes the crawl. It always returns a Result; the error is set
// when the run failed.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("crawler is already running")
	}
	defer c.running.Store(false)

	if c.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.TaskTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	result := &Result{
		RunID:     c.config.RunID,
		Portal:    c.config.PortalURL,
		StartedAt: time.Now(),
	}
	c.logger.WithField("searches", len(c.config.Searches)).
		WithField("concurrency", c.config.Concurrency).
		Info("Run started")

	cleanup, err := c.initialize(ctx)
	defer cleanup()
	if err != nil {
		c.recordFatal(err)
		return c.finish(ctx, result, nil), err
	}

	opener := c.opener
	if opener == nil {
		launcher, err := browser.Launch(ctx, c.config.Browser)
		if err != nil {
			err = errors.NewBrowserError("", "launch", err)
			c.recordFatal(err)
			return c.finish(ctx, result, nil), err
		}
		defer launcher.Close()
		opener = launcher
	}

	pool := browser.NewPool(opener, c.config.Concurrency)
	defer pool.Close()

	lanes := make([]*lane, len(c.config.Searches))
	for i, params := range c.config.Searches {
		lanes[i] = newLane(c, i+1, params, pool)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for _, l := range lanes {
		l := l
		g.Go(func() error {
			return l.run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		c.recordFatal(err)
	}

	res := c.finish(ctx, result, lanes)
	if res.Status == StatusFailed {
		return res, c.runError(lanes)
	}
	return res, nil
}

// initialize sets up run-scoped components. The returned cleanup is always
// safe to call.
func (c *Crawler) initialize(ctx context.Context) (func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	c.accepted.Store(0)
	c.errs = nil
	c.stops = make(map[StopReason]bool)
	c.fatal = nil
	c.pacer = ratelimit.New(c.config.Pacing)
	c.breaker = errors.NewBreaker(errors.BreakerConfig{
		FailureThreshold: c.config.Details.FailureThreshold,
		SuccessThreshold: 1,
		Cooldown:         c.config.Details.Cooldown,
	})
	c.breaker.OnStateChange(func(from, to errors.BreakerState) {
		c.logger.WithField("from", from.String()).WithField("to", to.String()).Info("detail breaker changed state")
	})
	estimate := c.config.MaxRecords
	if estimate <= 0 {
		estimate = 50000
	}
	c.seen = cache.NewSeen(estimate)

	if c.output == nil {
		w := c.outputWriter
		if w == nil && c.config.Output.FilePath != "" {
			f, err := os.Create(c.config.Output.FilePath)
			if err != nil {
				return cleanup, errors.NewConfigError(fmt.Sprintf("cannot create output file: %v", err))
			}
			closers = append(closers, func() { f.Close() })
			w = f
		}
		if w != nil {
			ow, err := output.NewWriter(w, c.config.Output)
			if err != nil {
				return cleanup, errors.NewConfigError(err.Error())
			}
			c.output = ow
			closers = append(closers, func() {
				ow.Close()
				c.output = nil
			})
		}
	}
	var stream output.Writer
	if c.output != nil && c.config.Output.Format == output.FormatJSONL {
		stream = c.output
	}
	c.sink = output.NewSink(stream)

	if c.store == nil && c.config.Session.Reuse {
		backend, err := session.OpenBackend(c.config.Session.Store)
		if err != nil {
			c.logger.WithError(err).Warn("session store unavailable, logging in fresh")
		} else {
			store := session.New(backend, c.config.Session.Store, c.logger)
			c.store = store
			closers = append(closers, func() {
				store.Close()
				c.store = nil
			})
		}
	}

	if c.details == nil && c.config.Details.Enabled {
		dc := cache.New[string, extract.Detail](c.config.Details.CacheTTL)
		dc.StartJanitor(time.Minute)
		c.details = dc
		closers = append(closers, func() {
			dc.Close()
			c.details = nil
		})
	}

	if c.telemetry != nil {
		t := c.telemetry
		closers = append(closers, func() {
			sent, dropped := t.Stats()
			c.logger.WithField("sent", sent).WithField("dropped", dropped).Debug("telemetry stream closed")
		})
	}

	return cleanup, ctx.Err()
}

// finish assembles the result, writes it and logs the statistics.
func (c *Crawler) finish(ctx context.Context, result *Result, lanes []*lane) *Result {
	c.metrics.Finish()
	c.metrics.SetActiveContexts(0)

	result.CompletedAt = time.Now()
	if c.sink != nil {
		result.Records = c.sink.Records()
		result.Details = c.sink.Details()
	}
	if result.Records == nil {
		result.Records = []MerchantRecord{}
	}
	for _, l := range lanes {
		result.Searches = append(result.Searches, l.summary)
	}
	result.Stats = c.metrics.Snapshot()

	c.mu.Lock()
	result.Errors = append([]CrawlError(nil), c.errs...)
	result.Status, result.StopReason = c.status(ctx, lanes)
	c.mu.Unlock()

	if c.output != nil {
		if err := c.output.WriteResult(result); err != nil {
			c.logger.WithError(err).Error("failed to write output")
		}
		c.output.Flush()
	}
	if c.sink != nil {
		if err := c.sink.StreamErr(); err != nil {
			c.logger.WithError(err).Warn("record stream stopped early")
		}
	}

	if c.seen != nil && !c.seen.Exact() {
		c.logger.WithField("keys", c.seen.Len()).Warn("dedup outgrew its exact set, later duplicates were judged by the bloom filter")
	}

	c.logger.StatsEvent(result.Stats.Summary())
	c.logger.WithField("status", string(result.Status)).
		WithField("records", len(result.Records)).
		Info("Run finished")
	return result
}

// status derives the run status. The caller holds c.mu.
func (c *Crawler) status(ctx context.Context, lanes []*lane) (Status, StopReason) {
	if c.fatal != nil {
		return StatusFailed, StopFatal
	}

	failed := 0
	for _, l := range lanes {
		if l.summary.Failed {
			failed++
		}
	}
	if len(lanes) > 0 && failed == len(lanes) {
		return StatusFailed, StopFatal
	}

	var reason StopReason
	switch {
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = StopTimeout
	case ctx.Err() != nil:
		reason = StopCancelled
	case c.stops[StopMaxRecords]:
		reason = StopMaxRecords
	case c.stops[StopMaxPages]:
		reason = StopMaxPages
	}

	switch {
	case failed > 0 || len(c.errs) > 0 || reason == StopTimeout || reason == StopCancelled:
		return StatusPartial, reason
	case reason != StopNone:
		return StatusLimitReached, reason
	}
	return StatusCompleted, StopNone
}

// runError picks the error returned alongside a failed result.
func (c *Crawler) runError(lanes []*lane) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	for _, l := range lanes {
		if l.err != nil {
			return l.err
		}
	}
	return fmt.Errorf("every search failed")
}

func (c *Crawler) recordFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

func (c *Crawler) recordError(ce CrawlError) {
	c.mu.Lock()
	c.errs = append(c.errs, ce)
	c.mu.Unlock()
	c.metrics.RecordError(ce.Type)
	c.observer.failure(ce)
}

func (c *Crawler) recordStop(reason StopReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops[reason] = true
}

// reserveRecord claims one slot of the MaxRecords budget.
func (c *Crawler) reserveRecord() bool {
	max := int64(c.config.MaxRecords)
	if max <= 0 {
		c.accepted.Add(1)
		return true
	}
	for {
		n := c.accepted.Load()
		if n >= max {
			return false
		}
		if c.accepted.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Crawler) recordsExhausted() bool {
	max := int64(c.config.MaxRecords)
	return max > 0 && c.accepted.Load() >= max
}

// Stop cancels a running crawl. Lanes finish their current step and the
// partial result is returned from Run.
func (c *Crawler) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// IsRunning reports whether Run is in progress.
func (c *Crawler) IsRunning() bool {
	return c.running.Load()
}

// Metrics returns the statistics collector.
func (c *Crawler) Metrics() *metrics.Collector {
	return c.metrics
}

// Close releases resources held across runs.
func (c *Crawler) Close() error {
	if c.telemetry != nil {
		return c.telemetry.Close()
	}
	return nil
}
