package crawler

import (
	"io"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/auth"
	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/cache"
	"github.com/PentesterFlow/merchantcrawler/internal/extract"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/metrics"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
)

// Option is a functional option for configuring the Crawler.
type Option func(*Crawler) error

// WithConfig replaces the whole configuration. Later options still apply
// on top of it.
func WithConfig(cfg *Config) Option {
	return func(c *Crawler) error {
		if cfg != nil {
			c.config = cfg.Clone()
		}
		return nil
	}
}

// WithPortal sets the portal origin.
func WithPortal(url string) Option {
	return func(c *Crawler) error {
		c.config.PortalURL = url
		return nil
	}
}

// WithCredentials sets the account used for the run.
func WithCredentials(username, password string) Option {
	return func(c *Crawler) error {
		c.config.Credentials = auth.Credentials{Username: username, Password: password}
		return nil
	}
}

// WithSearches sets the filter sets, one lane each.
func WithSearches(params ...search.Params) Option {
	return func(c *Crawler) error {
		c.config.Searches = append([]search.Params(nil), params...)
		return nil
	}
}

// WithMaxPages limits listing pages per search. Negative means unlimited.
func WithMaxPages(n int) Option {
	return func(c *Crawler) error {
		if n < 0 {
			n = 0
		}
		c.config.MaxPages = n
		return nil
	}
}

// WithMaxRecords limits records for the whole run. Negative means unlimited.
func WithMaxRecords(n int) Option {
	return func(c *Crawler) error {
		if n < 0 {
			n = 0
		}
		c.config.MaxRecords = n
		return nil
	}
}

// WithConcurrency sets the number of browser contexts, clamped to the
// supported range.
func WithConcurrency(n int) Option {
	return func(c *Crawler) error {
		if n < 1 {
			n = 1
		}
		if n > browser.MaxContexts {
			n = browser.MaxContexts
		}
		c.config.Concurrency = n
		return nil
	}
}

// WithTimeouts sets the per-request and whole-run timeouts. Zero leaves a
// value unchanged.
func WithTimeouts(request, task time.Duration) Option {
	return func(c *Crawler) error {
		if request > 0 {
			c.config.RequestTimeout = request
		}
		if task > 0 {
			c.config.TaskTimeout = task
		}
		return nil
	}
}

// WithRetries sets the retry budget and the first backoff delay.
func WithRetries(max int, delay time.Duration) Option {
	return func(c *Crawler) error {
		if max < 0 {
			max = 0
		}
		c.config.MaxRetries = max
		if delay >= 0 {
			c.config.RetryDelay = delay
		}
		return nil
	}
}

// WithDetails enables detail page enrichment.
func WithDetails(enabled bool) Option {
	return func(c *Crawler) error {
		c.config.Details.Enabled = enabled
		return nil
	}
}

// WithHeadless toggles headless mode. Headed runs let an operator solve
// image challenges.
func WithHeadless(headless bool) Option {
	return func(c *Crawler) error {
		c.config.Browser.Headless = headless
		return nil
	}
}

// WithRunID sets the run identifier.
func WithRunID(id string) Option {
	return func(c *Crawler) error {
		c.config.RunID = id
		return nil
	}
}

// WithOpener replaces the browser launcher. Tests pass a simulated portal.
func WithOpener(o browser.Opener) Option {
	return func(c *Crawler) error {
		c.opener = o
		return nil
	}
}

// WithSessionStore sets the store used to reuse sessions across runs.
func WithSessionStore(s *session.Store) Option {
	return func(c *Crawler) error {
		c.store = s
		return nil
	}
}

// WithDetailCache shares a detail page cache between runs.
func WithDetailCache(dc *cache.Cache[string, extract.Detail]) Option {
	return func(c *Crawler) error {
		c.details = dc
		return nil
	}
}

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(c *Crawler) error {
		c.observer = &serialObserver{o: o}
		return nil
	}
}

// WithEngineOptions passes options to every lane's anti-detection engine.
func WithEngineOptions(opts ...antidetect.Option) Option {
	return func(c *Crawler) error {
		c.engineOpts = append(c.engineOpts, opts...)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Crawler) error {
		c.logger = l
		return nil
	}
}

// WithMetrics sets the statistics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Crawler) error {
		c.metrics = m
		return nil
	}
}

// WithOutput sets where results are written, in the configured format.
func WithOutput(w io.Writer) Option {
	return func(c *Crawler) error {
		c.outputWriter = w
		return nil
	}
}
