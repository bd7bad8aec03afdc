// Package search fills the merchant directory's filter form and walks its
// pagination.
package search

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/locator"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
)

// Params is one filter set for the directory. Empty fields keep the
// portal's default.
type Params struct {
	Term        string `yaml:"term" json:"term,omitempty"`
	Network     string `yaml:"network" json:"network,omitempty"`
	Category    string `yaml:"category" json:"category,omitempty"`
	Country     string `yaml:"country" json:"country,omitempty"`
	DisplayMode string `yaml:"display_mode" json:"display_mode,omitempty"`
}

// IsZero reports whether p selects the unfiltered directory.
func (p Params) IsZero() bool {
	return p == Params{}
}

// Key is a stable label for logs and lane names.
func (p Params) Key() string {
	if p.IsZero() {
		return "all"
	}
	var parts []string
	for _, kv := range [][2]string{
		{"term", p.Term}, {"network", p.Network}, {"category", p.Category},
		{"country", p.Country}, {"display", p.DisplayMode},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, ",")
}

// Fields are the selectors of the filter controls.
type Fields struct {
	Term     string `yaml:"term" json:"term"`
	Network  string `yaml:"network" json:"network"`
	Category string `yaml:"category" json:"category"`
	Country  string `yaml:"country" json:"country"`
	Display  string `yaml:"display" json:"display"`
}

// Config holds the directory markup and timeouts.
type Config struct {
	Form         []string `yaml:"form" json:"form"`
	Fields       Fields   `yaml:"fields" json:"fields"`
	Submit       []string `yaml:"submit" json:"submit"`
	Grid         string   `yaml:"grid" json:"grid"`
	Rows         string   `yaml:"rows" json:"rows"`
	PageInfo     []string `yaml:"page_info" json:"page_info"`
	ResultsCount []string `yaml:"results_count" json:"results_count"`
	Next         []string `yaml:"next" json:"next"`

	// DefaultDisplay is the display mode the portal renders without a choice.
	DefaultDisplay string `yaml:"default_display" json:"default_display"`

	NavTimeout  time.Duration `yaml:"nav_timeout" json:"nav_timeout"`
	GridTimeout time.Duration `yaml:"grid_timeout" json:"grid_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig matches the portal's current directory markup.
func DefaultConfig() Config {
	return Config{
		Form: []string{"form#merchant-search", "form[action*='merchants']", "form[role='search']"},
		Fields: Fields{
			Term:     "input[name='search']",
			Network:  "select[name='network']",
			Category: "select[name='category']",
			Country:  "select[name='country']",
			Display:  "select[name='display']",
		},
		Submit:         []string{"#search-submit", "form#merchant-search button[type='submit']", "button[type='submit']"},
		Grid:           "table#merchant-table",
		Rows:           "table#merchant-table tbody tr",
		PageInfo:       []string{".page-info", ".pagination .current", "[aria-current='page']"},
		ResultsCount:   []string{".results-count", ".result-count", "[data-results]"},
		Next:           []string{"a.page-next", "a[rel='next']", ".pagination a[aria-label='Next']"},
		DefaultDisplay: "table",
		NavTimeout:     20 * time.Second,
		GridTimeout:    15 * time.Second,
		IdleTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Form) == 0 {
		c.Form = def.Form
	}
	if c.Fields == (Fields{}) {
		c.Fields = def.Fields
	}
	if len(c.Submit) == 0 {
		c.Submit = def.Submit
	}
	if c.Grid == "" {
		c.Grid = def.Grid
	}
	if c.Rows == "" {
		c.Rows = def.Rows
	}
	if len(c.PageInfo) == 0 {
		c.PageInfo = def.PageInfo
	}
	if len(c.ResultsCount) == 0 {
		c.ResultsCount = def.ResultsCount
	}
	if len(c.Next) == 0 {
		c.Next = def.Next
	}
	if c.DefaultDisplay == "" {
		c.DefaultDisplay = def.DefaultDisplay
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = def.NavTimeout
	}
	if c.GridTimeout <= 0 {
		c.GridTimeout = def.GridTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// Evasion is the subset of the anti-detection engine used here.
type Evasion interface {
	Pause(ctx context.Context) error
	ClickLikeHuman(ctx context.Context, page browser.Page, t browser.Target) error
}

// Result is the outcome of PerformSearch.
type Result struct {
	Success      bool
	ResultsCount int
	// Filled lists the filters that were changed from their defaults.
	Filled []string
	Err    error
}

// Controller runs searches and pagination on one page at a time.
type Controller struct {
	cfg     Config
	evasion Evasion
	log     *logger.Logger

	form     locator.Chain
	submit   locator.Chain
	pageInfo locator.Chain
	count    locator.Chain
	next     locator.Chain
}

// New creates a controller; zero config fields take defaults.
func New(cfg Config, evasion Evasion, log *logger.Logger) *Controller {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		cfg:      cfg,
		evasion:  evasion,
		log:      log.WithComponent("search"),
		form:     locator.CSS(cfg.Form...),
		submit:   locator.CSS(cfg.Submit...),
		pageInfo: locator.CSS(cfg.PageInfo...),
		count:    locator.CSS(cfg.ResultsCount...),
		next:     locator.CSS(cfg.Next...),
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

type filter struct {
	name     string
	selector string
	value    string
	text     bool
}

func (c *Controller) filters(p Params) []filter {
	f := c.cfg.Fields
	all := []filter{
		{"term", f.Term, p.Term, true},
		{"network", f.Network, p.Network, false},
		{"category", f.Category, p.Category, false},
		{"country", f.Country, p.Country, false},
		{"display", f.Display, p.DisplayMode, false},
	}
	out := all[:0]
	for _, x := range all {
		if x.value == "" || x.selector == "" {
			continue
		}
		if x.name == "display" && strings.EqualFold(x.value, c.cfg.DefaultDisplay) {
			continue
		}
		out = append(out, x)
	}
	return out
}

// PerformSearch applies the non-default filters of p, submits the form and
// waits for the result grid.
func (c *Controller) PerformSearch(ctx context.Context, page browser.Page, p Params) Result {
	var res Result
	log := c.log.WithField("search", p.Key())

	if !c.form.Has(ctx, page) {
		if ctx.Err() != nil {
			res.Err = errors.NewCancelledError(page.URL(), "search")
			return res
		}
		res.Err = errors.NewNavigationError(page.URL(), "search", "search form not found")
		return res
	}

	for _, f := range c.filters(p) {
		t := browser.CSS(f.selector)
		var err error
		if f.text {
			if cerr := c.evasion.ClickLikeHuman(ctx, page, t); cerr != nil && ctx.Err() != nil {
				res.Err = errors.NewCancelledError(page.URL(), "search")
				return res
			}
			err = page.Fill(ctx, t, f.value)
		} else {
			err = page.Select(ctx, t, f.value)
		}
		if err != nil {
			res.Err = errors.NewCrawlError(errors.Navigation, page.URL(), "search",
				"cannot set "+f.name+" filter to "+strconv.Quote(f.value), err)
			return res
		}
		res.Filled = append(res.Filled, f.name)
		if err := c.evasion.Pause(ctx); err != nil {
			res.Err = errors.NewCancelledError(page.URL(), "search")
			return res
		}
	}

	wait := page.ExpectNavigation(ctx, c.cfg.NavTimeout)
	if m, ok := c.submit.First(ctx, page); ok {
		if err := c.evasion.ClickLikeHuman(ctx, page, m.Target); err != nil {
			res.Err = errors.Categorize(err, page.URL(), "search")
			return res
		}
	} else if err := page.Press(ctx, "Enter"); err != nil {
		res.Err = errors.NewBrowserError(page.URL(), "search", err)
		return res
	}
	if err := wait(); err != nil {
		log.WithError(err).Debug("no navigation after search submit")
	}
	if err := page.WaitIdle(ctx, c.cfg.IdleTimeout); err != nil {
		log.WithError(err).Debug("soft idle wait timed out")
	}

	if err := page.WaitFor(ctx, browser.CSS(c.cfg.Grid), c.cfg.GridTimeout); err != nil {
		if ctx.Err() != nil {
			res.Err = errors.NewCancelledError(page.URL(), "search")
			return res
		}
		res.Err = errors.NewTimeoutError(page.URL(), "search", err)
		return res
	}

	res.ResultsCount = c.resultsCount(ctx, page)
	res.Success = true
	log.WithField("results", res.ResultsCount).Info("search complete")
	return res
}

var leadingNumber = regexp.MustCompile(`\d[\d,.]*`)

// resultsCount reads the result counter, falling back to the rows on the
// current page.
func (c *Controller) resultsCount(ctx context.Context, page browser.Page) int {
	if m, ok := c.count.First(ctx, page); ok {
		if text, err := page.ElementText(ctx, m.Target); err == nil {
			if n, ok := parseInt(leadingNumber.FindString(text)); ok {
				return n
			}
		}
	}
	return page.Count(ctx, browser.CSS(c.cfg.Rows))
}

func parseInt(s string) (int, bool) {
	s = strings.NewReplacer(",", "", ".", "").Replace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}
