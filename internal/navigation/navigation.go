// Package navigation moves an authenticated page from wherever it is to
// the merchant directory.
package navigation

import (
	"context"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/locator"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/scope"
)

// PageKind classifies the page the browser is on.
type PageKind int

const (
	Neither PageKind = iota
	Dashboard
	Directory
)

func (k PageKind) String() string {
	switch k {
	case Dashboard:
		return "dashboard"
	case Directory:
		return "directory"
	default:
		return "neither"
	}
}

// Markers identify pages and controls. Each list is tried in order.
type Markers struct {
	// Authenticated is chrome present on every signed-in page.
	Authenticated []string `yaml:"authenticated" json:"authenticated"`
	Dashboard     []string `yaml:"dashboard" json:"dashboard"`
	Directory     []string `yaml:"directory" json:"directory"`
	// MenuToggles open the collapsed menu holding the directory link.
	MenuToggles []string `yaml:"menu_toggles" json:"menu_toggles"`

	LinkAttr    string `yaml:"link_attr" json:"link_attr"`
	LinkExact   string `yaml:"link_exact" json:"link_exact"`
	LinkPartial string `yaml:"link_partial" json:"link_partial"`
	LinkText    string `yaml:"link_text" json:"link_text"`
}

// DefaultMarkers matches the portal's current markup.
func DefaultMarkers() Markers {
	return Markers{
		Authenticated: []string{"#user-menu", "a#logout", "a[href*='logout']"},
		Dashboard:     []string{".dashboard", "#dashboard", "[data-page='dashboard']"},
		Directory:     []string{"table#merchant-table", "form#merchant-search", "[data-page='merchant-directory']"},
		MenuToggles: []string{
			"[data-bs-toggle='collapse'][data-bs-target]",
			"[data-toggle='collapse'][data-target]",
			"[aria-controls][aria-expanded]",
		},
		LinkAttr:    "data-nav",
		LinkExact:   "merchant-directory",
		LinkPartial: "/merchants/directory",
		LinkText:    "Merchant Directory",
	}
}

// Config holds URLs, markers and timeouts.
type Config struct {
	DashboardURL string        `yaml:"dashboard_url" json:"dashboard_url"`
	Markers      Markers       `yaml:"markers" json:"markers"`
	NavTimeout   time.Duration `yaml:"nav_timeout" json:"nav_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns default markers and timeouts.
func DefaultConfig() Config {
	return Config{
		Markers:     DefaultMarkers(),
		NavTimeout:  20 * time.Second,
		IdleTimeout: 5 * time.Second,
	}
}

// Evasion is the subset of the anti-detection engine used here.
type Evasion interface {
	Pause(ctx context.Context) error
	ClickLikeHuman(ctx context.Context, page browser.Page, t browser.Target) error
}

// Result is the outcome of NavigateToDirectory.
type Result struct {
	Success bool
	From    PageKind
	URL     string
	// Strategy names the locator that found the directory link.
	Strategy string
	Err      error
}

// Controller drives the page to the directory.
type Controller struct {
	cfg     Config
	scope   *scope.Checker
	evasion Evasion
	log     *logger.Logger

	authed    locator.Chain
	dashboard locator.Chain
	directory locator.Chain
	toggles   locator.Chain
	link      locator.Chain
}

// New creates a controller. sc bounds where the directory link may lead.
func New(cfg Config, sc *scope.Checker, evasion Evasion, log *logger.Logger) *Controller {
	def := DefaultConfig()
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = def.NavTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	m := cfg.Markers
	if len(m.Directory) == 0 && len(m.Dashboard) == 0 {
		m = def.Markers
		cfg.Markers = m
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		cfg:       cfg,
		scope:     sc,
		evasion:   evasion,
		log:       log.WithComponent("navigation"),
		authed:    locator.CSS(m.Authenticated...),
		dashboard: locator.CSS(m.Dashboard...),
		directory: locator.CSS(m.Directory...),
		toggles:   locator.CSS(m.MenuToggles...),
		link:      locator.Link(m.LinkAttr, m.LinkExact, m.LinkPartial, m.LinkText),
	}
}

// DetectCurrentPage classifies the page from DOM markers. Directory and
// dashboard both require authenticated chrome.
func (c *Controller) DetectCurrentPage(ctx context.Context, page browser.Page) PageKind {
	if !c.authed.Has(ctx, page) {
		return Neither
	}
	if c.directory.Has(ctx, page) {
		return Directory
	}
	if c.dashboard.Has(ctx, page) {
		return Dashboard
	}
	return Neither
}

// NavigateToDirectory reaches the directory the way a user would: from
// the dashboard, through the tools menu.
func (c *Controller) NavigateToDirectory(ctx context.Context, page browser.Page) Result {
	from := c.DetectCurrentPage(ctx, page)
	res := Result{From: from, URL: page.URL()}
	if from == Directory {
		res.Success = true
		return res
	}
	log := c.log.WithField("from", from.String())

	if from == Neither {
		if c.cfg.DashboardURL == "" {
			res.Err = errors.NewConfigError("dashboard URL is required to leave an unknown page")
			return res
		}
		status, err := page.Navigate(ctx, c.cfg.DashboardURL)
		if err != nil {
			res.Err = errors.Categorize(err, c.cfg.DashboardURL, "navigate")
			return res
		}
		if cerr := errors.CategorizeStatus(status, page.URL(), "navigate"); cerr != nil {
			res.Err = cerr
			return res
		}
		if c.DetectCurrentPage(ctx, page) != Dashboard {
			res.URL = page.URL()
			res.Err = errors.NewNavigationError(res.URL, "navigate", "could not return to the dashboard")
			return res
		}
	}

	c.scroll(ctx, page)

	if err := c.expandMenu(ctx, page); err != nil {
		log.WithError(err).Debug("menu toggle did not respond")
	}

	match, ok := c.link.First(ctx, page)
	if !ok {
		res.URL = page.URL()
		res.Err = errors.NewNavigationError(res.URL, "navigate", "directory link not found")
		return res
	}
	res.Strategy = match.Strategy
	log = log.WithField("strategy", match.Strategy)

	if href, ok := page.Attr(ctx, match.Target, "href"); ok && c.scope != nil && !c.scope.SameSite(href) {
		res.Err = errors.NewNavigationError(page.URL(), "navigate", "directory link leaves the portal: "+href)
		return res
	}

	wait := page.ExpectNavigation(ctx, c.cfg.NavTimeout)
	if err := c.evasion.ClickLikeHuman(ctx, page, match.Target); err != nil {
		res.URL = page.URL()
		res.Err = errors.Categorize(err, res.URL, "navigate")
		return res
	}
	if err := wait(); err != nil {
		res.URL = page.URL()
		res.Err = errors.NewTimeoutError(res.URL, "navigate", err)
		return res
	}
	res.URL = page.URL()
	if c.scope != nil && !c.scope.SameSite(res.URL) {
		res.Err = errors.NewNavigationError(res.URL, "navigate", "navigation left the portal")
		return res
	}

	// Some environments never reach network idle; that is not a failure.
	if err := page.WaitIdle(ctx, c.cfg.IdleTimeout); err != nil {
		log.WithError(err).Debug("soft idle wait timed out")
	}
	if ctx.Err() != nil {
		res.Err = errors.NewCancelledError(res.URL, "navigate")
		return res
	}

	if kind := c.DetectCurrentPage(ctx, page); kind != Directory {
		res.Err = errors.NewNavigationError(res.URL, "navigate", "landed on "+kind.String()+" instead of the directory")
		return res
	}
	res.Success = true
	log.Info("reached merchant directory")
	return res
}

func (c *Controller) scroll(ctx context.Context, page browser.Page) {
	_ = page.Scroll(ctx, 0, 240)
	_ = c.evasion.Pause(ctx)
	_ = page.Scroll(ctx, 0, -240)
}

// expandMenu opens a collapsed menu whose toggle names a target that is not
// shown yet. Already expanded menus are left alone.
func (c *Controller) expandMenu(ctx context.Context, page browser.Page) error {
	m, ok := c.toggles.First(ctx, page)
	if !ok {
		return nil
	}
	if v, ok := page.Attr(ctx, m.Target, "aria-expanded"); ok && v == "true" {
		return nil
	}
	target, ok := page.Attr(ctx, m.Target, "data-bs-target")
	if !ok {
		target, _ = page.Attr(ctx, m.Target, "data-target")
	}
	if target != "" && page.Has(ctx, browser.CSS(target+".show")) {
		return nil
	}
	if err := c.evasion.ClickLikeHuman(ctx, page, m.Target); err != nil {
		return err
	}
	return c.evasion.Pause(ctx)
}
