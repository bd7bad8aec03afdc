package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/auth"
	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/cache"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/extract"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/navigation"
	"github.com/PentesterFlow/merchantcrawler/internal/queue"
	"github.com/PentesterFlow/merchantcrawler/internal/scope"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
)

// lane runs one search in its own browser context. Its requests are
// processed strictly in queue order.
type lane struct {
	id     int
	c      *Crawler
	params search.Params
	pool   *browser.Pool
	log    *logger.Logger

	page      browser.Page
	engine    *antidetect.Engine
	auth      *auth.Authenticator
	nav       *navigation.Controller
	search    *search.Controller
	pager     *search.Paginator
	extractor *extract.Extractor
	queue     *queue.Queue
	retrier   *errors.Retrier

	// listingURL is the last listing page shown, for returning from
	// detail pages.
	listingURL string

	summary       SearchSummary
	err           error
	breakerWarned bool
}

func newLane(c *Crawler, id int, params search.Params, pool *browser.Pool) *lane {
	return &lane{
		id:        id,
		c:         c,
		params:    params,
		pool:      pool,
		log:       c.logger.WithLane(id).WithField("search", params.Key()),
		extractor: extract.New(),
		queue:     queue.New(),
		summary:   SearchSummary{Lane: id, Search: params.Key()},
	}
}

// run processes the lane's queue. Only errors that must stop the whole run
// are returned; everything else is recorded on the lane.
func (l *lane) run(ctx context.Context) error {
	defer l.queue.Close()

	if err := l.setup(ctx); err != nil {
		l.fail(queue.Login, 0, err)
		return l.escalate(err)
	}
	defer func() {
		l.pool.Release(l.page)
		l.c.metrics.SetActiveContexts(int64(l.pool.Stats().Active))
	}()

	for _, req := range []*queue.Request{
		{Label: queue.Login, URL: l.c.config.Auth.LoginURL},
		{Label: queue.Navigate, URL: l.c.config.Navigation.DashboardURL},
		{Label: queue.Search},
		{Label: queue.List, Page: 1},
	} {
		l.queue.Push(req)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		req, err := l.queue.Pop()
		if err != nil {
			return nil
		}

		if req.Label == queue.Detail && !l.detailAllowed() {
			continue
		}

		err = l.handle(ctx, req)
		if req.Label == queue.Detail {
			l.detailDone(err)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		l.fail(req.Label, req.Page, err)
		switch req.Label {
		case queue.Login, queue.Navigate, queue.Search:
			// Without a listing there is nothing left to do.
			l.queue.Clear()
			return l.escalate(err)
		case queue.List:
			l.c.metrics.RecordPage(false)
			l.queue.DropLabel(queue.List)
			if errors.IsBlocked(err) {
				return l.escalate(err)
			}
		case queue.Detail:
			if errors.IsBlocked(err) {
				return l.escalate(err)
			}
		}
	}
}

// setup opens the lane's browser context and builds its components.
func (l *lane) setup(ctx context.Context) error {
	cfg := l.c.config
	rotator := browser.NewRotator(cfg.Browser.Personas)
	persona := rotator.Next()

	page, err := l.pool.Acquire(ctx, persona)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("", "open_context")
		}
		return errors.NewBrowserError("", "open_context", err)
	}
	l.page = page
	l.c.metrics.SetActiveContexts(int64(l.pool.Stats().Active))

	opts := append([]antidetect.Option{
		antidetect.WithLogger(l.log),
		antidetect.WithRotator(rotator),
	}, l.c.engineOpts...)
	l.engine = antidetect.New(cfg.AntiDetection, opts...)

	l.auth, err = auth.New(cfg.Auth, cfg.Credentials, l.engine, l.log)
	if err != nil {
		l.pool.Release(page)
		return err
	}
	l.nav = navigation.New(cfg.Navigation, l.c.scope, l.engine, l.log)
	l.search = search.New(cfg.Search, l.engine, l.log)
	l.pager = l.search.Paginate(cfg.MaxPages)

	l.retrier = errors.NewRetrier(errors.RetryConfig{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
		Multiplier:   2,
		Jitter:       0.25,
		RetryableTypes: []errors.ErrorType{
			errors.Network,
			errors.Timeout,
			errors.Navigation,
			errors.Browser,
		},
	})
	l.retrier.OnRetry(func(attempt int, err error, delay time.Duration) {
		l.c.metrics.RecordRetry()
		l.log.WithError(err).WithField("attempt", attempt).WithField("delay", delay.String()).Debug("retrying step")
	})
	return nil
}

// handle runs one request with retries. A blocking detection gets one
// session recreation; a second detection on the same step is returned.
func (l *lane) handle(ctx context.Context, req *queue.Request) error {
	recreated := false
	if req.Label == queue.List {
		var err error
		if recreated, err = l.ensureHealthy(ctx); err != nil {
			return err
		}
	}
	for {
		res := l.retrier.Do(ctx, string(req.Label), req.URL, func(ctx context.Context, attempt int) error {
			req.Attempts++
			return l.attempt(ctx, req)
		})
		l.c.metrics.RecordStep(res.Duration)
		l.log.StepEvent(string(req.Label), req.URL, req.Page, res.Attempts, res.Duration, res.LastError)

		if res.Success {
			l.c.pacer.OnSuccess()
			return nil
		}
		err := res.LastError
		if !errors.IsBlocked(err) || recreated || ctx.Err() != nil {
			return err
		}

		recreated = true
		if rerr := l.recover(ctx, req.Label); rerr != nil {
			return rerr
		}
	}
}

// ensureHealthy recreates a worn out or burnt session before a listing
// page is requested. A challenge is handed to the engine first. It reports
// whether the session was recreated because of a blocking signal.
func (l *lane) ensureHealthy(ctx context.Context) (bool, error) {
	health := l.engine.GetSessionHealth(ctx, l.page)
	if health.Challenged {
		l.c.metrics.RecordCaptcha()
		if !l.engine.HandleCaptcha(ctx, l.page) {
			if ctx.Err() != nil {
				return false, errors.NewCancelledError(l.page.URL(), "list")
			}
			return false, errors.NewChallengeError(health.Detection.URL, "list",
				l.engine.Classify(ctx, l.page).String())
		}
		l.log.Info("challenge cleared before listing")
		health = l.engine.GetSessionHealth(ctx, l.page)
	}
	if health.Healthy {
		return false, nil
	}
	l.log.WithField("reason", health.Reason).Warn("session unhealthy, recreating before listing")
	if health.Blocked {
		l.blocked(health.Detection.Check, health.Detection.URL)
	}
	return health.Blocked, l.recover(ctx, queue.List)
}

// attempt is a single paced, time-boxed try of req.
func (l *lane) attempt(ctx context.Context, req *queue.Request) error {
	step := string(req.Label)
	if err := l.c.pacer.Wait(ctx); err != nil {
		return errors.NewCancelledError(req.URL, step)
	}

	rctx, cancel := context.WithTimeout(ctx, l.c.config.RequestTimeout)
	defer cancel()

	var err error
	switch req.Label {
	case queue.Login:
		err = l.login(rctx)
	case queue.Navigate:
		err = l.navigate(rctx)
	case queue.Search:
		err = l.runSearch(rctx)
	case queue.List:
		err = l.list(rctx, req)
	case queue.Detail:
		err = l.detail(rctx, req)
	default:
		err = fmt.Errorf("unknown request label %q", req.Label)
	}
	l.engine.CountAction()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.NewCancelledError(req.URL, step)
	}
	return l.inspect(ctx, step, err)
}

// inspect looks at the page after a failed step. A challenge is handed to
// the engine; a blocking signal turns the failure into a Blocked error.
func (l *lane) inspect(ctx context.Context, step string, err error) error {
	if !errors.IsRetryable(err) && !errors.IsBlocked(err) {
		return err
	}

	cfg := l.c.config.AntiDetection
	if cfg.DetectBlocking {
		d := l.engine.Inspect(ctx, l.page)
		switch {
		case d.Captcha:
			l.c.metrics.RecordCaptcha()
			if l.engine.HandleCaptcha(ctx, l.page) {
				// solved; the retrier repeats the step
				return err
			}
			return errors.NewChallengeError(d.URL, step, l.engine.Classify(ctx, l.page).String())
		case d.Blocked:
			l.blocked(d.Check, d.URL)
			return errors.NewBlockedError(d.URL, step, d.Check, d.Signal, d.Status)
		}
	}

	if ce, ok := errors.AsCrawlError(err); ok && ce.Type == errors.Blocked {
		l.blocked(ce.Check, ce.URL)
	}
	return err
}

func (l *lane) blocked(check, url string) {
	l.c.metrics.RecordBlocking(check)
	l.c.pacer.OnBlocked()
	l.c.observer.warning(fmt.Sprintf("lane %d: blocking detected by %s check on %s", l.id, check, url))
}

// recover recreates the session and brings the lane back to where label
// expects to start.
func (l *lane) recover(ctx context.Context, label queue.Label) error {
	l.c.metrics.RecordRecreation()
	log := l.log.WithField("step", string(label))
	log.Warn("recreating session after blocking")

	if !l.engine.RecreateSession(ctx, l.page) {
		if ctx.Err() != nil {
			return errors.NewCancelledError(l.page.URL(), "recreate_session")
		}
		return errors.NewCrawlError(errors.Blocked, l.page.URL(), "recreate_session",
			"session could not be recreated", nil)
	}
	if l.c.store != nil {
		if err := l.c.store.Invalidate(ctx); err != nil {
			log.WithError(err).Warn("could not drop the stored session")
		}
	}

	var steps []queue.Label
	switch label {
	case queue.Navigate, queue.Detail:
		steps = []queue.Label{queue.Login}
	case queue.Search:
		steps = []queue.Label{queue.Login, queue.Navigate}
	case queue.List:
		steps = []queue.Label{queue.Login, queue.Navigate, queue.Search}
	}
	for _, s := range steps {
		res := l.retrier.Do(ctx, string(s), "", func(ctx context.Context, _ int) error {
			return l.attempt(ctx, &queue.Request{Label: s})
		})
		if !res.Success {
			return res.LastError
		}
	}
	log.Info("position re-established")
	return nil
}

// =============================================================================
// Steps
// =============================================================================

func (l *lane) login(ctx context.Context) error {
	store := l.c.store
	identity := l.auth.Identity()

	if store != nil {
		if st := store.Load(ctx, identity); st != nil {
			if err := l.auth.Restore(ctx, l.page, st); err == nil && l.auth.Verify(ctx, l.page) {
				l.c.metrics.RecordSessionReuse()
				if err := store.Touch(ctx); err != nil {
					l.log.WithError(err).Debug("could not refresh session activity")
				}
				l.log.Info("reusing stored session")
				return nil
			}
			if err := store.Invalidate(ctx); err != nil {
				l.log.WithError(err).Debug("could not drop rejected session")
			}
			if err := l.page.ClearState(ctx); err != nil {
				return errors.NewBrowserError(l.page.URL(), "login", err)
			}
		}
	}

	res := l.auth.Login(ctx, l.page)
	if !res.OK() {
		if res.Err == nil {
			return errors.NewAuthError(res.URL, fmt.Sprintf("login stopped in state %s", res.State))
		}
		return res.Err
	}

	if store != nil {
		st, err := l.auth.Capture(ctx, l.page)
		if err != nil {
			l.log.WithError(err).Warn("could not capture session")
			return nil
		}
		if err := store.Save(ctx, st, identity); err != nil {
			l.log.WithError(err).Warn("could not store session")
		}
	}
	return nil
}

func (l *lane) navigate(ctx context.Context) error {
	res := l.nav.NavigateToDirectory(ctx, l.page)
	if !res.Success {
		return res.Err
	}
	return nil
}

func (l *lane) runSearch(ctx context.Context) error {
	res := l.search.PerformSearch(ctx, l.page, l.params)
	if !res.Success {
		return res.Err
	}
	l.summary.Results = res.ResultsCount
	return nil
}

// list extracts one listing page and queues the next one.
func (l *lane) list(ctx context.Context, req *queue.Request) error {
	step, err := l.turnTo(ctx, req.Page)
	if err != nil {
		return err
	}
	if step.Stop != search.StopNone {
		l.stop(step.Stop)
		return nil
	}

	html, err := l.page.HTML(ctx)
	if err != nil {
		return errors.NewBrowserError(l.page.URL(), "list", err)
	}
	l.listingURL = l.page.URL()
	res := l.extractor.ExtractList(html, l.page.URL(), step.Page)
	l.c.metrics.RecordPage(true)
	l.c.metrics.RecordRows(res.Succeeded, res.Failed)
	for _, re := range res.RowErrors {
		l.log.WithField("row", re.Row).WithField("reason", re.Reason).Debug("row skipped")
	}

	accepted, capped := l.accept(res.Records)

	l.summary.Pages++
	l.summary.Records += accepted
	l.summary.TotalPages = step.Info.TotalPages
	l.c.observer.pageProgress(PageProgress{
		Lane:       l.id,
		Search:     l.params.Key(),
		Page:       step.Page,
		TotalPages: step.Info.TotalPages,
		Records:    accepted,
	})

	if err := l.engine.SimulateHumanBehavior(ctx, l.page); err != nil && ctx.Err() != nil {
		return errors.NewCancelledError(l.page.URL(), "list")
	}

	if capped || l.c.recordsExhausted() {
		l.summary.Stop = string(StopMaxRecords)
		l.c.recordStop(StopMaxRecords)
		return nil
	}
	if stop := l.pager.StopAfter(step.Info); stop != search.StopNone {
		l.stop(stop)
		return nil
	}
	l.queue.Push(&queue.Request{Label: queue.List, URL: req.URL, Page: step.Page + 1})
	return nil
}

// accept deduplicates records and hands them to the sink. It reports
// whether the run's record budget ran out.
func (l *lane) accept(records []extract.Record) (int, bool) {
	details := l.c.config.Details.Enabled && l.c.details != nil
	accepted := 0
	for _, rec := range records {
		if !l.c.seen.Add(recordKey(rec)) {
			l.c.metrics.RecordDuplicate()
			continue
		}
		if !l.c.reserveRecord() {
			return accepted, true
		}
		if err := l.c.sink.AppendRecord(rec); err != nil {
			l.log.WithError(err).Warn("record rejected")
			continue
		}
		accepted++
		l.c.metrics.RecordMerchant(rec)
		l.c.observer.merchant(rec)

		if details && rec.DetailURL != "" && l.c.scope.Allowed(rec.DetailURL) {
			l.queue.Push(&queue.Request{Label: queue.Detail, URL: rec.DetailURL, Payload: rec})
		}
	}
	return accepted, false
}

// recordKey identifies a listing row across lanes.
func recordKey(rec extract.Record) string {
	detail := rec.DetailURL
	if detail != "" {
		if n, err := scope.NormalizeURL(detail); err == nil {
			detail = n
		}
	}
	return cache.RecordKey(detail, rec.Name, rec.Network, rec.Country)
}

// turnTo brings the listing to page n. It is safe to repeat: a page that
// is already showing is not turned again.
func (l *lane) turnTo(ctx context.Context, n int) (search.Step, error) {
	if n <= 1 {
		l.pager.Reset(0)
		step := l.pager.Advance(ctx, l.page)
		return step, step.Err
	}

	info, err := l.search.GetPaginationInfo(ctx, l.page)
	if err != nil && l.listingURL != "" && ctx.Err() == nil {
		// detail visits leave the listing behind
		status, nerr := l.page.Navigate(ctx, l.listingURL)
		if nerr != nil {
			return search.Step{}, errors.Categorize(nerr, l.listingURL, "list")
		}
		if cerr := errors.CategorizeStatus(status, l.page.URL(), "list"); cerr != nil {
			return search.Step{}, cerr
		}
		info, err = l.search.GetPaginationInfo(ctx, l.page)
	}
	if err != nil {
		return search.Step{}, err
	}
	switch {
	case info.CurrentPage == n:
		l.pager.Reset(n)
		return search.Step{Page: n, Info: info}, nil
	case info.CurrentPage > n:
		return search.Step{}, errors.NewNavigationError(l.page.URL(), "list",
			fmt.Sprintf("listing shows page %d, expected %d", info.CurrentPage, n))
	case info.CurrentPage < n-1:
		if err := l.search.Seek(ctx, l.page, n-1); err != nil {
			return search.Step{}, err
		}
	}

	l.pager.Reset(n - 1)
	step := l.pager.Advance(ctx, l.page)
	return step, step.Err
}

func (l *lane) stop(reason search.StopReason) {
	l.summary.Stop = string(reason)
	if reason == search.StopLimitReached {
		l.c.recordStop(StopMaxPages)
	}
}

// detail enriches one record from its detail page, using the cache when
// the page was seen recently.
func (l *lane) detail(ctx context.Context, req *queue.Request) error {
	rec, _ := req.Payload.(extract.Record)
	key, err := scope.NormalizeURL(req.URL)
	if err != nil {
		key = req.URL
	}

	if d, ok := l.c.details.Get(key); ok {
		d.Record = rec
		l.c.metrics.RecordDetailCacheHit()
		return l.appendDetail(d)
	}

	status, err := l.page.Navigate(ctx, req.URL)
	if err != nil {
		return errors.Categorize(err, req.URL, "detail")
	}
	if cerr := errors.CategorizeStatus(status, l.page.URL(), "detail"); cerr != nil {
		return cerr
	}
	if l.c.config.AntiDetection.DetectBlocking {
		if d := l.engine.Inspect(ctx, l.page); d.Blocked && !d.Captcha {
			return errors.NewBlockedError(d.URL, "detail", d.Check, d.Signal, d.Status)
		}
	}

	html, err := l.page.HTML(ctx)
	if err != nil {
		return errors.NewBrowserError(l.page.URL(), "detail", err)
	}
	d, err := l.extractor.ExtractDetail(html, l.page.URL(), rec)
	if err != nil {
		return errors.NewExtractionError(l.page.URL(), "detail", err)
	}
	l.c.details.Set(key, d)
	return l.appendDetail(d)
}

func (l *lane) appendDetail(d extract.Detail) error {
	if err := l.c.sink.AppendDetail(d); err != nil {
		return errors.NewExtractionError(d.DetailURL, "detail", err)
	}
	l.c.metrics.RecordDetail(&d)
	return nil
}

// detailAllowed consults the breaker. Once it is open the remaining
// details of the lane are skipped with a single warning.
func (l *lane) detailAllowed() bool {
	if l.c.breaker.Allow() {
		return true
	}
	dropped := l.queue.DropLabel(queue.Detail)
	l.c.metrics.RecordDetailSkipped(1 + len(dropped))
	if !l.breakerWarned {
		l.breakerWarned = true
		msg := fmt.Sprintf("lane %d: detail pages keep failing, skipping the remaining details", l.id)
		l.log.Warn(msg)
		l.c.observer.warning(msg)
	}
	return false
}

func (l *lane) detailDone(err error) {
	if err == nil {
		l.c.breaker.Success()
		return
	}
	l.c.breaker.Failure()
	l.c.metrics.RecordDetail(nil)
}

// fail records a step that ran out of retries.
func (l *lane) fail(label queue.Label, page int, err error) {
	ce := newCrawlError(l.id, string(label), page, err)
	l.c.recordError(ce)
	l.log.WithError(err).WithField("step", string(label)).Warn("step failed")

	switch label {
	case queue.Login, queue.Navigate, queue.Search:
		l.summary.Failed = true
		l.summary.Error = err.Error()
		l.err = err
	}
}

// escalate decides whether a lane failure ends the whole run. Rejected
// credentials, unsolved challenges and repeated blocking affect every
// lane alike.
func (l *lane) escalate(err error) error {
	switch errors.GetErrorType(err) {
	case errors.Config, errors.Auth, errors.Challenge, errors.Blocked:
		return err
	}
	return nil
}
