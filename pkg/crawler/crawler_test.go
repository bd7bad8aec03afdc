package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/auth"
	"github.com/PentesterFlow/merchantcrawler/internal/browser/browsertest"
	"github.com/PentesterFlow/merchantcrawler/internal/cache"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/extract"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/output"
	"github.com/PentesterFlow/merchantcrawler/internal/ratelimit"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// portalConfig targets the simulated portal with fast retries and no
// pacing.
func portalConfig() *Config {
	cfg := DefaultConfig()
	cfg.PortalURL = browsertest.BaseURL
	cfg.Credentials = auth.Credentials{Username: browsertest.Username, Password: browsertest.Password}
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	cfg.Pacing = ratelimit.Config{}
	cfg.Session.Reuse = false
	return cfg
}

func newPortalCrawler(t *testing.T, portal *browsertest.Portal, cfg *Config, opts ...Option) *Crawler {
	t.Helper()
	base := []Option{
		WithConfig(cfg),
		WithOpener(portal),
		WithLogger(logger.Nop()),
		WithEngineOptions(antidetect.WithSleep(noSleep), antidetect.WithSeed(7)),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func run(t *testing.T, c *Crawler) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := c.Run(ctx)
	require.NotNil(t, res, "Run must always return a result")
	return res, err
}

func detailRequests(p *browsertest.Portal) int {
	n := 0
	for _, path := range p.Paths() {
		if strings.HasPrefix(path, "/merchants/") && !strings.HasPrefix(path, "/merchants/directory") {
			n++
		}
	}
	return n
}

// listingRequests counts directory requests for page n. Page 1 is the
// search submission itself.
func listingRequests(p *browsertest.Portal, n int) int {
	count := 0
	for _, path := range p.Paths() {
		u, err := url.Parse(path)
		if err != nil || u.Path != "/merchants/directory" {
			continue
		}
		if u.Query().Get("page") == strconv.Itoa(n) {
			count++
		}
	}
	return count
}

func pageNumbers(records []MerchantRecord) map[int]int {
	pages := map[int]int{}
	for _, r := range records {
		pages[r.Page]++
	}
	return pages
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_InvalidCredentialsMakeNoRequest(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{})
	cfg := portalConfig()
	cfg.Credentials.Password = ""

	c, err := New(WithConfig(cfg), WithOpener(portal), WithLogger(logger.Nop()))

	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "password is required")
	assert.Equal(t, 0, portal.Requests())
	assert.Equal(t, 0, portal.OpenedPages())
}

func TestNew_Defaults(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{})
	c := newPortalCrawler(t, portal, portalConfig())

	cfg := c.Config()
	assert.NotEmpty(t, cfg.RunID)
	assert.Equal(t, browsertest.BaseURL+"/login", cfg.Auth.LoginURL)
	assert.Equal(t, browsertest.BaseURL+"/", cfg.AntiDetection.EntryURL)
	assert.Len(t, cfg.Searches, 1)
	assert.False(t, c.IsRunning())
	assert.Equal(t, 0, portal.Requests())
}

func TestNew_CredentialsFromEnvironment(t *testing.T) {
	t.Setenv(EnvUsername, browsertest.Username)
	t.Setenv(EnvPassword, browsertest.Password)
	cfg := portalConfig()
	cfg.Credentials = auth.Credentials{}

	c, err := New(WithConfig(cfg), WithLogger(logger.Nop()))

	require.NoError(t, err)
	assert.Equal(t, browsertest.Username, c.Config().Credentials.Username)
}

// =============================================================================
// Full crawls
// =============================================================================

func TestRun_CrawlsEveryPage(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 3, RowsPerPage: 5})
	c := newPortalCrawler(t, portal, portalConfig())

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StopNone, res.StopReason)
	require.Len(t, res.Records, 15)
	assert.Equal(t, map[int]int{1: 5, 2: 5, 3: 5}, pageNumbers(res.Records))
	for _, r := range res.Records {
		assert.NotEmpty(t, r.Name)
	}
	assert.Equal(t, browsertest.RowName(2, 3), res.Records[7].Name)

	require.Len(t, res.Searches, 1)
	s := res.Searches[0]
	assert.Equal(t, 3, s.Pages)
	assert.Equal(t, 3, s.TotalPages)
	assert.Equal(t, 15, s.Records)
	assert.Equal(t, 15, s.Results)
	assert.Equal(t, string(search.StopLastPage), s.Stop)
	assert.False(t, s.Failed)

	assert.Equal(t, 1, listingRequests(portal, 2))
	assert.Equal(t, 1, listingRequests(portal, 3))
	assert.Equal(t, 0, listingRequests(portal, 4))

	assert.EqualValues(t, 3, res.Stats.PagesProcessed)
	assert.EqualValues(t, 15, res.Stats.RowsSucceeded)
	assert.Empty(t, res.Errors)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestRun_SkipsRowsWithoutName(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 2, RowsPerPage: 4, BlankRows: 1})
	c := newPortalCrawler(t, portal, portalConfig())

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Len(t, res.Records, 6)
	for _, r := range res.Records {
		assert.NotEmpty(t, r.Name)
	}
	assert.EqualValues(t, 2, res.Stats.RowsFailed)
}

func TestRun_MaxPagesStopsEarly(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 5, RowsPerPage: 5})
	cfg := portalConfig()
	cfg.MaxPages = 2
	c := newPortalCrawler(t, portal, cfg)

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusLimitReached, res.Status)
	assert.Equal(t, StopMaxPages, res.StopReason)
	assert.Equal(t, map[int]int{1: 5, 2: 5}, pageNumbers(res.Records))
	assert.Equal(t, string(search.StopLimitReached), res.Searches[0].Stop)
	assert.Equal(t, 0, listingRequests(portal, 3))
}

func TestRun_MaxRecordsStopsEarly(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 5, RowsPerPage: 5})
	cfg := portalConfig()
	cfg.MaxRecords = 7
	c := newPortalCrawler(t, portal, cfg)

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusLimitReached, res.Status)
	assert.Equal(t, StopMaxRecords, res.StopReason)
	assert.Len(t, res.Records, 7)
	assert.Equal(t, 0, listingRequests(portal, 3))
}

func TestRun_DeduplicatesAcrossSearches(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 3, RowsPerPage: 5})
	cfg := portalConfig()
	cfg.Searches = []search.Params{{}, {}}
	c := newPortalCrawler(t, portal, cfg)

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Len(t, res.Records, 15)
	require.Len(t, res.Searches, 2)
	assert.Equal(t, 15, res.Searches[0].Records+res.Searches[1].Records)
	assert.EqualValues(t, 15, res.Stats.Duplicates)
}

func TestRun_ConcurrentSearchesRespectContextLimit(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 2, RowsPerPage: 3})
	cfg := portalConfig()
	cfg.Concurrency = 2
	cfg.Searches = []search.Params{{Network: "CJ"}, {Network: "Awin"}, {Network: "Rakuten"}}
	c := newPortalCrawler(t, portal, cfg)

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Records, 18)
	assert.LessOrEqual(t, portal.MaxOpenPages(), 2)
	assert.EqualValues(t, 0, res.Stats.ActiveContexts)

	networks := map[string]int{}
	for _, r := range res.Records {
		networks[r.Network]++
	}
	assert.Equal(t, map[string]int{"CJ": 6, "Awin": 6, "Rakuten": 6}, networks)
}

// =============================================================================
// Blocking
// =============================================================================

func TestRun_RecoversFromBlockingOnce(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 3, RowsPerPage: 5, BlockOnPage: 2})
	obs := &recordingObserver{}
	c := newPortalCrawler(t, portal, portalConfig(), WithObserver(obs))

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, portal.Blocked())
	assert.EqualValues(t, 1, res.Stats.SessionRecreations)
	assert.GreaterOrEqual(t, res.Stats.BlockingDetections, int64(1))
	assert.Equal(t, map[int]int{1: 5, 2: 5, 3: 5}, pageNumbers(res.Records))
	assert.NotEmpty(t, obs.warnings)
}

func TestRun_RepeatedBlockingFailsRun(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 3, RowsPerPage: 5, BlockOnPage: 2, BlockTimes: 10})
	c := newPortalCrawler(t, portal, portalConfig())

	res, err := run(t, c)

	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	ce, ok := errors.AsCrawlError(err)
	require.True(t, ok)
	assert.Equal(t, antidetect.CheckPhrase, ce.Check)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StopFatal, res.StopReason)
	assert.EqualValues(t, 1, res.Stats.SessionRecreations)
	assert.Len(t, res.Records, 5, "records gathered before the block are kept")
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "LIST", res.Errors[0].Step)
	assert.Equal(t, errors.Blocked.String(), res.Errors[0].Type)
}

func TestRun_WrongPasswordFailsRun(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{})
	cfg := portalConfig()
	cfg.Credentials.Password = "wrong"
	c := newPortalCrawler(t, portal, cfg)

	res, err := run(t, c)

	require.Error(t, err)
	assert.Equal(t, errors.Auth, errors.GetErrorType(err))
	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Searches, 1)
	assert.True(t, res.Searches[0].Failed)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, portal.CountPath("/merchants/directory"))
}

// =============================================================================
// Details
// =============================================================================

func TestRun_EnrichesDetailsAndCachesThem(t *testing.T) {
	dc := cache.New[string, extract.Detail](time.Hour)
	defer dc.Close()

	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 2, RowsPerPage: 3})
	cfg := portalConfig()
	cfg.Details.Enabled = true
	c := newPortalCrawler(t, portal, cfg, WithDetailCache(dc))

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Records, 6)
	require.Len(t, res.Details, 6)
	assert.Equal(t, 6, detailRequests(portal))
	for _, d := range res.Details {
		assert.NotEmpty(t, d.Name)
		assert.NotEmpty(t, d.Homepage)
	}
	assert.EqualValues(t, 6, res.Stats.DetailsEnriched)
	assert.Equal(t, 2, res.Searches[0].Pages, "listing resumes after detail visits")

	second := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 2, RowsPerPage: 3})
	c2 := newPortalCrawler(t, second, cfg, WithDetailCache(dc))

	res2, err := run(t, c2)

	require.NoError(t, err)
	assert.Len(t, res2.Details, 6)
	assert.Equal(t, 0, detailRequests(second))
	assert.EqualValues(t, 6, res2.Stats.DetailCacheHits)
}

func TestRun_DetailBreakerSkipsFailingDetails(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 2, RowsPerPage: 4, DetailStatus: 500})
	cfg := portalConfig()
	cfg.MaxRetries = 0
	cfg.Details.Enabled = true
	cfg.Details.FailureThreshold = 2
	obs := &recordingObserver{}
	c := newPortalCrawler(t, portal, cfg, WithObserver(obs))

	res, err := run(t, c)

	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Len(t, res.Records, 8, "listing continues while details fail")
	assert.Empty(t, res.Details)
	assert.Equal(t, 2, detailRequests(portal))
	assert.EqualValues(t, 2, res.Stats.DetailsFailed)
	assert.EqualValues(t, 6, res.Stats.DetailsSkipped)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, obs.errs, 2)

	skipped := 0
	for _, w := range obs.warnings {
		if strings.Contains(w, "skipping the remaining details") {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

// =============================================================================
// Session reuse
// =============================================================================

func TestRun_ReusesStoredSession(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 1, RowsPerPage: 2})
	store := session.New(session.NewMemoryBackend(), session.Config{}, nil)
	cfg := portalConfig()
	cfg.Session.Reuse = true

	first := newPortalCrawler(t, portal, cfg, WithSessionStore(store))
	res, err := run(t, first)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Stats.SessionReuses)
	logins := portal.CountPath("/login")
	require.Greater(t, logins, 0)

	second := newPortalCrawler(t, portal, cfg, WithSessionStore(store))
	res, err = run(t, second)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.EqualValues(t, 1, res.Stats.SessionReuses)
	assert.Equal(t, logins, portal.CountPath("/login"), "second run must not sign in again")
	assert.Len(t, res.Records, 2)
}

func TestRun_ExpiredStoredSessionLogsInAgain(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 1, RowsPerPage: 2})
	store := session.New(session.NewMemoryBackend(), session.Config{}, nil)
	cfg := portalConfig()
	cfg.Session.Reuse = true

	_, err := run(t, newPortalCrawler(t, portal, cfg, WithSessionStore(store)))
	require.NoError(t, err)
	portal.ExpireSessions()
	logins := portal.CountPath("/login")

	res, err := run(t, newPortalCrawler(t, portal, cfg, WithSessionStore(store)))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.EqualValues(t, 0, res.Stats.SessionReuses)
	assert.Greater(t, portal.CountPath("/login"), logins)
}

// =============================================================================
// Output and observers
// =============================================================================

func TestRun_StreamsJSONL(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 2, RowsPerPage: 3})
	cfg := portalConfig()
	cfg.Output.Format = output.FormatJSONL
	var buf bytes.Buffer
	c := newPortalCrawler(t, portal, cfg, WithOutput(&buf))

	res, err := run(t, c)
	require.NoError(t, err)

	stream, err := output.ReadStream(&buf)
	require.NoError(t, err)
	require.Len(t, stream.Records, 6)
	assert.Equal(t, res.Records[0].Name, stream.Records[0].Name)
	require.NotEmpty(t, stream.Result)

	var decoded Result
	require.NoError(t, json.Unmarshal(stream.Result, &decoded))
	assert.Equal(t, StatusCompleted, decoded.Status)
	assert.Equal(t, res.RunID, decoded.RunID)
}

func TestRun_WritesJSONDocument(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 1, RowsPerPage: 3})
	var buf bytes.Buffer
	c := newPortalCrawler(t, portal, portalConfig(), WithOutput(&buf))

	_, err := run(t, c)
	require.NoError(t, err)

	var decoded Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Records, 3)
	assert.NotNil(t, decoded.Stats)
}

func TestRun_ReportsProgress(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{TotalPages: 3, RowsPerPage: 2})
	obs := &recordingObserver{}
	c := newPortalCrawler(t, portal, portalConfig(), WithObserver(obs))

	_, err := run(t, c)

	require.NoError(t, err)
	require.Len(t, obs.progress, 3)
	for i, p := range obs.progress {
		assert.Equal(t, i+1, p.Page)
		assert.Equal(t, 3, p.TotalPages)
		assert.Equal(t, 2, p.Records)
	}
	assert.Len(t, obs.merchants, 6)
	assert.Empty(t, obs.errs)
}

func TestRun_CancelledContextReturnsPartialResult(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{})
	c := newPortalCrawler(t, portal, portalConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Run(ctx)

	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, portal.Requests())
}

func TestRun_StopWithoutRunIsNoop(t *testing.T) {
	portal := browsertest.NewPortal(browsertest.PortalOptions{})
	c := newPortalCrawler(t, portal, portalConfig())

	assert.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.NotNil(t, c.Metrics())
}
