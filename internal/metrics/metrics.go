// Package metrics collects the run statistics of a merchant crawl.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/extract"
)

// Collector aggregates run statistics. Safe for concurrent lanes.
type Collector struct {
	pagesProcessed     atomic.Int64
	pagesFailed        atomic.Int64
	rowsSucceeded      atomic.Int64
	rowsFailed         atomic.Int64
	duplicates         atomic.Int64
	detailsEnriched    atomic.Int64
	detailsFailed      atomic.Int64
	detailsSkipped     atomic.Int64
	detailCacheHits    atomic.Int64
	retries            atomic.Int64
	blockingDetections atomic.Int64
	recreations        atomic.Int64
	captchas           atomic.Int64
	sessionReuses      atomic.Int64
	activeContexts     atomic.Int64

	// step durations, milliseconds
	stepTimeSum atomic.Int64
	stepTimeNum atomic.Int64

	mu        sync.Mutex
	coverage  Coverage
	byCountry map[string]int64
	byNetwork map[string]int64
	byCateg   map[string]int64
	detection map[string]int64
	errors    map[string]int64

	now       func() time.Time
	startTime time.Time
	endTime   time.Time
}

// Coverage counts how many emitted records carry each optional field.
type Coverage struct {
	WithDate     int64 `json:"with_date"`
	WithHomepage int64 `json:"with_homepage"`
	WithNetworks int64 `json:"with_networks"`
	WithCategory int64 `json:"with_category"`
	WithLogo     int64 `json:"with_logo"`
}

// New creates a collector and marks the start of the run.
func New() *Collector {
	c := &Collector{now: time.Now}
	c.resetMaps()
	c.startTime = c.now()
	return c
}

func (c *Collector) resetMaps() {
	c.byCountry = make(map[string]int64)
	c.byNetwork = make(map[string]int64)
	c.byCateg = make(map[string]int64)
	c.detection = make(map[string]int64)
	c.errors = make(map[string]int64)
}

// RecordPage records a processed (ok) or failed listing page.
func (c *Collector) RecordPage(ok bool) {
	if ok {
		c.pagesProcessed.Add(1)
	} else {
		c.pagesFailed.Add(1)
	}
}

// RecordRows adds per-page row outcomes.
func (c *Collector) RecordRows(succeeded, failed int) {
	c.rowsSucceeded.Add(int64(succeeded))
	c.rowsFailed.Add(int64(failed))
}

// RecordDuplicate counts a row dropped as already emitted by another lane.
func (c *Collector) RecordDuplicate() {
	c.duplicates.Add(1)
}

// RecordMerchant updates groupings and coverage for an emitted record.
func (c *Collector) RecordMerchant(rec extract.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.DateAdded != nil {
		c.coverage.WithDate++
	}
	if rec.Country != "" {
		c.byCountry[rec.Country]++
	}
	if rec.Network != "" {
		c.byNetwork[rec.Network]++
	}
}

// RecordDetail records a detail visit outcome; d is nil on failure.
func (c *Collector) RecordDetail(d *extract.Detail) {
	if d == nil {
		c.detailsFailed.Add(1)
		return
	}
	c.detailsEnriched.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Homepage != "" {
		c.coverage.WithHomepage++
	}
	if len(d.Networks) > 0 {
		c.coverage.WithNetworks++
	}
	if d.Category != "" {
		c.coverage.WithCategory++
		c.byCateg[d.Category]++
	}
	if d.LogoURL != "" {
		c.coverage.WithLogo++
	}
}

// RecordDetailSkipped counts detail visits not attempted (breaker open, limit).
func (c *Collector) RecordDetailSkipped(n int) {
	c.detailsSkipped.Add(int64(n))
}

// RecordDetailCacheHit counts details served from the cache.
func (c *Collector) RecordDetailCacheHit() {
	c.detailCacheHits.Add(1)
}

// RecordRetry records a retry attempt.
func (c *Collector) RecordRetry() {
	c.retries.Add(1)
}

// RecordBlocking records a positive detection and which check fired.
func (c *Collector) RecordBlocking(check string) {
	c.blockingDetections.Add(1)
	c.mu.Lock()
	c.detection[check]++
	c.mu.Unlock()
}

// RecordRecreation records a session recreation.
func (c *Collector) RecordRecreation() {
	c.recreations.Add(1)
}

// RecordCaptcha records a CAPTCHA encounter.
func (c *Collector) RecordCaptcha() {
	c.captchas.Add(1)
}

// RecordSessionReuse records a login skipped thanks to a stored session.
func (c *Collector) RecordSessionReuse() {
	c.sessionReuses.Add(1)
}

// RecordError records a failed request by error type.
func (c *Collector) RecordError(errorType string) {
	c.mu.Lock()
	c.errors[errorType]++
	c.mu.Unlock()
}

// RecordStep records how long one queued request took.
func (c *Collector) RecordStep(d time.Duration) {
	c.stepTimeSum.Add(d.Milliseconds())
	c.stepTimeNum.Add(1)
}

// SetActiveContexts sets the number of live browser contexts.
func (c *Collector) SetActiveContexts(n int64) {
	c.activeContexts.Store(n)
}

// Finish marks the end of the run.
func (c *Collector) Finish() {
	c.mu.Lock()
	c.endTime = c.now()
	c.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the statistics.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.endTime
	if end.IsZero() {
		end = c.now()
	}

	s := &Snapshot{
		StartedAt:          c.startTime,
		FinishedAt:         c.endTime,
		Duration:           end.Sub(c.startTime),
		PagesProcessed:     c.pagesProcessed.Load(),
		PagesFailed:        c.pagesFailed.Load(),
		RowsSucceeded:      c.rowsSucceeded.Load(),
		RowsFailed:         c.rowsFailed.Load(),
		Duplicates:         c.duplicates.Load(),
		DetailsEnriched:    c.detailsEnriched.Load(),
		DetailsFailed:      c.detailsFailed.Load(),
		DetailsSkipped:     c.detailsSkipped.Load(),
		DetailCacheHits:    c.detailCacheHits.Load(),
		Retries:            c.retries.Load(),
		BlockingDetections: c.blockingDetections.Load(),
		SessionRecreations: c.recreations.Load(),
		Captchas:           c.captchas.Load(),
		SessionReuses:      c.sessionReuses.Load(),
		ActiveContexts:     c.activeContexts.Load(),
		Coverage:           c.coverage,
		ByCountry:          copyMap(c.byCountry),
		ByNetwork:          copyMap(c.byNetwork),
		ByCategory:         copyMap(c.byCateg),
		DetectionChecks:    copyMap(c.detection),
		ErrorCounts:        copyMap(c.errors),
	}
	if n := c.stepTimeNum.Load(); n > 0 {
		s.AverageStep = time.Duration(c.stepTimeSum.Load()/n) * time.Millisecond
	}
	return s
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Reset clears all statistics and restarts the clock.
func (c *Collector) Reset() {
	for _, v := range []*atomic.Int64{
		&c.pagesProcessed, &c.pagesFailed, &c.rowsSucceeded, &c.rowsFailed,
		&c.duplicates, &c.detailsEnriched, &c.detailsFailed, &c.detailsSkipped,
		&c.detailCacheHits, &c.retries, &c.blockingDetections, &c.recreations,
		&c.captchas, &c.sessionReuses, &c.activeContexts, &c.stepTimeSum, &c.stepTimeNum,
	} {
		v.Store(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.coverage = Coverage{}
	c.resetMaps()
	c.startTime = c.now()
	c.endTime = time.Time{}
}

// Snapshot is the RunStatistics reported at the end of a run.
type Snapshot struct {
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at,omitempty"`
	Duration           time.Duration    `json:"duration"`
	PagesProcessed     int64            `json:"pages_processed"`
	PagesFailed        int64            `json:"pages_failed"`
	RowsSucceeded      int64            `json:"rows_succeeded"`
	RowsFailed         int64            `json:"rows_failed"`
	Duplicates         int64            `json:"duplicates"`
	DetailsEnriched    int64            `json:"details_enriched"`
	DetailsFailed      int64            `json:"details_failed"`
	DetailsSkipped     int64            `json:"details_skipped"`
	DetailCacheHits    int64            `json:"detail_cache_hits"`
	Retries            int64            `json:"retries"`
	BlockingDetections int64            `json:"blocking_detections"`
	SessionRecreations int64            `json:"session_recreations"`
	Captchas           int64            `json:"captchas"`
	SessionReuses      int64            `json:"session_reuses"`
	ActiveContexts     int64            `json:"active_contexts"`
	AverageStep        time.Duration    `json:"average_step"`
	Coverage           Coverage         `json:"coverage"`
	ByCountry          map[string]int64 `json:"by_country"`
	ByNetwork          map[string]int64 `json:"by_network"`
	ByCategory         map[string]int64 `json:"by_category"`
	DetectionChecks    map[string]int64 `json:"detection_checks"`
	ErrorCounts        map[string]int64 `json:"error_counts"`
}

// RowSuccessRate returns succeeded rows over all rows seen (0-1).
func (s *Snapshot) RowSuccessRate() float64 {
	total := s.RowsSucceeded + s.RowsFailed
	if total == 0 {
		return 0
	}
	return float64(s.RowsSucceeded) / float64(total)
}

// Count is one entry of a ranked grouping.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Top returns the n largest entries of a grouping, ties broken by key.
func Top(m map[string]int64, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Summary returns the headline numbers for logging.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"duration":            s.Duration.String(),
		"pages_processed":     s.PagesProcessed,
		"pages_failed":        s.PagesFailed,
		"rows_succeeded":      s.RowsSucceeded,
		"rows_failed":         s.RowsFailed,
		"details_enriched":    s.DetailsEnriched,
		"details_failed":      s.DetailsFailed,
		"retries":             s.Retries,
		"blocking_detections": s.BlockingDetections,
		"session_recreations": s.SessionRecreations,
	}
}
