// Package progress provides progress bar display for the crawler.
package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/metrics"
	"github.com/PentesterFlow/merchantcrawler/pkg/crawler"
)

// Display renders a one-line progress bar while a run is in flight. It
// implements crawler.Observer.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	started bool
	stopped bool

	// Stats
	lanes     map[int]crawler.PageProgress
	pages     int
	merchants int
	errors    int
	warnings  int
	pageLimit int

	// Timing
	startTime time.Time
	portal    string
	now       func() time.Time

	// Display
	lastLine string
}

var _ crawler.Observer = (*Display)(nil)

// New creates a progress display writing to out, or stderr when out is nil.
func New(out io.Writer) *Display {
	if out == nil {
		out = os.Stderr
	}
	return &Display{
		out:   out,
		lanes: make(map[int]crawler.PageProgress),
		now:   time.Now,
	}
}

// SetPageLimit caps the per-search page total used for the percentage.
func (d *Display) SetPageLimit(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageLimit = n
}

// Start begins the progress display.
func (d *Display) Start(portal string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	d.started = true
	d.startTime = d.now()
	d.portal = portal
}

// OnPageProgress records a finished listing page.
func (d *Display) OnPageProgress(p crawler.PageProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lanes[p.Lane] = p
	d.pages++
	d.renderLocked()
}

// OnMerchantProcessed counts an accepted record. The bar is redrawn on the
// next page.
func (d *Display) OnMerchantProcessed(crawler.MerchantRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merchants++
}

// OnError prints the failure above the bar.
func (d *Display) OnError(err crawler.CrawlError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.errors++
	msg := fmt.Sprintf("lane %d %s", err.Lane, err.Step)
	if err.Page > 0 {
		msg += fmt.Sprintf(" page %d", err.Page)
	}
	d.printLocked("✗ " + msg + ": " + err.Error)
}

// OnWarning prints the warning above the bar.
func (d *Display) OnWarning(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.warnings++
	d.printLocked("! " + msg)
}

// percentLocked estimates completion from the pages seen per lane. It
// never reports 100 before Stop.
func (d *Display) percentLocked() int {
	done, total := 0, 0
	for _, p := range d.lanes {
		t := p.TotalPages
		if d.pageLimit > 0 && t > d.pageLimit {
			t = d.pageLimit
		}
		if t < p.Page {
			t = p.Page
		}
		done += p.Page
		total += t
	}
	if total == 0 {
		return 0
	}
	pct := done * 100 / total
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (d *Display) renderLocked() {
	if !d.started || d.stopped {
		return
	}

	progress := d.percentLocked()
	elapsed := d.now().Sub(d.startTime)
	speed := float64(0)
	if elapsed.Seconds() > 0 {
		speed = float64(d.pages) / elapsed.Minutes()
	}

	barWidth := 30
	filled := progress * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | Pages: %d | Merchants: %d | Errors: %d | %.1f p/min | %s",
		bar, progress, d.pages, d.merchants, d.errors, speed, formatDuration(elapsed))

	// Clear previous line and print new one
	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

// printLocked writes a message on its own line and redraws the bar below.
func (d *Display) printLocked(msg string) {
	if !d.started || d.stopped {
		fmt.Fprintln(d.out, msg)
		return
	}
	if d.lastLine != "" {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine))+"\r")
	}
	fmt.Fprintln(d.out, msg)
	if d.lastLine != "" {
		d.renderLocked()
	}
}

// Stop stops the progress display.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}
	d.stopped = true

	// Print newline to move past progress bar
	fmt.Fprintln(d.out)
}

// PrintSummary prints a final summary after crawling.
func (d *Display) PrintSummary(res *crawler.Result) {
	if res == nil {
		return
	}
	w := d.out
	duration := res.CompletedAt.Sub(res.StartedAt)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                       Crawl Complete                         ║")
	fmt.Fprintln(w, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Portal:              %s\n", truncateURL(res.Portal, 50))
	fmt.Fprintf(w, "  Status:              %s", res.Status)
	if res.StopReason != crawler.StopNone {
		fmt.Fprintf(w, " (%s)", res.StopReason)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Duration:            %s\n", formatDuration(duration))
	fmt.Fprintf(w, "  Merchants:           %d\n", len(res.Records))
	if len(res.Details) > 0 {
		fmt.Fprintf(w, "  Details:             %d\n", len(res.Details))
	}
	fmt.Fprintf(w, "  Errors:              %d\n", len(res.Errors))

	if s := res.Stats; s != nil {
		fmt.Fprintf(w, "  Pages:               %d (%d failed)\n", s.PagesProcessed, s.PagesFailed)
		fmt.Fprintf(w, "  Row Success:         %.1f%%\n", s.RowSuccessRate()*100)
		fmt.Fprintf(w, "  Duplicates:          %d\n", s.Duplicates)
		if s.BlockingDetections > 0 || s.SessionRecreations > 0 {
			fmt.Fprintf(w, "  Blocking:            %d detections, %d recreations\n",
				s.BlockingDetections, s.SessionRecreations)
		}
		if top := metrics.Top(s.ByNetwork, 3); len(top) > 0 {
			parts := make([]string, len(top))
			for i, c := range top {
				parts[i] = fmt.Sprintf("%s %d", c.Key, c.Count)
			}
			fmt.Fprintf(w, "  Top Networks:        %s\n", strings.Join(parts, ", "))
		}
	}
	fmt.Fprintln(w)

	searches := append([]crawler.SearchSummary(nil), res.Searches...)
	sort.Slice(searches, func(i, j int) bool { return searches[i].Lane < searches[j].Lane })
	for _, s := range searches {
		state := s.Stop
		if s.Failed {
			state = "failed: " + s.Error
		}
		fmt.Fprintf(w, "  [%d] %-30s %3d pages %5d merchants  %s\n",
			s.Lane, truncateURL(s.Search, 30), s.Pages, s.Records, state)
	}
	if len(searches) > 0 {
		fmt.Fprintln(w)
	}
}

// Stats returns pages, merchants, errors and warnings seen so far.
func (d *Display) Stats() (pages, merchants, errors, warnings int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pages, d.merchants, d.errors, d.warnings
}

// truncateURL truncates a URL to maxLen characters.
func truncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
