package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/extract"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.RecordPage(true)
	c.RecordPage(true)
	c.RecordPage(false)
	c.RecordRows(24, 1)
	c.RecordRows(25, 0)
	c.RecordRetry()
	c.RecordBlocking("dom")
	c.RecordBlocking("dom")
	c.RecordBlocking("status")
	c.RecordRecreation()
	c.RecordCaptcha()
	c.RecordSessionReuse()
	c.RecordDuplicate()
	c.RecordDetailSkipped(4)
	c.RecordDetailCacheHit()
	c.RecordError("navigation")

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"PagesProcessed", s.PagesProcessed, 2},
		{"PagesFailed", s.PagesFailed, 1},
		{"RowsSucceeded", s.RowsSucceeded, 49},
		{"RowsFailed", s.RowsFailed, 1},
		{"Retries", s.Retries, 1},
		{"BlockingDetections", s.BlockingDetections, 3},
		{"SessionRecreations", s.SessionRecreations, 1},
		{"Captchas", s.Captchas, 1},
		{"SessionReuses", s.SessionReuses, 1},
		{"Duplicates", s.Duplicates, 1},
		{"DetailsSkipped", s.DetailsSkipped, 4},
		{"DetailCacheHits", s.DetailCacheHits, 1},
		{"DetectionChecks[dom]", s.DetectionChecks["dom"], 2},
		{"ErrorCounts[navigation]", s.ErrorCounts["navigation"], 1},
	}
	for _, tt := range checks {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}

	if rate := s.RowSuccessRate(); rate != 0.98 {
		t.Errorf("RowSuccessRate() = %v, want 0.98", rate)
	}
}

func TestCollector_CoverageAndGroupings(t *testing.T) {
	c := New()
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	c.RecordMerchant(extract.Record{Name: "A", Country: "UK", Network: "Awin", DateAdded: &date})
	c.RecordMerchant(extract.Record{Name: "B", Country: "UK", Network: "CJ"})
	c.RecordMerchant(extract.Record{Name: "C"})

	c.RecordDetail(&extract.Detail{Homepage: "https://a", Category: "Travel", Networks: []string{"Awin"}})
	c.RecordDetail(&extract.Detail{Category: "Travel", LogoURL: "https://logo"})
	c.RecordDetail(nil)

	s := c.Snapshot()

	if s.Coverage.WithDate != 1 {
		t.Errorf("WithDate = %d, want 1", s.Coverage.WithDate)
	}
	if s.Coverage.WithHomepage != 1 || s.Coverage.WithLogo != 1 || s.Coverage.WithNetworks != 1 {
		t.Errorf("Coverage = %+v", s.Coverage)
	}
	if s.Coverage.WithCategory != 2 || s.ByCategory["Travel"] != 2 {
		t.Errorf("category coverage = %d / %v", s.Coverage.WithCategory, s.ByCategory)
	}
	if s.ByCountry["UK"] != 2 || len(s.ByCountry) != 1 {
		t.Errorf("ByCountry = %v", s.ByCountry)
	}
	if s.DetailsEnriched != 2 || s.DetailsFailed != 1 {
		t.Errorf("details = %d/%d, want 2/1", s.DetailsEnriched, s.DetailsFailed)
	}
}

func TestCollector_Duration(t *testing.T) {
	c := New()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }
	c.Reset()

	now = base.Add(90 * time.Second)
	c.Finish()
	now = base.Add(time.Hour)

	s := c.Snapshot()
	if s.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", s.Duration)
	}
	if !s.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, base)
	}
}

func TestCollector_AverageStep(t *testing.T) {
	c := New()
	c.RecordStep(100 * time.Millisecond)
	c.RecordStep(300 * time.Millisecond)

	if got := c.Snapshot().AverageStep; got != 200*time.Millisecond {
		t.Errorf("AverageStep = %v, want 200ms", got)
	}
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := New()
	c.RecordMerchant(extract.Record{Name: "A", Network: "Awin"})
	s := c.Snapshot()
	s.ByNetwork["Awin"] = 99

	if got := c.Snapshot().ByNetwork["Awin"]; got != 1 {
		t.Errorf("ByNetwork[Awin] = %d, want 1", got)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := New()
	c.RecordPage(true)
	c.RecordBlocking("title")
	c.RecordMerchant(extract.Record{Name: "A", Country: "UK"})

	c.Reset()
	s := c.Snapshot()
	if s.PagesProcessed != 0 || s.BlockingDetections != 0 || len(s.ByCountry) != 0 {
		t.Errorf("Reset() left state: %+v", s)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordPage(true)
				c.RecordMerchant(extract.Record{Name: "x", Country: "UK"})
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.PagesProcessed != 400 || s.ByCountry["UK"] != 400 {
		t.Errorf("PagesProcessed = %d, ByCountry = %v", s.PagesProcessed, s.ByCountry)
	}
}

func TestTop(t *testing.T) {
	got := Top(map[string]int64{"UK": 5, "DE": 9, "FR": 5, "ES": 1}, 3)
	want := []Count{{"DE", 9}, {"FR", 5}, {"UK", 5}}

	if len(got) != len(want) {
		t.Fatalf("Top() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Top()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
