// Package crawler orchestrates the merchant directory crawl: it signs in,
// walks every configured search in its own browser context and collects
// the listed merchants.
package crawler

import (
	"sync"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/extract"
	"github.com/PentesterFlow/merchantcrawler/internal/metrics"
)

// MerchantRecord is one row of a directory listing.
type MerchantRecord = extract.Record

// MerchantDetail is a record enriched from its detail page.
type MerchantDetail = extract.Detail

// RunStatistics are the counters of a finished run.
type RunStatistics = metrics.Snapshot

// Status is the overall outcome of a run.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusLimitReached Status = "limit_reached"
	StatusPartial      Status = "partial"
	StatusFailed       Status = "failed"
)

// StopReason says why listing stopped early, if it did.
type StopReason string

const (
	StopNone       StopReason = ""
	StopMaxPages   StopReason = "max_pages"
	StopMaxRecords StopReason = "max_records"
	StopTimeout    StopReason = "timeout"
	StopCancelled  StopReason = "cancelled"
	StopFatal      StopReason = "fatal_error"
)

// Result represents the complete result of a run. It is returned even when
// the run fails.
type Result struct {
	RunID       string           `json:"run_id"`
	Portal      string           `json:"portal"`
	Status      Status           `json:"status"`
	StopReason  StopReason       `json:"stop_reason,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Searches    []SearchSummary  `json:"searches"`
	Records     []MerchantRecord `json:"records"`
	Details     []MerchantDetail `json:"details,omitempty"`
	Stats       *RunStatistics   `json:"stats"`
	Errors      []CrawlError     `json:"errors,omitempty"`
}

// SearchSummary is the outcome of one lane.
type SearchSummary struct {
	Lane       int    `json:"lane"`
	Search     string `json:"search"`
	Pages      int    `json:"pages"`
	TotalPages int    `json:"total_pages"`
	Records    int    `json:"records"`
	Results    int    `json:"results_count"`
	Stop       string `json:"stop,omitempty"`
	Failed     bool   `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// CrawlError represents an error encountered during the run.
type CrawlError struct {
	Lane      int       `json:"lane"`
	Step      string    `json:"step"`
	Page      int       `json:"page,omitempty"`
	URL       string    `json:"url,omitempty"`
	Type      string    `json:"type"`
	Check     string    `json:"check,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func newCrawlError(lane int, step string, page int, err error) CrawlError {
	ce := CrawlError{
		Lane:      lane,
		Step:      step,
		Page:      page,
		Type:      errors.GetErrorType(err).String(),
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
	if typed, ok := errors.AsCrawlError(err); ok {
		ce.URL = typed.URL
		ce.Check = typed.Check
	}
	return ce
}

// PageProgress is reported after every listing page.
type PageProgress struct {
	Lane       int    `json:"lane"`
	Search     string `json:"search"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	Records    int    `json:"records"`
}

// Observer receives progress while a run is in flight. Calls are
// serialized across lanes and made synchronously, so implementations must
// not block.
type Observer interface {
	OnPageProgress(p PageProgress)
	OnMerchantProcessed(rec MerchantRecord)
	OnError(err CrawlError)
	OnWarning(msg string)
}

// serialObserver funnels every lane through one mutex.
type serialObserver struct {
	mu sync.Mutex
	o  Observer
}

func (s *serialObserver) pageProgress(p PageProgress) {
	if s == nil || s.o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o.OnPageProgress(p)
}

func (s *serialObserver) merchant(rec MerchantRecord) {
	if s == nil || s.o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o.OnMerchantProcessed(rec)
}

func (s *serialObserver) failure(err CrawlError) {
	if s == nil || s.o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o.OnError(err)
}

func (s *serialObserver) warning(msg string) {
	if s == nil || s.o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o.OnWarning(msg)
}
