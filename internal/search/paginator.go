package search

import (
	"context"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// StopReason says why a pagination walk ended. Neither reason is an error.
type StopReason string

const (
	StopNone         StopReason = ""
	StopLastPage     StopReason = "last_page"
	StopLimitReached StopReason = "limit_reached"
)

// Step is one result of Paginator.Advance. A non-empty Stop ends the walk.
type Step struct {
	Page int
	Info PaginationInfo
	Stop StopReason
	Err  error
}

// Paginator walks a listing from its current page, visiting at most
// MaxPages pages (0 is unlimited).
type Paginator struct {
	ctl      *Controller
	maxPages int
	visited  int
}

// Paginate starts a walk on the page the browser shows now.
func (c *Controller) Paginate(maxPages int) *Paginator {
	if maxPages < 0 {
		maxPages = 0
	}
	return &Paginator{ctl: c, maxPages: maxPages}
}

// Reset makes the walker believe visited pages were already handed out.
// It is used to resume a walk after the listing was reloaded.
func (p *Paginator) Reset(visited int) {
	if visited < 0 {
		visited = 0
	}
	p.visited = visited
}

// StopAfter reports why the walk would end after the page described by
// info, or StopNone when another page should be visited.
func (p *Paginator) StopAfter(info PaginationInfo) StopReason {
	switch {
	case !info.HasNextPage:
		return StopLastPage
	case p.maxPages > 0 && p.visited >= p.maxPages:
		return StopLimitReached
	}
	return StopNone
}

// Advance moves to the next page to visit. The first call stays on the
// current page. A failed page turn returns Err and may be retried.
func (p *Paginator) Advance(ctx context.Context, page browser.Page) Step {
	info, err := p.ctl.GetPaginationInfo(ctx, page)
	if err != nil {
		return Step{Err: err}
	}
	if p.visited == 0 {
		p.visited = 1
		return Step{Page: info.CurrentPage, Info: info}
	}

	if stop := p.StopAfter(info); stop != StopNone {
		return Step{Page: info.CurrentPage, Info: info, Stop: stop}
	}

	res := p.ctl.NavigateToNextPage(ctx, page)
	if res.Err != nil {
		return Step{Page: info.CurrentPage, Info: info, Err: res.Err}
	}
	p.visited++
	next, err := p.ctl.GetPaginationInfo(ctx, page)
	if err != nil {
		// The turn already happened; report it rather than invite a retry.
		return Step{Page: res.Page, Info: infoAfterTurn(info, res.Page)}
	}
	return Step{Page: next.CurrentPage, Info: next}
}

// infoAfterTurn derives the pagination of page n from the page before it
// when the listing could not be read after the turn.
func infoAfterTurn(prev PaginationInfo, n int) PaginationInfo {
	info := PaginationInfo{
		CurrentPage:  n,
		TotalPages:   prev.TotalPages,
		HasNextPage:  prev.HasNextPage,
		TotalRecords: prev.TotalRecords,
	}
	if info.TotalPages > 0 {
		if info.CurrentPage > info.TotalPages {
			info.TotalPages = info.CurrentPage
		}
		info.HasNextPage = info.CurrentPage < info.TotalPages
	}
	return info
}
