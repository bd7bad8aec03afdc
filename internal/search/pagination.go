package search

import (
	"context"
	stderrors "errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
)

// ErrNoNextPage is reported by NavigateToNextPage when the listing has no
// further page. Nothing is clicked.
var ErrNoNextPage = stderrors.New("no next page")

// PaginationInfo describes the listing page currently shown.
type PaginationInfo struct {
	CurrentPage  int    `json:"current_page"`
	TotalPages   int    `json:"total_pages"`
	HasNextPage  bool   `json:"has_next_page"`
	NextPageRef  string `json:"next_page_ref,omitempty"`
	TotalRecords int    `json:"total_records"`
}

var pageOf = regexp.MustCompile(`(?i)page\s+(\d+)\s+(?:of|/)\s+(\d+)`)

// GetPaginationInfo reads the page indicator and the next control. When the
// indicator is missing the page number comes from the URL and the total is
// inferred from the next control. CurrentPage never exceeds TotalPages.
func (c *Controller) GetPaginationInfo(ctx context.Context, page browser.Page) (PaginationInfo, error) {
	var info PaginationInfo
	if !page.Has(ctx, browser.CSS(c.cfg.Grid)) {
		if ctx.Err() != nil {
			return info, errors.NewCancelledError(page.URL(), "paginate")
		}
		return info, errors.NewNavigationError(page.URL(), "paginate", "not a listing page")
	}

	nextMatch, nextPresent := c.next.First(ctx, page)
	if nextPresent {
		if href, ok := page.Attr(ctx, nextMatch.Target, "href"); ok {
			info.NextPageRef = resolve(page.URL(), href)
		}
	}

	parsed := false
	if m, ok := c.pageInfo.First(ctx, page); ok {
		if text, err := page.ElementText(ctx, m.Target); err == nil {
			if sub := pageOf.FindStringSubmatch(text); sub != nil {
				info.CurrentPage, _ = strconv.Atoi(sub[1])
				info.TotalPages, _ = strconv.Atoi(sub[2])
				parsed = true
			}
		}
	}
	if !parsed {
		info.CurrentPage = pageFromURL(page.URL())
		info.TotalPages = info.CurrentPage
		if nextPresent {
			info.TotalPages++
		}
	}

	if info.CurrentPage < 1 {
		info.CurrentPage = 1
	}
	if info.TotalPages < 1 {
		info.TotalPages = 1
	}
	if info.CurrentPage > info.TotalPages {
		info.CurrentPage = info.TotalPages
	}
	info.HasNextPage = nextPresent && info.CurrentPage < info.TotalPages
	info.TotalRecords = c.resultsCount(ctx, page)
	return info, nil
}

// NextResult is the outcome of NavigateToNextPage.
type NextResult struct {
	Success bool
	Page    int
	URL     string
	Err     error
}

// NavigateToNextPage clicks the next control and checks that the rows
// changed. Without a next page it returns ErrNoNextPage and does nothing.
func (c *Controller) NavigateToNextPage(ctx context.Context, page browser.Page) NextResult {
	res := NextResult{URL: page.URL()}
	info, err := c.GetPaginationInfo(ctx, page)
	if err != nil {
		res.Err = err
		return res
	}
	res.Page = info.CurrentPage
	if !info.HasNextPage {
		res.Err = ErrNoNextPage
		return res
	}

	m, ok := c.next.First(ctx, page)
	if !ok {
		res.Err = ErrNoNextPage
		return res
	}
	before := c.rowSignature(ctx, page)

	wait := page.ExpectNavigation(ctx, c.cfg.NavTimeout)
	if err := c.evasion.ClickLikeHuman(ctx, page, m.Target); err != nil {
		res.Err = errors.Categorize(err, page.URL(), "paginate")
		return res
	}
	if err := wait(); err != nil {
		res.URL = page.URL()
		res.Err = errors.NewTimeoutError(res.URL, "paginate", err)
		return res
	}
	if err := page.WaitIdle(ctx, c.cfg.IdleTimeout); err != nil {
		c.log.WithError(err).Debug("soft idle wait timed out")
	}
	res.URL = page.URL()
	if err := page.WaitFor(ctx, browser.CSS(c.cfg.Grid), c.cfg.GridTimeout); err != nil {
		if ctx.Err() != nil {
			res.Err = errors.NewCancelledError(res.URL, "paginate")
			return res
		}
		res.Err = errors.NewTimeoutError(res.URL, "paginate", err)
		return res
	}

	if after := c.rowSignature(ctx, page); after == before {
		res.Err = errors.NewNavigationError(res.URL, "paginate",
			"page "+strconv.Itoa(info.CurrentPage)+" did not advance")
		return res
	}
	if next, err := c.GetPaginationInfo(ctx, page); err == nil {
		res.Page = next.CurrentPage
	} else {
		res.Page = info.CurrentPage + 1
	}
	res.Success = true
	return res
}

// rowSignature joins the text of every grid row. Two loads of the same page
// produce the same signature.
func (c *Controller) rowSignature(ctx context.Context, page browser.Page) string {
	html, err := page.HTML(ctx)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var b strings.Builder
	doc.Find(c.cfg.Rows).Each(func(_ int, row *goquery.Selection) {
		b.WriteString(strings.Join(strings.Fields(row.Text()), " "))
		b.WriteByte('\x1f')
	})
	return b.String()
}

// Seek advances page by page until the listing shows page n. It is used to
// re-establish a position after the session was recreated.
func (c *Controller) Seek(ctx context.Context, page browser.Page, n int) error {
	for {
		info, err := c.GetPaginationInfo(ctx, page)
		if err != nil {
			return err
		}
		if info.CurrentPage >= n {
			return nil
		}
		res := c.NavigateToNextPage(ctx, page)
		if res.Err != nil {
			return res.Err
		}
	}
}

func pageFromURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func resolve(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := b.Parse(href)
	if err != nil {
		return href
	}
	return ref.String()
}
