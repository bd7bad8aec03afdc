// Package browsertest provides an in-memory affiliate portal and a fake
// browser.Page that drives it, for tests that must not launch Chromium.
package browsertest

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// BaseURL is the origin the simulated portal answers on.
const BaseURL = "https://portal.test"

// Default credentials accepted by the portal.
const (
	Username = "analyst@example.com"
	Password = "correct-horse"
)

// Captcha kinds the login page can show.
const (
	CaptchaNone     = ""
	CaptchaCheckbox = "checkbox"
	CaptchaImage    = "image"
)

// PortalOptions shapes the simulated portal.
type PortalOptions struct {
	Username string
	Password string

	TotalPages  int // default 3
	RowsPerPage int // default 5
	// BlankRows is the number of rows per page rendered without a name.
	BlankRows int
	// NextOnLastPage keeps a disabled next link on the final page.
	NextOnLastPage bool

	// BlockOnPage serves a blocking banner instead of that directory page
	// BlockTimes times (default once). The session is dropped as well.
	BlockOnPage int
	BlockTimes  int
	BlockStatus int // default 200

	LoginCaptcha string
	// Rechallenge shows the captcha again after the first solved submit.
	Rechallenge bool

	// DetailStatus overrides the status of detail pages (e.g. 500).
	DetailStatus int
	// NeverIdle makes WaitIdle time out on every page.
	NeverIdle bool
	// ExpandedMenu renders the tools menu already open.
	ExpandedMenu bool
}

// Request is one simulated HTTP request.
type Request struct {
	Method  string
	URL     *url.URL
	Form    url.Values
	Cookies map[string]string
}

// Response is the portal's answer.
type Response struct {
	Status     int
	HTML       string
	Location   string
	SetCookies map[string]string
	Local      map[string]string
}

type portalSession struct {
	authenticated bool
	captchaPassed bool
	rechallenged  bool
}

// Portal is a deterministic affiliate portal. It is safe for concurrent
// pages and implements browser.Opener.
type Portal struct {
	opts PortalOptions

	mu        sync.Mutex
	sessions  map[string]*portalSession
	nextSID   int
	requests  int
	paths     []string
	blocked   int
	openPages int
	maxOpen   int
	opened    int
}

// NewPortal creates a portal with defaults filled in.
func NewPortal(opts PortalOptions) *Portal {
	if opts.Username == "" {
		opts.Username = Username
	}
	if opts.Password == "" {
		opts.Password = Password
	}
	if opts.TotalPages <= 0 {
		opts.TotalPages = 3
	}
	if opts.RowsPerPage <= 0 {
		opts.RowsPerPage = 5
	}
	if opts.BlockOnPage > 0 && opts.BlockTimes <= 0 {
		opts.BlockTimes = 1
	}
	if opts.BlockStatus == 0 {
		opts.BlockStatus = 200
	}
	return &Portal{opts: opts, sessions: make(map[string]*portalSession)}
}

// Options returns the effective options.
func (p *Portal) Options() PortalOptions {
	return p.opts
}

// NewPage opens a fake page against the portal.
func (p *Portal) NewPage(ctx context.Context, persona browser.Persona) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.openPages++
	p.opened++
	if p.openPages > p.maxOpen {
		p.maxOpen = p.openPages
	}
	p.mu.Unlock()
	return NewPage(p, persona), nil
}

func (p *Portal) pageClosed() {
	p.mu.Lock()
	p.openPages--
	p.mu.Unlock()
}

// Requests returns the number of requests served.
func (p *Portal) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// Paths returns every requested path with its query, in order.
func (p *Portal) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

// CountPath returns how many requests hit a path starting with prefix.
func (p *Portal) CountPath(prefix string) int {
	n := 0
	for _, path := range p.Paths() {
		if strings.HasPrefix(path, prefix) {
			n++
		}
	}
	return n
}

// Blocked returns how many blocking pages were served.
func (p *Portal) Blocked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked
}

// MaxOpenPages returns the peak number of simultaneously open pages.
func (p *Portal) MaxOpenPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

// OpenedPages returns how many pages were ever opened.
func (p *Portal) OpenedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// ExpireSessions logs every session out server-side.
func (p *Portal) ExpireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[string]*portalSession)
}

func (p *Portal) passCaptcha(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sid]; ok {
		s.captchaPassed = true
	}
}

// Serve answers one request.
func (p *Portal) Serve(req Request) Response {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests++
	p.paths = append(p.paths, req.URL.RequestURI())

	resp := Response{Status: 200, SetCookies: map[string]string{}}
	sid := req.Cookies["sid"]
	sess, ok := p.sessions[sid]
	if !ok {
		p.nextSID++
		sid = "s" + strconv.Itoa(p.nextSID)
		sess = &portalSession{}
		p.sessions[sid] = sess
		resp.SetCookies["sid"] = sid
	}

	path := req.URL.Path
	switch {
	case path == "/" || path == "":
		resp.HTML = landingPage()
	case path == "/login" && req.Method == "POST":
		p.handleLogin(sess, req.Form, &resp)
	case path == "/login":
		if sess.authenticated {
			resp.Status, resp.Location = 302, "/dashboard"
			return resp
		}
		resp.HTML = p.loginPage("", p.opts.LoginCaptcha)
	case !sess.authenticated:
		resp.Status, resp.Location = 302, "/login"
	case path == "/dashboard":
		resp.HTML = p.dashboardPage()
	case path == "/merchants/directory":
		p.handleDirectory(sid, req.URL.Query(), &resp)
	case strings.HasPrefix(path, "/merchants/"):
		p.handleDetail(strings.TrimPrefix(path, "/merchants/"), &resp)
	default:
		resp.Status = 404
		resp.HTML = page("Not Found", true, `<h1>Page not found</h1>`)
	}
	return resp
}

func (p *Portal) handleLogin(sess *portalSession, form url.Values, resp *Response) {
	if p.opts.LoginCaptcha != CaptchaNone {
		solved := sess.captchaPassed || form.Get("g-recaptcha-response") != ""
		if p.opts.LoginCaptcha == CaptchaImage {
			solved = form.Get("captcha_text") == "human"
		}
		if solved && p.opts.Rechallenge && !sess.rechallenged {
			sess.rechallenged = true
			sess.captchaPassed = false
			solved = false
		}
		if !solved {
			resp.HTML = p.loginPage("Please complete the security check.", p.opts.LoginCaptcha)
			return
		}
	}

	if form.Get("username") != p.opts.Username || form.Get("password") != p.opts.Password {
		resp.HTML = p.loginPage("Invalid username or password.", CaptchaNone)
		return
	}

	sess.authenticated = true
	resp.Status, resp.Location = 302, "/dashboard"
	resp.Local = map[string]string{"portal.user": form.Get("username")}
}

func (p *Portal) handleDirectory(sid string, q url.Values, resp *Response) {
	pageNum, _ := strconv.Atoi(q.Get("page"))
	if pageNum < 1 {
		pageNum = 1
	}

	if p.opts.BlockOnPage == pageNum && p.blocked < p.opts.BlockTimes {
		p.blocked++
		delete(p.sessions, sid)
		resp.Status = p.opts.BlockStatus
		resp.HTML = blockedPage()
		return
	}
	resp.HTML = p.directoryPage(pageNum, q)
}

func (p *Portal) handleDetail(id string, resp *Response) {
	n, err := strconv.Atoi(id)
	if err != nil {
		resp.Status = 404
		resp.HTML = page("Not Found", true, `<h1>Merchant not found</h1>`)
		return
	}
	if p.opts.DetailStatus != 0 {
		resp.Status = p.opts.DetailStatus
		resp.HTML = page("Server Error", true, `<h1>Something went wrong</h1>`)
		return
	}
	resp.HTML = detailPage(n)
}

// =============================================================================
// Markup
// =============================================================================

func page(title string, authed bool, body string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body>")
	if authed {
		b.WriteString(`<nav class="navbar"><div id="user-menu" class="dropdown">` +
			`<span class="user-name">Analyst</span><a id="logout" href="/logout">Sign out</a></div></nav>`)
	}
	b.WriteString(`<main>`)
	b.WriteString(body)
	b.WriteString(`</main></body></html>`)
	return b.String()
}

func landingPage() string {
	return page("Affiliate Portal", false,
		`<h1>Welcome to the affiliate portal</h1><a href="/login">Sign in</a>`)
}

func (p *Portal) loginPage(errMsg, captcha string) string {
	var b strings.Builder
	if errMsg != "" {
		fmt.Fprintf(&b, `<div class="alert alert-danger" role="alert">%s</div>`, html.EscapeString(errMsg))
	}
	b.WriteString(`<form id="login-form" action="/login" method="post">` +
		`<label for="username">Email</label><input id="username" name="username" type="email" value="">` +
		`<label for="password">Password</label><input id="password" name="password" type="password" value="">`)
	switch captcha {
	case CaptchaCheckbox:
		b.WriteString(`<div class="g-recaptcha" data-sitekey="6Lc-test-sitekey">` +
			`<span id="recaptcha-anchor" class="recaptcha-checkbox" role="checkbox" aria-checked="false"></span></div>` +
			`<textarea id="g-recaptcha-response" name="g-recaptcha-response" style="display:none"></textarea>`)
	case CaptchaImage:
		b.WriteString(`<div class="captcha-image"><img src="/captcha.png" alt="captcha"></div>` +
			`<input name="captcha_text" type="text" value="">`)
	}
	b.WriteString(`<button id="login-submit" type="submit">Sign in</button></form>`)
	return page("Sign in | Affiliate Portal", false, b.String())
}

func (p *Portal) dashboardPage() string {
	expanded, class := "false", "collapse"
	if p.opts.ExpandedMenu {
		expanded, class = "true", "collapse show"
	}
	body := fmt.Sprintf(`<div class="dashboard"><h1>Dashboard</h1>`+
		`<div class="widget">Welcome back</div>`+
		`<a id="tools-toggle" href="#" data-bs-toggle="collapse" data-bs-target="#tools-menu" aria-expanded="%s">Tools</a>`+
		`<div id="tools-menu" class="%s"><ul>`+
		`<li><a href="/reports">Reports</a></li>`+
		`<li><a href="/merchants/directory" data-nav="merchant-directory">Merchant Directory</a></li>`+
		`</ul></div></div>`, expanded, class)
	return page("Dashboard | Affiliate Portal", true, body)
}

var (
	countries = []string{"United Kingdom", "Germany", "France", "Spain"}
	networks  = []string{"Awin", "CJ", "Rakuten", "Impact"}
)

// RowName returns the merchant name rendered at row i of page n.
func RowName(n, i int) string {
	return fmt.Sprintf("Merchant %d-%d", n, i)
}

func (p *Portal) directoryPage(n int, q url.Values) string {
	total := p.opts.TotalPages * p.opts.RowsPerPage
	var b strings.Builder

	b.WriteString(`<div class="directory"><h1>Merchant Directory</h1>` +
		`<form id="merchant-search" action="/merchants/directory" method="get">`)
	fmt.Fprintf(&b, `<input name="search" type="text" value="%s">`, html.EscapeString(q.Get("search")))
	writeSelect(&b, "network", append([]string{""}, networks...), q.Get("network"))
	writeSelect(&b, "category", []string{"", "Travel", "Fashion", "Electronics"}, q.Get("category"))
	writeSelect(&b, "country", append([]string{""}, countries...), q.Get("country"))
	writeSelect(&b, "display", []string{"table", "grid"}, q.Get("display"))
	b.WriteString(`<button id="search-submit" type="submit">Search</button></form>`)
	fmt.Fprintf(&b, `<span class="results-count">%d results</span>`, total)

	b.WriteString(`<table id="merchant-table"><thead><tr><th>Name</th><th>Country</th>` +
		`<th>Network</th><th>Added</th><th>Offers</th></tr></thead><tbody>`)
	if n > p.opts.TotalPages {
		b.WriteString(`<tr><td colspan="5">No merchants found</td></tr>`)
	} else {
		for i := 1; i <= p.opts.RowsPerPage; i++ {
			name := RowName(n, i)
			if i <= p.opts.BlankRows {
				name = ""
			}
			network := networks[(n+i)%len(networks)]
			if f := q.Get("network"); f != "" {
				network = f
			}
			country := countries[i%len(countries)]
			if f := q.Get("country"); f != "" {
				country = f
			}
			fmt.Fprintf(&b, `<tr><td><a href="/merchants/%d">%s</a></td><td>%s</td><td>%s</td>`+
				`<td>%02d/%02d/2024</td><td>%d</td></tr>`,
				n*100+i, html.EscapeString(name), country, network, i, n, i%4)
		}
	}
	b.WriteString(`</tbody></table>`)

	b.WriteString(`<div class="pagination">`)
	fmt.Fprintf(&b, `<span class="page-info">Page %d of %d</span>`, n, p.opts.TotalPages)
	next := cloneValues(q)
	next.Set("page", strconv.Itoa(n+1))
	if n < p.opts.TotalPages {
		fmt.Fprintf(&b, `<a class="page-next" href="/merchants/directory?%s">Next</a>`, html.EscapeString(next.Encode()))
	} else if p.opts.NextOnLastPage {
		fmt.Fprintf(&b, `<a class="page-next disabled" href="/merchants/directory?%s" aria-disabled="true">Next</a>`, html.EscapeString(next.Encode()))
	}
	b.WriteString(`</div></div>`)

	return page("Merchant Directory | Affiliate Portal", true, b.String())
}

func writeSelect(b *strings.Builder, name string, options []string, selected string) {
	fmt.Fprintf(b, `<select name="%s">`, name)
	for _, o := range options {
		label := o
		if label == "" {
			label = "All"
		}
		sel := ""
		if o == selected {
			sel = ` selected`
		}
		fmt.Fprintf(b, `<option value="%s"%s>%s</option>`, html.EscapeString(o), sel, html.EscapeString(label))
	}
	b.WriteString(`</select>`)
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func detailPage(id int) string {
	n, i := id/100, id%100
	name := RowName(n, i)
	slug := strings.ReplaceAll(strings.ToLower(name), " ", "-")
	body := fmt.Sprintf(`<div class="merchant-detail"><h1>%s</h1>`+
		`<p class="merchant-homepage"><a href="https://%s.example">Visit site</a></p>`+
		`<dl class="merchant-facts"><dt>Category</dt><dd>Travel</dd>`+
		`<dt>Merchant ID</dt><dd>M-%d</dd><dt>Advertiser Identifier</dt><dd>ADV%d</dd></dl>`+
		`<ul class="shipping-regions"><li>United Kingdom</li><li>Ireland</li></ul>`+
		`<img class="merchant-logo" src="/logos/%d.png">`+
		`<img class="merchant-screenshot" src="/shots/%d.jpg">`+
		`<div class="network-links"><a href="/networks/awin">Awin</a><a href="/networks/cj">CJ</a></div></div>`,
		html.EscapeString(name), slug, id, id, id, id)
	return page(name+" | Affiliate Portal", true, body)
}

func blockedPage() string {
	return page("Access Denied", false,
		`<div class="rate-limit-banner alert alert-warning">We have detected unusual traffic from your network. `+
			`Access has been temporarily restricted.</div>`)
}
