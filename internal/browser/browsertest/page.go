package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// ErrNotVisible is returned when clicking an element hidden by a collapsed
// container.
var ErrNotVisible = errors.New("element not visible")

// Page is a browser.Page backed by goquery documents served by a Portal.
// Interactions are recorded for assertions.
type Page struct {
	portal *Portal

	mu       sync.Mutex
	url      *url.URL
	doc      *goquery.Document
	status   int
	navSeq   int
	cookies  map[string]browser.Cookie
	storage  map[string]*browser.Storage
	persona  browser.Persona
	mouse    browser.Point
	closed   bool
	evalHook func(js string, args []interface{}) (string, error)

	Moves       []browser.Point
	Scrolls     int
	Presses     []string
	Clicks      []string
	Evals       []string
	ClearCalls  int
	PersonaLog  []string
	Navigations []string
}

// NewPage creates a blank page bound to portal.
func NewPage(portal *Portal, persona browser.Persona) *Page {
	p := &Page{
		portal:  portal,
		cookies: make(map[string]browser.Cookie),
		storage: make(map[string]*browser.Storage),
		persona: persona,
	}
	p.doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html><head></head><body></body></html>"))
	p.url, _ = url.Parse("about:blank")
	return p
}

// OnEval installs a handler for Eval calls.
func (p *Page) OnEval(fn func(js string, args []interface{}) (string, error)) {
	p.mu.Lock()
	p.evalHook = fn
	p.mu.Unlock()
}

// LoadHTML replaces the current document without touching the portal.
func (p *Page) LoadHTML(rawURL, html string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url, _ = url.Parse(rawURL)
	p.doc, _ = goquery.NewDocumentFromReader(strings.NewReader(html))
	p.status = status
	p.navSeq++
}

func (p *Page) load(ctx context.Context, method string, u *url.URL, form url.Values) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if p.closed {
		return 0, errors.New("page closed")
	}
	base, _ := url.Parse(BaseURL)
	if u.Host != base.Host {
		return 0, fmt.Errorf("net::ERR_NAME_NOT_RESOLVED at %s", u)
	}

	for hops := 0; hops < 5; hops++ {
		jar := make(map[string]string, len(p.cookies))
		for name, c := range p.cookies {
			jar[name] = c.Value
		}
		resp := p.portal.Serve(Request{Method: method, URL: u, Form: form, Cookies: jar})
		for name, value := range resp.SetCookies {
			p.cookies[name] = browser.Cookie{Name: name, Value: value, Domain: base.Host, Path: "/"}
		}
		if len(resp.Local) > 0 {
			st := p.storageFor(BaseURL)
			for k, v := range resp.Local {
				st.Local[k] = v
			}
		}
		p.Navigations = append(p.Navigations, u.RequestURI())

		if resp.Location != "" {
			next, err := u.Parse(resp.Location)
			if err != nil {
				return resp.Status, err
			}
			u, method, form = next, "GET", nil
			continue
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.HTML))
		if err != nil {
			return resp.Status, err
		}
		p.url, p.doc, p.status = u, doc, resp.Status
		p.navSeq++
		return resp.Status, nil
	}
	return 0, errors.New("too many redirects")
}

func (p *Page) storageFor(origin string) *browser.Storage {
	st, ok := p.storage[origin]
	if !ok {
		st = &browser.Storage{Origin: origin, Local: map[string]string{}, Session: map[string]string{}}
		p.storage[origin] = st
	}
	return st
}

func (p *Page) Navigate(ctx context.Context, rawURL string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := p.url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	return p.load(ctx, "GET", u, nil)
}

func (p *Page) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url.String()
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.doc.Find("title").First().Text()), nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Html()
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(strings.Fields(p.doc.Find("body").Text()), " "), nil
}

func (p *Page) find(t browser.Target) *goquery.Selection {
	sel := p.doc.Find(t.Selector)
	if t.Pattern == "" {
		return sel
	}
	re, err := regexp.Compile(t.Pattern)
	if err != nil {
		return sel.Slice(0, 0)
	}
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return re.MatchString(strings.TrimSpace(s.Text()))
	})
}

func (p *Page) first(t browser.Target) (*goquery.Selection, error) {
	sel := p.find(t)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotFound, t)
	}
	return sel.First(), nil
}

func hidden(s *goquery.Selection) bool {
	collapsed := s.ParentsFiltered(".collapse").FilterFunction(func(_ int, c *goquery.Selection) bool {
		return !c.HasClass("show")
	})
	return collapsed.Length() > 0
}

func (p *Page) Has(ctx context.Context, t browser.Target) bool {
	return p.Count(ctx, t) > 0
}

func (p *Page) Count(ctx context.Context, t browser.Target) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(t).Length()
}

func (p *Page) Attr(ctx context.Context, t browser.Target, name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.first(t)
	if err != nil {
		return "", false
	}
	return s.Attr(name)
}

func (p *Page) ElementText(ctx context.Context, t browser.Target) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.first(t)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(s.Text()), " "), nil
}

// Box lays elements out on a fixed grid by document order.
func (p *Page) Box(ctx context.Context, t browser.Target) (browser.Box, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.first(t)
	if err != nil {
		return browser.Box{}, err
	}
	if hidden(s) {
		return browser.Box{}, fmt.Errorf("%w: %s", ErrNotVisible, t)
	}
	idx := p.doc.Find("*").IndexOfSelection(s)
	return browser.Box{X: float64(40 + (idx%8)*90), Y: float64(60 + (idx/8)*24), Width: 80, Height: 20}, nil
}

func (p *Page) WaitFor(ctx context.Context, t browser.Target, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Has(ctx, t) {
		return nil
	}
	return fmt.Errorf("waiting for %s: %w", t, context.DeadlineExceeded)
}

func (p *Page) Click(ctx context.Context, t browser.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.first(t)
	if err != nil {
		return err
	}
	if hidden(s) {
		return fmt.Errorf("%w: %s", ErrNotVisible, t)
	}
	p.Clicks = append(p.Clicks, t.String())

	if s.AttrOr("data-bs-toggle", "") == "collapse" {
		target := p.doc.Find(s.AttrOr("data-bs-target", ""))
		if target.HasClass("show") {
			target.RemoveClass("show")
			s.SetAttr("aria-expanded", "false")
		} else {
			target.AddClass("show")
			s.SetAttr("aria-expanded", "true")
		}
		return nil
	}

	if s.AttrOr("role", "") == "checkbox" {
		s.SetAttr("aria-checked", "true")
		if s.Closest(".g-recaptcha").Length() > 0 {
			p.portal.passCaptcha(p.cookies["sid"].Value)
			s.Closest(".g-recaptcha").Remove()
		}
		return nil
	}

	if goquery.NodeName(s) == "a" {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return nil
		}
		u, err := p.url.Parse(href)
		if err != nil {
			return err
		}
		_, err = p.load(ctx, "GET", u, nil)
		return err
	}

	typ := strings.ToLower(s.AttrOr("type", "submit"))
	if (goquery.NodeName(s) == "button" && typ == "submit") || (goquery.NodeName(s) == "input" && typ == "submit") {
		form := s.Closest("form")
		if form.Length() == 0 {
			return nil
		}
		return p.submit(ctx, form)
	}
	return nil
}

func (p *Page) submit(ctx context.Context, form *goquery.Selection) error {
	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if (typ == "checkbox" || typ == "radio") && !in.Is("[checked]") {
			return
		}
		values.Add(in.AttrOr("name", ""), in.AttrOr("value", ""))
	})
	form.Find("textarea[name]").Each(func(_ int, ta *goquery.Selection) {
		values.Add(ta.AttrOr("name", ""), ta.Text())
	})
	form.Find("select[name]").Each(func(_ int, sel *goquery.Selection) {
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		values.Add(sel.AttrOr("name", ""), opt.AttrOr("value", opt.Text()))
	})

	action, err := p.url.Parse(form.AttrOr("action", p.url.Path))
	if err != nil {
		return err
	}
	if strings.EqualFold(form.AttrOr("method", "get"), "post") {
		_, err = p.load(ctx, "POST", action, values)
		return err
	}
	action.RawQuery = values.Encode()
	_, err = p.load(ctx, "GET", action, nil)
	return err
}

func (p *Page) Fill(ctx context.Context, t browser.Target, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.first(t)
	if err != nil {
		return err
	}
	if goquery.NodeName(s) == "textarea" {
		s.SetText(value)
		return nil
	}
	s.SetAttr("value", value)
	return nil
}

func (p *Page) Select(ctx context.Context, t browser.Target, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.first(t)
	if err != nil {
		return err
	}
	opts := s.Find("option")
	match := opts.FilterFunction(func(_ int, o *goquery.Selection) bool {
		return o.AttrOr("value", "") == value || strings.TrimSpace(o.Text()) == value
	})
	if match.Length() == 0 {
		return fmt.Errorf("%w: option %q in %s", browser.ErrNotFound, value, t)
	}
	opts.RemoveAttr("selected")
	match.First().SetAttr("selected", "selected")
	return nil
}

func (p *Page) Press(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Presses = append(p.Presses, key)
	return ctx.Err()
}

func (p *Page) MoveMouse(ctx context.Context, pt browser.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mouse = pt
	p.Moves = append(p.Moves, pt)
	return ctx.Err()
}

// Mouse returns the last pointer position.
func (p *Page) Mouse() browser.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mouse
}

func (p *Page) Scroll(ctx context.Context, dx, dy float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Scrolls++
	return ctx.Err()
}

func (p *Page) Viewport() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.persona.Width > 0 && p.persona.Height > 0 {
		return p.persona.Width, p.persona.Height
	}
	return 1280, 800
}

func (p *Page) Eval(ctx context.Context, js string, args ...interface{}) (string, error) {
	p.mu.Lock()
	p.Evals = append(p.Evals, js)
	hook := p.evalHook
	p.mu.Unlock()
	if hook != nil {
		return hook(js, args)
	}
	return "", nil
}

func (p *Page) ExpectNavigation(ctx context.Context, timeout time.Duration) func() error {
	p.mu.Lock()
	seq := p.navSeq
	p.mu.Unlock()
	return func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.navSeq == seq {
			return fmt.Errorf("navigation did not complete: %w", context.DeadlineExceeded)
		}
		return nil
	}
}

func (p *Page) WaitIdle(ctx context.Context, timeout time.Duration) error {
	if p.portal.opts.NeverIdle {
		return fmt.Errorf("network not idle: %w", context.DeadlineExceeded)
	}
	return ctx.Err()
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]browser.Cookie, 0, len(p.cookies))
	for _, c := range p.cookies {
		out = append(out, c)
	}
	return out, nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		p.cookies[c.Name] = c
	}
	return nil
}

func (p *Page) CaptureStorage(ctx context.Context) (browser.Storage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	origin := p.url.Scheme + "://" + p.url.Host
	st := p.storageFor(origin)
	out := browser.Storage{Origin: origin, Local: map[string]string{}, Session: map[string]string{}}
	for k, v := range st.Local {
		out.Local[k] = v
	}
	for k, v := range st.Session {
		out.Session[k] = v
	}
	return out, nil
}

func (p *Page) RestoreStorage(ctx context.Context, s browser.Storage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.storageFor(s.Origin)
	for k, v := range s.Local {
		st.Local[k] = v
	}
	for k, v := range s.Session {
		st.Session[k] = v
	}
	return nil
}

func (p *Page) ClearState(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClearCalls++
	p.cookies = make(map[string]browser.Cookie)
	p.storage = make(map[string]*browser.Storage)
	return ctx.Err()
}

// LocalStorage returns a copy of the local storage of origin.
func (p *Page) LocalStorage(origin string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	if st, ok := p.storage[origin]; ok {
		for k, v := range st.Local {
			out[k] = v
		}
	}
	return out
}

func (p *Page) Persona() browser.Persona {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persona
}

func (p *Page) SetPersona(ctx context.Context, persona browser.Persona) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persona = persona
	p.PersonaLog = append(p.PersonaLog, persona.Name)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.portal.pageClosed()
	return nil
}

// Counters returns a snapshot of recorded interaction counts.
func (p *Page) Counters() (moves, scrolls, presses, clicks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Moves), p.Scrolls, len(p.Presses), len(p.Clicks)
}
