package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// RodPage implements Page on a rod page inside an incognito context.
type RodPage struct {
	page      *rod.Page
	incognito *rod.Browser
	status    atomic.Int64

	mu      sync.Mutex
	persona Persona
}

func newRodPage(page *rod.Page, incognito *rod.Browser) *RodPage {
	rp := &RodPage{page: page, incognito: incognito}

	// Track main document status codes for blocking detection.
	go page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type == proto.NetworkResourceTypeDocument && e.FrameID == page.FrameID {
			rp.status.Store(int64(e.Response.Status))
		}
	})()

	return rp
}

// Rod returns the underlying rod page.
func (p *RodPage) Rod() *rod.Page {
	return p.page
}

func (p *RodPage) Navigate(ctx context.Context, u string) (int, error) {
	p.status.Store(0)
	page := p.page.Context(ctx)
	if err := page.Navigate(u); err != nil {
		return 0, err
	}
	if err := page.WaitLoad(); err != nil {
		return p.Status(), err
	}
	return p.Status(), nil
}

func (p *RodPage) Status() int {
	return int(p.status.Load())
}

func (p *RodPage) URL() string {
	info, err := p.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (p *RodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *RodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *RodPage) Text(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// find returns every element matching t, filtered by text pattern.
func (p *RodPage) find(ctx context.Context, t Target) (rod.Elements, error) {
	els, err := p.page.Context(ctx).Elements(t.Selector)
	if err != nil {
		return nil, err
	}
	if t.Pattern == "" {
		return els, nil
	}

	re, err := regexp.Compile(t.Pattern)
	if err != nil {
		return nil, fmt.Errorf("bad text pattern %q: %w", t.Pattern, err)
	}
	out := make(rod.Elements, 0, len(els))
	for _, el := range els {
		txt, err := el.Text()
		if err == nil && re.MatchString(strings.TrimSpace(txt)) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (p *RodPage) first(ctx context.Context, t Target) (*rod.Element, error) {
	els, err := p.find(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t)
	}
	return els[0], nil
}

func (p *RodPage) Has(ctx context.Context, t Target) bool {
	return p.Count(ctx, t) > 0
}

func (p *RodPage) Count(ctx context.Context, t Target) int {
	els, err := p.find(ctx, t)
	if err != nil {
		return 0
	}
	return len(els)
}

func (p *RodPage) Attr(ctx context.Context, t Target, name string) (string, bool) {
	el, err := p.first(ctx, t)
	if err != nil {
		return "", false
	}
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (p *RodPage) ElementText(ctx context.Context, t Target) (string, error) {
	el, err := p.first(ctx, t)
	if err != nil {
		return "", err
	}
	txt, err := el.Text()
	return strings.TrimSpace(txt), err
}

func (p *RodPage) Box(ctx context.Context, t Target) (Box, error) {
	el, err := p.first(ctx, t)
	if err != nil {
		return Box{}, err
	}
	shape, err := el.Shape()
	if err != nil {
		return Box{}, err
	}
	r := shape.Box()
	if r == nil {
		return Box{}, fmt.Errorf("%w: %s has no box", ErrNotFound, t)
	}
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

func (p *RodPage) WaitFor(ctx context.Context, t Target, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(150 * time.Millisecond)
	defer tick.Stop()
	for {
		if p.Has(ctx, t) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", t, ctx.Err())
		case <-tick.C:
		}
	}
}

func (p *RodPage) Click(ctx context.Context, t Target) error {
	el, err := p.first(ctx, t)
	if err != nil {
		return err
	}
	return el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (p *RodPage) Fill(ctx context.Context, t Target, value string) error {
	el, err := p.first(ctx, t)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (p *RodPage) Select(ctx context.Context, t Target, value string) error {
	el, err := p.first(ctx, t)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	byValue := fmt.Sprintf(`option[value=%q]`, value)
	if err := el.Select([]string{byValue}, true, rod.SelectorTypeCSSSector); err == nil {
		return nil
	}
	return el.Select([]string{"^" + regexp.QuoteMeta(value) + "$"}, true, rod.SelectorTypeRegex)
}

var namedKeys = map[string]input.Key{
	"Tab":       input.Tab,
	"Enter":     input.Enter,
	"Escape":    input.Escape,
	"Space":     input.Space,
	"ArrowDown": input.ArrowDown,
	"ArrowUp":   input.ArrowUp,
	"PageDown":  input.PageDown,
	"PageUp":    input.PageUp,
	"Home":      input.Home,
	"End":       input.End,
	"Shift":     input.ShiftLeft,
}

func (p *RodPage) Press(ctx context.Context, key string) error {
	k, ok := namedKeys[key]
	if !ok {
		r, size := utf8.DecodeRuneInString(key)
		if size == 0 || size != len(key) {
			return fmt.Errorf("unknown key %q", key)
		}
		k = input.Key(r)
	}
	return p.page.Context(ctx).Keyboard.Press(k)
}

func (p *RodPage) MoveMouse(ctx context.Context, pt Point) error {
	return p.page.Context(ctx).Mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y})
}

func (p *RodPage) Scroll(ctx context.Context, dx, dy float64) error {
	return p.page.Context(ctx).Mouse.Scroll(dx, dy, 4)
}

func (p *RodPage) Viewport() (int, int) {
	pr := p.Persona()
	if pr.Width > 0 && pr.Height > 0 {
		return pr.Width, pr.Height
	}
	return 1280, 800
}

func (p *RodPage) Eval(ctx context.Context, js string, args ...interface{}) (string, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *RodPage) ExpectNavigation(ctx context.Context, timeout time.Duration) func() error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	wait := p.page.Context(tctx).WaitNavigation(proto.PageLifecycleEventNameLoad)
	return func() error {
		defer cancel()
		wait()
		if err := tctx.Err(); err != nil {
			return fmt.Errorf("navigation did not complete: %w", err)
		}
		return nil
	}
}

func (p *RodPage) WaitIdle(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := p.page.Context(tctx)
	page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
	if err := tctx.Err(); err != nil {
		return fmt.Errorf("network not idle: %w", err)
	}
	res, err := page.Eval(networkIdleScript)
	if err != nil || !res.Value.Bool() {
		return fmt.Errorf("network not idle")
	}
	return nil
}

func (p *RodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	cookies, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (p *RodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	return p.page.Context(ctx).SetCookies(params)
}

func (p *RodPage) CaptureStorage(ctx context.Context) (Storage, error) {
	res, err := p.page.Context(ctx).Eval(storageCaptureScript)
	if err != nil {
		return Storage{}, err
	}
	var s Storage
	if err := json.Unmarshal([]byte(res.Value.Str()), &s); err != nil {
		return Storage{}, fmt.Errorf("decode storage: %w", err)
	}
	return s, nil
}

// RestoreStorage writes s into the page. The page must be on s.Origin, so
// it navigates there first when needed.
func (p *RodPage) RestoreStorage(ctx context.Context, s Storage) error {
	if len(s.Local) == 0 && len(s.Session) == 0 {
		return nil
	}
	if s.Origin != "" && originOf(p.URL()) != s.Origin {
		if _, err := p.Navigate(ctx, s.Origin); err != nil {
			return err
		}
	}
	local, session := s.Local, s.Session
	if local == nil {
		local = map[string]string{}
	}
	if session == nil {
		session = map[string]string{}
	}
	_, err := p.page.Context(ctx).Eval(storageRestoreScript, local, session)
	return err
}

func (p *RodPage) ClearState(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		return err
	}
	if origin := originOf(p.URL()); origin != "" {
		_ = proto.StorageClearDataForOrigin{
			Origin:       origin,
			StorageTypes: "local_storage,indexeddb,cache_storage,service_workers",
		}.Call(page)
	}
	_, err := page.Eval(storageClearScript)
	return err
}

func (p *RodPage) Persona() Persona {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persona
}

func (p *RodPage) SetPersona(ctx context.Context, persona Persona) error {
	if err := applyPersona(p.page.Context(ctx), persona); err != nil {
		return err
	}
	p.mu.Lock()
	p.persona = persona
	p.mu.Unlock()
	return nil
}

func (p *RodPage) Close() error {
	err := p.page.Close()
	if p.incognito != nil {
		if cerr := p.incognito.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
