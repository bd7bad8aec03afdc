package auth

import (
	"context"
	"fmt"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
)

// Capture snapshots the page's cookies and the storage of its current
// origin into a session state for the store.
func (a *Authenticator) Capture(ctx context.Context, page browser.Page) (*session.State, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, errors.NewBrowserError(page.URL(), "capture_session", err)
	}
	if len(cookies) == 0 {
		return nil, errors.NewCrawlError(errors.Auth, page.URL(), "capture_session", "page holds no cookies", nil)
	}

	st := &session.State{
		Identity: a.Identity(),
		Persona:  page.Persona().Name,
		Cookies:  cookies,
	}
	storage, err := page.CaptureStorage(ctx)
	if err != nil {
		a.log.WithError(err).Warn("storage capture failed, saving cookies only")
	} else if len(storage.Local) > 0 || len(storage.Session) > 0 {
		st.Origins = append(st.Origins, storage)
	}
	return st, nil
}

// Restore loads a stored session into the page. The session still has to
// pass Verify before it is trusted.
func (a *Authenticator) Restore(ctx context.Context, page browser.Page, st *session.State) error {
	if st == nil {
		return fmt.Errorf("no session to restore")
	}
	if st.Identity != a.Identity() {
		return errors.NewCrawlError(errors.Auth, "", "restore_session",
			fmt.Sprintf("session belongs to %q", st.Identity), nil)
	}
	if err := page.SetCookies(ctx, st.Cookies); err != nil {
		return errors.NewBrowserError(page.URL(), "restore_session", err)
	}
	for _, o := range st.Origins {
		if err := page.RestoreStorage(ctx, o); err != nil {
			return errors.NewBrowserError(o.Origin, "restore_session", err)
		}
	}
	return nil
}

// Verify makes a live round trip to the dashboard and reports whether the
// portal still treats the page as signed in.
func (a *Authenticator) Verify(ctx context.Context, page browser.Page) bool {
	target := a.cfg.DashboardURL
	if target == "" {
		target = a.cfg.LoginURL
	}
	status, err := page.Navigate(ctx, target)
	if err != nil {
		a.log.WithError(err).Debug("session verification request failed")
		return false
	}
	if status >= 400 {
		return false
	}
	ok := a.isAuthenticated(ctx, page)
	if !ok {
		a.log.WithURL(page.URL()).Info("stored session no longer accepted")
	}
	return ok
}
