package browsertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

func login(t *testing.T, p *Page, user, pass string) {
	t.Helper()
	ctx := context.Background()
	_, err := p.Navigate(ctx, BaseURL+"/login")
	require.NoError(t, err)
	require.NoError(t, p.Fill(ctx, browser.CSS("#username"), user))
	require.NoError(t, p.Fill(ctx, browser.CSS("#password"), pass))
	require.NoError(t, p.Click(ctx, browser.CSS("#login-submit")))
}

func TestPortal_LoginFlow(t *testing.T) {
	portal := NewPortal(PortalOptions{})
	page := NewPage(portal, browser.Persona{})
	ctx := context.Background()

	login(t, page, Username, "wrong")
	assert.True(t, page.Has(ctx, browser.CSS(".alert-danger")))
	assert.True(t, page.Has(ctx, browser.CSS("form#login-form")))

	login(t, page, Username, Password)
	assert.Equal(t, BaseURL+"/dashboard", page.URL())
	assert.True(t, page.Has(ctx, browser.CSS("#user-menu")))
	assert.Equal(t, Username, page.LocalStorage(BaseURL)["portal.user"])
}

func TestPortal_UnauthenticatedRedirect(t *testing.T) {
	portal := NewPortal(PortalOptions{})
	page := NewPage(portal, browser.Persona{})

	_, err := page.Navigate(context.Background(), BaseURL+"/merchants/directory")
	require.NoError(t, err)
	assert.Equal(t, BaseURL+"/login", page.URL())
}

func TestPortal_CollapsedMenu(t *testing.T) {
	portal := NewPortal(PortalOptions{})
	page := NewPage(portal, browser.Persona{})
	ctx := context.Background()
	login(t, page, Username, Password)

	link := browser.Text("a", "(?i)merchant directory")
	assert.ErrorIs(t, page.Click(ctx, link), ErrNotVisible)

	require.NoError(t, page.Click(ctx, browser.CSS("#tools-toggle")))
	v, _ := page.Attr(ctx, browser.CSS("#tools-toggle"), "aria-expanded")
	assert.Equal(t, "true", v)

	require.NoError(t, page.Click(ctx, link))
	assert.True(t, page.Has(ctx, browser.CSS("table#merchant-table")))
}

func TestPortal_SearchAndPaging(t *testing.T) {
	portal := NewPortal(PortalOptions{TotalPages: 2, RowsPerPage: 3})
	page := NewPage(portal, browser.Persona{})
	ctx := context.Background()
	login(t, page, Username, Password)

	_, err := page.Navigate(ctx, BaseURL+"/merchants/directory")
	require.NoError(t, err)
	require.NoError(t, page.Select(ctx, browser.CSS(`select[name="network"]`), "CJ"))
	require.NoError(t, page.Click(ctx, browser.CSS("#search-submit")))

	assert.Contains(t, page.URL(), "network=CJ")
	assert.Equal(t, 3, page.Count(ctx, browser.CSS("table#merchant-table tbody tr")))
	info, _ := page.ElementText(ctx, browser.CSS(".page-info"))
	assert.Equal(t, "Page 1 of 2", info)

	require.NoError(t, page.Click(ctx, browser.CSS("a.page-next")))
	info, _ = page.ElementText(ctx, browser.CSS(".page-info"))
	assert.Equal(t, "Page 2 of 2", info)
	assert.Contains(t, page.URL(), "network=CJ")
	assert.False(t, page.Has(ctx, browser.CSS("a.page-next")))
}

func TestPortal_BlockDropsSession(t *testing.T) {
	portal := NewPortal(PortalOptions{BlockOnPage: 1, BlockStatus: 429})
	page := NewPage(portal, browser.Persona{})
	ctx := context.Background()
	login(t, page, Username, Password)

	status, err := page.Navigate(ctx, BaseURL+"/merchants/directory")
	require.NoError(t, err)
	assert.Equal(t, 429, status)
	assert.True(t, page.Has(ctx, browser.CSS(".rate-limit-banner")))
	assert.Equal(t, 1, portal.Blocked())

	_, err = page.Navigate(ctx, BaseURL+"/merchants/directory")
	require.NoError(t, err)
	assert.Equal(t, BaseURL+"/login", page.URL(), "session is gone after a block")
}

func TestPortal_CheckboxCaptcha(t *testing.T) {
	portal := NewPortal(PortalOptions{LoginCaptcha: CaptchaCheckbox})
	page := NewPage(portal, browser.Persona{})
	ctx := context.Background()

	_, err := page.Navigate(ctx, BaseURL+"/login")
	require.NoError(t, err)
	require.True(t, page.Has(ctx, browser.CSS(".g-recaptcha")))

	require.NoError(t, page.Click(ctx, browser.CSS("#recaptcha-anchor")))
	assert.False(t, page.Has(ctx, browser.CSS(".g-recaptcha")))

	require.NoError(t, page.Fill(ctx, browser.CSS("#username"), Username))
	require.NoError(t, page.Fill(ctx, browser.CSS("#password"), Password))
	require.NoError(t, page.Click(ctx, browser.CSS("#login-submit")))
	assert.Equal(t, BaseURL+"/dashboard", page.URL())
}

func TestPortal_OpenerTracksPages(t *testing.T) {
	portal := NewPortal(PortalOptions{})
	ctx := context.Background()

	a, err := portal.NewPage(ctx, browser.Persona{})
	require.NoError(t, err)
	b, err := portal.NewPage(ctx, browser.Persona{})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, 2, portal.MaxOpenPages())
	assert.Equal(t, 2, portal.OpenedPages())
	assert.Zero(t, portal.Requests())
}

func TestPage_ClearState(t *testing.T) {
	portal := NewPortal(PortalOptions{})
	page := NewPage(portal, browser.Persona{})
	ctx := context.Background()
	login(t, page, Username, Password)

	cookies, _ := page.Cookies(ctx)
	require.NotEmpty(t, cookies)

	require.NoError(t, page.ClearState(ctx))
	cookies, _ = page.Cookies(ctx)
	assert.Empty(t, cookies)
	assert.Empty(t, page.LocalStorage(BaseURL))

	_, err := page.Navigate(ctx, BaseURL+"/dashboard")
	require.NoError(t, err)
	assert.Equal(t, BaseURL+"/login", page.URL())
}
