package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/PentesterFlow/merchantcrawler/internal/antidetect"
	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/errors"
	"github.com/PentesterFlow/merchantcrawler/internal/locator"
)

var loginForms = []string{
	"form#login-form",
	"form[action*='login']",
	"form[action*='signin']",
	"form:has(input[type='password'])",
}

// formSelectors matches any of loginForms in a single query.
var formSelectors = strings.Join(loginForms, ", ")

var (
	formChain  = locator.CSS(loginForms...)
	errorChain = locator.CSS(
		".alert-danger",
		".alert-error",
		".error",
		"[role='alert']",
		"[class*='invalid']",
	)
	authedChain = locator.CSS(
		"#user-menu",
		"a#logout",
		"a[href*='logout']",
		"[data-user]",
	)
)

func (a *Authenticator) usernameChain() locator.Chain {
	return overridden(a.cfg.UsernameField,
		"input#username",
		"input[name='username']",
		"input[type='email']",
		"input[type='text'][name*='user']",
		"input[type='text'][name*='email']",
		"input#email",
	)
}

func (a *Authenticator) passwordChain() locator.Chain {
	return overridden(a.cfg.PasswordField,
		"input#password",
		"input[name='password']",
		"input[type='password']",
	)
}

func (a *Authenticator) submitChain() locator.Chain {
	return overridden(a.cfg.SubmitButton,
		"#login-submit",
		"button[type='submit']",
		"input[type='submit']",
	)
}

// overridden puts a configured field name or selector in front of the
// defaults. Bare names are matched against the name attribute.
func overridden(field string, defaults ...string) locator.Chain {
	if field == "" {
		return locator.CSS(defaults...)
	}
	sel := field
	if !strings.ContainsAny(field, "#.[: ") {
		sel = fmt.Sprintf("[name='%s']", field)
	}
	return locator.CSS(append([]string{sel}, defaults...)...)
}

// Login runs the login state machine on page. Rejections and challenge
// failures are reported in the result; only cancellation returns early.
func (a *Authenticator) Login(ctx context.Context, page browser.Page) Result {
	res := Result{}
	res.enter(AnonymousPage)
	log := a.log.WithURL(a.cfg.LoginURL)

	status, err := page.Navigate(ctx, a.cfg.LoginURL)
	res.URL = page.URL()
	if err != nil {
		res.Err = errors.Categorize(err, a.cfg.LoginURL, "login")
		return res
	}
	if cerr := errors.CategorizeStatus(status, res.URL, "login"); cerr != nil {
		res.Err = cerr
		return res
	}

	// A live session redirects straight past the form.
	if a.isAuthenticated(ctx, page) {
		log.Info("already authenticated")
		res.enter(Authenticated)
		return res
	}

	rechallenged := false
	for {
		if err := a.waitForForm(ctx, page); err != nil {
			res.Err = err
			return res
		}

		if kind := a.evasion.Classify(ctx, page); kind != antidetect.CaptchaNone {
			res.enter(CaptchaPending)
			log.WithField("captcha", kind.String()).Info("login is challenged")
			if !a.evasion.HandleCaptcha(ctx, page) {
				res.URL = page.URL()
				res.Err = errors.NewChallengeError(res.URL, "login", kind.String())
				return res
			}
		}

		if err := a.fill(ctx, page); err != nil {
			res.Err = err
			return res
		}
		res.enter(FormFilled)

		if err := a.submit(ctx, page); err != nil {
			res.Err = err
			return res
		}
		res.enter(Submitted)
		res.URL = page.URL()

		banner, rejected := a.rejection(ctx, page)
		if !rejected {
			res.enter(Authenticated)
			log.Info("login succeeded")
			return res
		}

		res.enter(Rejected)
		if !rechallenged && a.evasion.Classify(ctx, page) != antidetect.CaptchaNone {
			rechallenged = true
			log.Warn("login re-challenged, retrying challenge once")
			continue
		}

		msg := "login rejected"
		if banner != "" {
			msg += ": " + banner
		}
		res.Err = errors.NewAuthError(res.URL, msg)
		log.Warn(msg)
		return res
	}
}

func (a *Authenticator) waitForForm(ctx context.Context, page browser.Page) error {
	if formChain.Has(ctx, page) {
		return nil
	}
	if err := page.WaitFor(ctx, browser.CSS(formSelectors), a.cfg.FormTimeout); err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError(page.URL(), "login")
		}
		return errors.NewNavigationError(page.URL(), "login", "login form did not appear")
	}
	return nil
}

func (a *Authenticator) fill(ctx context.Context, page browser.Page) error {
	user, ok := a.usernameChain().First(ctx, page)
	if !ok {
		return errors.NewNavigationError(page.URL(), "login", "could not find username field")
	}
	pass, ok := a.passwordChain().First(ctx, page)
	if !ok {
		return errors.NewNavigationError(page.URL(), "login", "could not find password field")
	}

	for _, f := range []struct {
		target browser.Target
		value  string
	}{
		{user.Target, a.creds.Username},
		{pass.Target, a.creds.Password},
	} {
		if err := a.evasion.ClickLikeHuman(ctx, page, f.target); err != nil && ctx.Err() != nil {
			return errors.NewCancelledError(page.URL(), "login")
		}
		if err := page.Fill(ctx, f.target, f.value); err != nil {
			return errors.NewBrowserError(page.URL(), "login", err)
		}
		if err := a.evasion.Pause(ctx); err != nil {
			return errors.NewCancelledError(page.URL(), "login")
		}
	}
	return nil
}

func (a *Authenticator) submit(ctx context.Context, page browser.Page) error {
	wait := page.ExpectNavigation(ctx, a.cfg.SubmitTimeout)

	if m, ok := a.submitChain().First(ctx, page); ok {
		if err := a.evasion.ClickLikeHuman(ctx, page, m.Target); err != nil {
			if ctx.Err() != nil {
				return errors.NewCancelledError(page.URL(), "login")
			}
			return errors.NewBrowserError(page.URL(), "login", err)
		}
	} else if err := page.Press(ctx, "Enter"); err != nil {
		return errors.NewBrowserError(page.URL(), "login", err)
	}

	if err := wait(); err != nil {
		a.log.WithError(err).Debug("no navigation after submit")
	}
	if err := page.WaitIdle(ctx, a.cfg.IdleTimeout); err != nil {
		a.log.WithError(err).Debug("network did not settle after submit")
	}
	if ctx.Err() != nil {
		return errors.NewCancelledError(page.URL(), "login")
	}
	return nil
}

// rejection inspects the page after submit. An error banner or a login
// form that is still present means the portal refused the attempt.
func (a *Authenticator) rejection(ctx context.Context, page browser.Page) (string, bool) {
	for _, s := range errorChain {
		t, ok := s.Locate(ctx, page)
		if !ok {
			continue
		}
		if text, err := page.ElementText(ctx, t); err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), true
		}
	}
	if formChain.Has(ctx, page) || a.passwordChain().Has(ctx, page) {
		return "", true
	}
	return "", false
}

// isAuthenticated looks for chrome only a signed-in user sees.
func (a *Authenticator) isAuthenticated(ctx context.Context, page browser.Page) bool {
	return authedChain.Has(ctx, page) && !a.passwordChain().Has(ctx, page)
}
