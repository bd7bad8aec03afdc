package antidetect

import (
	"context"
	"strings"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/locator"
)

// CaptchaKind is the type of challenge on a page.
type CaptchaKind int

const (
	CaptchaNone CaptchaKind = iota
	CaptchaCheckbox
	CaptchaImage
	CaptchaText
)

func (k CaptchaKind) String() string {
	switch k {
	case CaptchaCheckbox:
		return "checkbox"
	case CaptchaImage:
		return "image"
	case CaptchaText:
		return "text"
	default:
		return "none"
	}
}

const challengePoll = 500 * time.Millisecond

// applyTokenScript writes a solver token into every response field and
// fires the widget callback when the page registered one.
const applyTokenScript = `(token, fields) => {
	for (const name of fields) {
		document.querySelectorAll('[name="' + name + '"], #' + name).forEach((el) => {
			el.style.display = 'block';
			el.value = token;
			el.innerHTML = token;
		});
	}
	const holder = document.querySelector('[data-callback]');
	if (holder) {
		const cb = window[holder.getAttribute('data-callback')];
		if (typeof cb === 'function') { cb(token); }
	}
	return 'ok';
}`

// Classify reports the challenge on the page. Image and text challenges
// win over a checkbox widget because they are what is left to solve.
func (e *Engine) Classify(ctx context.Context, page browser.Page) CaptchaKind {
	m := e.cfg.Markers
	switch {
	case locator.CSS(m.ImageSelectors...).Has(ctx, page):
		return CaptchaImage
	case locator.CSS(m.TextSelectors...).Has(ctx, page):
		return CaptchaText
	case locator.CSS(m.CheckboxSelectors...).Has(ctx, page):
		return CaptchaCheckbox
	}
	return CaptchaNone
}

// HandleCaptcha tries to get past the challenge on the page. Only checkbox
// challenges are resolved automatically; image and text challenges wait
// for a human operator up to ManualTimeout. It returns true when no
// challenge remains.
func (e *Engine) HandleCaptcha(ctx context.Context, page browser.Page) bool {
	kind := e.Classify(ctx, page)
	if kind == CaptchaNone {
		return true
	}
	e.captchas++
	log := e.log.WithField("captcha", kind.String()).WithURL(page.URL())

	switch kind {
	case CaptchaCheckbox:
		if e.solver != nil {
			err := e.solveWithService(ctx, page)
			if err == nil {
				log.Info("captcha token applied")
				return true
			}
			log.WithError(err).Warn("captcha solver failed, trying interactive path")
		}
		e.clickCheckbox(ctx, page)
		if e.waitCleared(ctx, page, e.cfg.ChallengeTimeout) {
			log.Info("captcha cleared")
			return true
		}
		log.Warn("captcha did not clear, manual intervention required")
		return false
	default:
		log.Warn("captcha requires manual intervention, waiting for operator")
		if e.waitCleared(ctx, page, e.cfg.ManualTimeout) {
			log.Info("captcha resolved by operator")
			return true
		}
		log.Warn("no operator resolved the captcha in time")
		return false
	}
}

func (e *Engine) solveWithService(ctx context.Context, page browser.Page) error {
	sitekey, _ := page.Attr(ctx, browser.CSS("[data-sitekey]"), "data-sitekey")
	task := Task{Kind: e.widgetKind(ctx, page), SiteKey: sitekey, PageURL: page.URL()}

	token, err := e.solver.Solve(ctx, task)
	if err != nil {
		return err
	}

	for _, name := range e.cfg.Markers.ResponseFields {
		t := browser.CSS(`textarea[name="` + name + `"]`)
		if page.Has(ctx, t) {
			_ = page.Fill(ctx, t, token)
		}
	}
	_, err = page.Eval(ctx, applyTokenScript, token, e.cfg.Markers.ResponseFields)
	return err
}

func (e *Engine) widgetKind(ctx context.Context, page browser.Page) string {
	switch {
	case page.Has(ctx, browser.CSS(".h-captcha")) || page.Has(ctx, browser.CSS("iframe[src*='hcaptcha.com']")):
		return TaskHCaptcha
	case page.Has(ctx, browser.CSS(".cf-turnstile")) || page.Has(ctx, browser.CSS("#turnstile-wrapper")):
		return TaskTurnstile
	}
	return TaskRecaptcha
}

// clickCheckbox clicks the widget like a person would, falling back to
// keyboard focus traversal when nothing clickable is exposed.
func (e *Engine) clickCheckbox(ctx context.Context, page browser.Page) {
	if m, ok := locator.CSS(e.cfg.Markers.CheckboxTargets...).First(ctx, page); ok {
		if err := e.ClickLikeHuman(ctx, page, m.Target); err == nil {
			return
		}
	}

	for i := 0; i < 3; i++ {
		_ = page.Press(ctx, "Tab")
		_ = e.sleep(ctx, uniform(80*time.Millisecond, 200*time.Millisecond, e.rng))
	}
	_ = page.Press(ctx, "Space")
	e.actions += 4
}

// waitCleared polls until no challenge is classified or timeout elapses.
func (e *Engine) waitCleared(ctx context.Context, page browser.Page, timeout time.Duration) bool {
	polls := int(timeout / challengePoll)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		if e.Classify(ctx, page) == CaptchaNone && !e.blockedByChallenge(ctx, page) {
			return true
		}
		if err := e.sleep(ctx, challengePoll); err != nil {
			return false
		}
	}
	return e.Classify(ctx, page) == CaptchaNone
}

// blockedByChallenge catches interstitials (e.g. "Just a moment") that
// stay up after the widget itself is gone.
func (e *Engine) blockedByChallenge(ctx context.Context, page browser.Page) bool {
	title, err := page.Title(ctx)
	if err != nil {
		return false
	}
	lower := strings.ToLower(title)
	for _, t := range e.cfg.Markers.Titles {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
