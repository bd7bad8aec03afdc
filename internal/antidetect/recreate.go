package antidetect

import (
	"context"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// RecreateSession throws away the page's identity after a block: it clears
// cookies and storage, backs off for a while, switches to a different
// persona and, if configured, reopens the entry URL. The caller is expected
// to re-authenticate afterwards. It returns false when the budget of
// recreations is spent or a step fails.
func (e *Engine) RecreateSession(ctx context.Context, page browser.Page) bool {
	log := e.log.WithURL(page.URL())
	if e.cfg.RetryAttempts > 0 && e.recreations >= e.cfg.RetryAttempts {
		log.Warnf("session recreation budget of %d spent", e.cfg.RetryAttempts)
		return false
	}
	e.recreations++

	if err := page.ClearState(ctx); err != nil {
		log.WithError(err).Warn("clearing browser state failed")
		return false
	}

	wait := uniform(e.cfg.RecreateMinWait, e.cfg.RecreateMaxWait, e.rng)
	log.WithField("wait", wait.Round(time.Second).String()).Info("backing off before new session")
	if err := e.sleep(ctx, wait); err != nil {
		return false
	}

	persona := e.rotator.Next()
	if err := page.SetPersona(ctx, persona); err != nil {
		log.WithError(err).Warn("switching persona failed")
		return false
	}

	if e.cfg.EntryURL != "" {
		if _, err := page.Navigate(ctx, e.cfg.EntryURL); err != nil {
			log.WithError(err).Warn("opening entry page failed")
			return false
		}
	}

	e.ResetSession()
	e.mouse = browser.Point{}
	log.WithField("persona", persona.Name).Info("session recreated")
	return true
}
