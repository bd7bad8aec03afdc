package antidetect

import (
	"context"
	"fmt"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// Health is a point-in-time assessment of the lane's session.
type Health struct {
	Age     time.Duration `json:"age"`
	Actions int           `json:"actions"`
	Blocked bool          `json:"blocked"`

	// Challenged is set instead of Blocked when the page only shows a
	// challenge widget; HandleCaptcha may clear it.
	Challenged bool      `json:"challenged,omitempty"`
	Detection  Detection `json:"detection,omitempty"`
	Healthy    bool      `json:"healthy"`
	Reason     string    `json:"reason,omitempty"`
}

// GetSessionHealth reports whether the session should keep being used. A
// session is worn out past SessionTimeout or MaxActions, burnt when the
// current page shows a blocking signal, and challenged when it shows a
// CAPTCHA.
func (e *Engine) GetSessionHealth(ctx context.Context, page browser.Page) Health {
	h := Health{Age: e.now().Sub(e.started), Actions: e.actions, Healthy: true}

	if e.cfg.DetectBlocking && page != nil {
		if d := e.Inspect(ctx, page); d.Blocked {
			h.Detection = d
			h.Healthy = false
			if d.Captcha {
				h.Challenged = true
				h.Reason = fmt.Sprintf("challenge shown: %s", d.Signal)
				return h
			}
			h.Blocked = true
			h.Reason = fmt.Sprintf("blocking detected by %s check: %s", d.Check, d.Signal)
			return h
		}
	}
	if e.cfg.SessionTimeout > 0 && h.Age > e.cfg.SessionTimeout {
		h.Healthy = false
		h.Reason = fmt.Sprintf("session age %s exceeds %s", h.Age.Round(time.Second), e.cfg.SessionTimeout)
		return h
	}
	if e.cfg.MaxActions > 0 && h.Actions > e.cfg.MaxActions {
		h.Healthy = false
		h.Reason = fmt.Sprintf("%d actions exceed %d", h.Actions, e.cfg.MaxActions)
	}
	return h
}
