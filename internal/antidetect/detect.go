package antidetect

import (
	"context"
	"strconv"
	"strings"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// Checks, in the order they run.
const (
	CheckStatus = "status"
	CheckPhrase = "phrase"
	CheckDOM    = "dom"
	CheckTitle  = "title"
)

// Detection describes which check fired and on what.
type Detection struct {
	Blocked bool   `json:"blocked"`
	Check   string `json:"check,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Status  int    `json:"status,omitempty"`
	// Captcha is set when the DOM check matched a challenge widget.
	Captcha bool   `json:"captcha,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Inspect runs the checks in order and stops at the first positive one.
func (e *Engine) Inspect(ctx context.Context, page browser.Page) Detection {
	m := e.cfg.Markers
	d := Detection{URL: page.URL(), Status: page.Status()}

	for _, code := range m.BlockStatuses {
		if d.Status == code {
			return e.found(d, CheckStatus, strconv.Itoa(code), false)
		}
	}

	if text, err := page.Text(ctx); err == nil {
		lower := strings.ToLower(text)
		for _, phrase := range m.Phrases {
			if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
				return e.found(d, CheckPhrase, phrase, false)
			}
		}
	}

	for _, sel := range m.Selectors {
		if page.Has(ctx, browser.CSS(sel)) {
			return e.found(d, CheckDOM, sel, false)
		}
	}
	for _, group := range [][]string{m.CheckboxSelectors, m.ImageSelectors, m.TextSelectors} {
		for _, sel := range group {
			if page.Has(ctx, browser.CSS(sel)) {
				return e.found(d, CheckDOM, sel, true)
			}
		}
	}

	if title, err := page.Title(ctx); err == nil {
		lower := strings.ToLower(title)
		for _, t := range m.Titles {
			if t != "" && strings.Contains(lower, strings.ToLower(t)) {
				return e.found(d, CheckTitle, t, false)
			}
		}
	}
	return d
}

func (e *Engine) found(d Detection, check, signal string, captcha bool) Detection {
	d.Blocked = true
	d.Check = check
	d.Signal = signal
	d.Captcha = captcha
	e.last = d
	e.log.DetectionEvent(check, signal, d.URL)
	return d
}

// DetectBlocking reports whether the page shows any blocking signal. It is
// always false when detection is disabled.
func (e *Engine) DetectBlocking(ctx context.Context, page browser.Page) bool {
	if !e.cfg.DetectBlocking {
		return false
	}
	return e.Inspect(ctx, page).Blocked
}
