package antidetect

import (
	"context"
	"fmt"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// incidentalKeys are presses with no effect on a page without focus.
var incidentalKeys = []string{"Shift", "ArrowDown", "ArrowUp"}

// SimulateHumanBehavior performs a think-time wait, a few pointer
// movements, some scrolling and occasionally an incidental key press or
// hover/click on an inert region. Failures of individual gestures are
// ignored; only cancellation is returned.
func (e *Engine) SimulateHumanBehavior(ctx context.Context, page browser.Page) error {
	if err := e.Pause(ctx); err != nil {
		return err
	}

	if e.cfg.SimulateMouse {
		w, h := page.Viewport()
		for i, n := 0, 1+e.rng.Intn(3); i < n; i++ {
			to := browser.Point{
				X: float64(w) * (0.1 + 0.8*e.rng.Float64()),
				Y: float64(h) * (0.1 + 0.8*e.rng.Float64()),
			}
			if err := e.MoveTo(ctx, page, to); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	if e.cfg.SimulateScroll {
		for i, n := 0, e.rng.Intn(4); i < n; i++ {
			dy := float64(120 + e.rng.Intn(480))
			if e.rng.Float64() < 0.3 {
				dy = -dy
			}
			if err := page.Scroll(ctx, 0, dy); err == nil {
				e.actions++
			}
			if err := e.sleep(ctx, uniform(150*time.Millisecond, 600*time.Millisecond, e.rng)); err != nil {
				return err
			}
		}
	}

	if e.cfg.IncidentalActions && e.rng.Float64() < e.cfg.IncidentalProbability {
		if err := e.incidental(ctx, page); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (e *Engine) incidental(ctx context.Context, page browser.Page) error {
	if e.rng.Intn(2) == 0 {
		e.actions++
		return page.Press(ctx, incidentalKeys[e.rng.Intn(len(incidentalKeys))])
	}

	for _, sel := range e.cfg.Markers.NonInteractive {
		t := browser.CSS(sel)
		box, err := page.Box(ctx, t)
		if err != nil {
			continue
		}
		if err := e.MoveTo(ctx, page, pointIn(box, e.rng)); err != nil {
			return err
		}
		if e.rng.Intn(2) == 0 {
			e.actions++
			return page.Click(ctx, t)
		}
		return nil
	}
	return nil
}

// MoveTo glides the pointer from its last position to `to`.
func (e *Engine) MoveTo(ctx context.Context, page browser.Page, to browser.Point) error {
	var elapsed time.Duration
	for _, s := range trajectory(e.mouse, to, e.rng) {
		if wait := s.At - elapsed; wait > 0 {
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
			elapsed = s.At
		}
		if err := page.MoveMouse(ctx, s.Point); err != nil {
			return err
		}
		e.mouse = s.Point
	}
	e.actions++
	return nil
}

// ClickLikeHuman approaches the target along a humanoid path, settles for a
// moment and clicks.
func (e *Engine) ClickLikeHuman(ctx context.Context, page browser.Page, t browser.Target) error {
	box, err := page.Box(ctx, t)
	if err != nil {
		return fmt.Errorf("locate %s: %w", t, err)
	}
	if err := e.MoveTo(ctx, page, pointIn(box, e.rng)); err != nil {
		return err
	}
	if err := e.settle(ctx, page); err != nil {
		return err
	}
	e.actions++
	return page.Click(ctx, t)
}

// settle is the short cognitive pause before committing to a click, with a
// micro hesitation of the pointer.
func (e *Engine) settle(ctx context.Context, page browser.Page) error {
	pause := time.Duration(clamp(180+e.rng.NormFloat64()*60, 60, 400)) * time.Millisecond
	if err := e.sleep(ctx, pause); err != nil {
		return err
	}

	origin := e.mouse
	for i, n := 0, 1+e.rng.Intn(2); i < n; i++ {
		jitter := browser.Point{
			X: origin.X + (e.rng.Float64()*5 - 2.5),
			Y: origin.Y + (e.rng.Float64()*5 - 2.5),
		}
		if err := page.MoveMouse(ctx, jitter); err != nil {
			return err
		}
		if err := e.sleep(ctx, uniform(50*time.Millisecond, 150*time.Millisecond, e.rng)); err != nil {
			return err
		}
	}
	if err := page.MoveMouse(ctx, origin); err != nil {
		return err
	}
	e.mouse = origin
	return nil
}
