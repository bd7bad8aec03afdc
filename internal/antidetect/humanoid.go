package antidetect

import (
	"math"
	"math/rand"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// Fitts's law coefficients in milliseconds.
const (
	fittsA      = 80.0
	fittsB      = 110.0
	fittsWidth  = 30.0
	tremorSigma = 0.6
)

// step is one pointer sample and the offset from the start of the motion
// at which it should be dispatched.
type step struct {
	browser.Point
	At time.Duration
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// fittsDuration models movement time for a pointer travelling dist pixels,
// with +/-15% jitter.
func fittsDuration(dist float64, rng *rand.Rand) time.Duration {
	id := math.Log2(1.0 + dist/fittsWidth)
	mt := fittsA + fittsB*id
	mt += mt * (rng.Float64()*0.3 - 0.15)
	return time.Duration(mt * float64(time.Millisecond))
}

// bezier evaluates a cubic Bezier curve at t.
func bezier(p0, p1, p2, p3 browser.Point, t float64) browser.Point {
	omt := 1 - t
	a := omt * omt * omt
	b := 3 * omt * omt * t
	c := 3 * omt * t * t
	d := t * t * t
	return browser.Point{
		X: a*p0.X + b*p1.X + c*p2.X + d*p3.X,
		Y: a*p0.Y + b*p1.Y + c*p2.Y + d*p3.Y,
	}
}

// trajectory builds an eased, slightly curved path from start to end. Every
// sample but the last carries Gaussian tremor; the last is exactly end.
func trajectory(start, end browser.Point, rng *rand.Rand) []step {
	dx, dy := end.X-start.X, end.Y-start.Y
	dist := math.Hypot(dx, dy)
	if dist < 1 {
		return []step{{Point: end}}
	}

	duration := fittsDuration(dist, rng)
	n := int(duration.Seconds() * 100)
	if n < 2 {
		n = 2
	}

	// Control points at 1/3 and 2/3 pushed off the straight line.
	px, py := -dy/dist, dx/dist
	bend1 := rng.NormFloat64() * dist * 0.1
	bend2 := rng.NormFloat64() * dist * 0.1
	p1 := browser.Point{X: start.X + dx/3 + px*bend1, Y: start.Y + dy/3 + py*bend1}
	p2 := browser.Point{X: start.X + 2*dx/3 + px*bend2, Y: start.Y + 2*dy/3 + py*bend2}

	steps := make([]step, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		eased := easeInOutCubic(t)
		pt := bezier(start, p1, p2, end, eased)
		if i < n-1 {
			pt.X += rng.NormFloat64() * tremorSigma
			pt.Y += rng.NormFloat64() * tremorSigma
		}
		steps[i] = step{Point: pt, At: time.Duration(eased * float64(duration))}
	}
	steps[n-1].Point = end
	return steps
}

// normalDelay draws from a normal distribution centred in [min, max] and
// clamps the result into the range.
func normalDelay(min, max time.Duration, rng *rand.Rand) time.Duration {
	if max <= min {
		return min
	}
	mean := float64(min+max) / 2
	sd := float64(max-min) / 4
	d := time.Duration(mean + rng.NormFloat64()*sd)
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// uniform returns a random duration in [min, max].
func uniform(min, max time.Duration, rng *rand.Rand) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// pointIn picks a point inside box biased toward its centre.
func pointIn(b browser.Box, rng *rand.Rand) browser.Point {
	c := b.Center()
	jx := clamp(rng.NormFloat64()*b.Width/6, -b.Width*0.3, b.Width*0.3)
	jy := clamp(rng.NormFloat64()*b.Height/6, -b.Height*0.3, b.Height*0.3)
	return browser.Point{X: c.X + jx, Y: c.Y + jy}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
