// Package ratelimit paces browser requests so a crawl never bursts.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Pacer.
type Config struct {
	// RequestsPerMinute caps page loads across all lanes.
	RequestsPerMinute float64 `yaml:"requests_per_minute" json:"requests_per_minute"`
	// MinDelay and MaxDelay bound the random think time added after the
	// rate limiter admits a request.
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// MaxSlowdown caps the multiplier applied after blocking detections.
	MaxSlowdown float64 `yaml:"max_slowdown" json:"max_slowdown"`
	// RecoverAfter is the number of consecutive successes that halve the
	// current slowdown.
	RecoverAfter int `yaml:"recover_after" json:"recover_after"`
}

// DefaultConfig returns conservative pacing.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 12,
		MinDelay:          2 * time.Second,
		MaxDelay:          5 * time.Second,
		MaxSlowdown:       8,
		RecoverAfter:      10,
	}
}

// Pacer combines a token bucket with randomized delays and adaptive
// slow-down after detections.
type Pacer struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	rng       *rand.Rand
	slowdown  float64
	successes int
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Pacer. A zero RequestsPerMinute disables the token bucket.
func New(cfg Config) *Pacer {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.MaxSlowdown < 1 {
		cfg.MaxSlowdown = 1
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = 10
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}

	return &Pacer{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		slowdown: 1,
		sleep:    Sleep,
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the next request may be issued.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.sleep(ctx, p.NextDelay())
}

// NextDelay returns a random delay within the configured bounds, scaled by
// the current slowdown.
func (p *Pacer) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.cfg.MaxDelay - p.cfg.MinDelay
	d := p.cfg.MinDelay
	if span > 0 {
		d += time.Duration(p.rng.Int63n(int64(span) + 1))
	}
	return time.Duration(float64(d) * p.slowdown)
}

// OnBlocked doubles the slowdown up to MaxSlowdown and also halves the
// token rate.
func (p *Pacer) OnBlocked() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successes = 0
	p.slowdown *= 2
	if p.slowdown > p.cfg.MaxSlowdown {
		p.slowdown = p.cfg.MaxSlowdown
	}
	p.applyRateLocked()
}

// OnSuccess records a clean request; enough of them in a row halve the
// slowdown again.
func (p *Pacer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slowdown <= 1 {
		return
	}
	p.successes++
	if p.successes < p.cfg.RecoverAfter {
		return
	}
	p.successes = 0
	p.slowdown /= 2
	if p.slowdown < 1 {
		p.slowdown = 1
	}
	p.applyRateLocked()
}

func (p *Pacer) applyRateLocked() {
	if p.cfg.RequestsPerMinute <= 0 {
		return
	}
	p.limiter.SetLimit(rate.Limit(p.cfg.RequestsPerMinute / 60 / p.slowdown))
}

// Slowdown returns the current multiplier.
func (p *Pacer) Slowdown() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slowdown
}

// Limit returns the current token rate in requests per second.
func (p *Pacer) Limit() rate.Limit {
	return p.limiter.Limit()
}
