package browser

import (
	"context"
	"fmt"
	"sync"
)

// Pool bounds the number of live browser contexts. Each Acquire opens a
// fresh context and each Release closes it.
type Pool struct {
	mu     sync.Mutex
	opener Opener
	size   int
	active int
	opened int
	closed bool
	sem    chan struct{}
}

// NewPool creates a pool of at most size contexts, clamped to MaxContexts.
func NewPool(opener Opener, size int) *Pool {
	if size < 1 {
		size = 1
	}
	if size > MaxContexts {
		size = MaxContexts
	}

	pool := &Pool{
		opener: opener,
		size:   size,
		sem:    make(chan struct{}, size),
	}

	// Initialize semaphore
	for i := 0; i < size; i++ {
		pool.sem <- struct{}{}
	}
	return pool
}

// Acquire waits for a free slot and opens a page with persona.
func (p *Pool) Acquire(ctx context.Context, persona Persona) (Page, error) {
	// Wait for available slot
	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem <- struct{}{} // Return token
		return nil, fmt.Errorf("pool is closed")
	}
	p.active++
	p.opened++
	p.mu.Unlock()

	page, err := p.opener.NewPage(ctx, persona)
	if err != nil {
		p.release()
		return nil, fmt.Errorf("failed to open browser context: %w", err)
	}
	return page, nil
}

// Release closes page and frees its slot.
func (p *Pool) Release(page Page) error {
	var err error
	if page != nil {
		err = page.Close()
	}
	p.release()
	return err
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.sem <- struct{}{}
}

// Close refuses further Acquire calls. Pages already handed out stay
// valid until released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Size returns the pool size.
func (p *Pool) Size() int {
	return p.size
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Size      int `json:"size"`
	Active    int `json:"active"`
	Available int `json:"available"`
	Opened    int `json:"opened"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Size:      p.size,
		Active:    p.active,
		Available: len(p.sem),
		Opened:    p.opened,
	}
}
