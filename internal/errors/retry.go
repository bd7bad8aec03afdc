package errors

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retries (0 = single attempt)
	InitialDelay   time.Duration // Delay before the first retry
	MaxDelay       time.Duration // Upper bound for any single delay
	Multiplier     float64       // Exponential backoff factor
	Jitter         float64       // Random jitter factor (0-1)
	RetryableTypes []ErrorType   // Error types that should be retried
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     45 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
		RetryableTypes: []ErrorType{
			Network,
			Timeout,
			Navigation,
			Browser,
		},
	}
}

// Retrier implements retry logic with exponential backoff.
type Retrier struct {
	config  RetryConfig
	mu      sync.Mutex
	rng     *rand.Rand
	onRetry func(attempt int, err error, delay time.Duration)
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewDefaultRetrier creates a retrier with default configuration.
func NewDefaultRetrier() *Retrier {
	return NewRetrier(DefaultRetryConfig())
}

// OnRetry registers a hook called before each backoff sleep.
func (r *Retrier) OnRetry(fn func(attempt int, err error, delay time.Duration)) {
	r.onRetry = fn
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context, attempt int) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Success   bool
}

// Do executes fn until it succeeds, returns a non-retryable error,
// or the retry budget is exhausted.
func (r *Retrier) Do(ctx context.Context, step, url string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()
	delay := r.config.InitialDelay

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		result.Attempts++

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(url, step)
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= r.config.MaxRetries || !r.shouldRetry(err) {
			break
		}

		actualDelay := r.calculateDelay(delay)
		if r.onRetry != nil {
			r.onRetry(attempt+1, err, actualDelay)
		}

		select {
		case <-ctx.Done():
			result.LastError = NewCancelledError(url, step)
			result.Duration = time.Since(start)
			return result
		case <-time.After(actualDelay):
		}

		delay = r.nextDelay(delay)
	}

	result.LastError = lastErr
	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) shouldRetry(err error) bool {
	var crawlErr *CrawlError
	if stderrors.As(err, &crawlErr) && !crawlErr.Retryable {
		return false
	}
	errType := GetErrorType(err)
	for _, t := range r.config.RetryableTypes {
		if errType == t {
			return true
		}
	}
	return IsRetryable(err)
}

func (r *Retrier) calculateDelay(baseDelay time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return baseDelay
	}

	r.mu.Lock()
	f := r.rng.Float64()
	r.mu.Unlock()

	jitter := r.config.Jitter * float64(baseDelay)
	return time.Duration(float64(baseDelay) + f*2*jitter - jitter)
}

func (r *Retrier) nextDelay(currentDelay time.Duration) time.Duration {
	next := time.Duration(float64(currentDelay) * r.config.Multiplier)
	if r.config.MaxDelay > 0 && next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}

// DoWithResult executes a function that returns a value and error.
func DoWithResult[T any](ctx context.Context, r *Retrier, step, url string, fn func(ctx context.Context, attempt int) (T, error)) (T, *RetryResult) {
	var result T
	retryResult := r.Do(ctx, step, url, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err == nil {
			result = v
		}
		return err
	})
	return result, retryResult
}

// BackoffDuration calculates the backoff duration for a given attempt.
func BackoffDuration(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
