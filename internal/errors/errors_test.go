package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// ErrorType Tests
// =============================================================================

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    string
	}{
		{Unknown, "unknown"},
		{Config, "config"},
		{Network, "network"},
		{Timeout, "timeout"},
		{Navigation, "navigation"},
		{Blocked, "blocked"},
		{Challenge, "challenge"},
		{Auth, "auth"},
		{Extraction, "extraction"},
		{Browser, "browser"},
		{Storage, "storage"},
		{Cancelled, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.errType.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorType_IsRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{Network, true},
		{Timeout, true},
		{Navigation, true},
		{Browser, true},
		{Config, false},
		{Blocked, false},
		{Challenge, false},
		{Auth, false},
		{Extraction, false},
		{Storage, false},
		{Cancelled, false},
		{Unknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.errType.String(), func(t *testing.T) {
			if got := tt.errType.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// =============================================================================
// CrawlError Tests
// =============================================================================

func TestCrawlError_Error(t *testing.T) {
	err := NewBlockedError("https://portal.example/merchants", "list", "dom", "#challenge-running", 0)

	msg := err.Error()
	for _, want := range []string{"blocked", "list", "https://portal.example/merchants", "check=dom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestCrawlError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewBrowserError("u", "detail", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestCrawlError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewAuthError("u", "bad password"))

	if !errors.Is(err, &CrawlError{Type: Auth}) {
		t.Error("should match Auth type")
	}
	if errors.Is(err, &CrawlError{Type: Network}) {
		t.Error("should not match Network type")
	}
}

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("username is required")

	if err.Type != Config {
		t.Errorf("Type = %v, want %v", err.Type, Config)
	}
	if err.Retryable {
		t.Error("config errors must not be retryable")
	}
	if !IsFatal(err) {
		t.Error("IsFatal() = false, want true")
	}
}

func TestNewBlockedError(t *testing.T) {
	err := NewBlockedError("u", "search", "status", "HTTP 429", 429)

	if err.Check != "status" {
		t.Errorf("Check = %q, want status", err.Check)
	}
	if err.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", err.StatusCode)
	}
	if err.Retryable {
		t.Error("blocked errors are handled by session recreation, not plain retry")
	}
	if !IsBlocked(err) {
		t.Error("IsBlocked() = false, want true")
	}
}

func TestNewChallengeError(t *testing.T) {
	err := NewChallengeError("u", "login", "image")
	if !strings.Contains(err.Message, "image") {
		t.Errorf("Message = %q, want kind mentioned", err.Message)
	}
	if err.Type != Challenge {
		t.Errorf("Type = %v, want %v", err.Type, Challenge)
	}
}

// =============================================================================
// Categorize Tests
// =============================================================================

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"crawl error passthrough", NewExtractionError("u", "list", nil), Extraction},
		{"canceled", context.Canceled, Cancelled},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"net timeout", &mockNetError{timeout: true}, Timeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, Network},
		{"chromium", errors.New("navigation failed: net::ERR_CONNECTION_RESET"), Network},
		{"other", errors.New("something odd"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err, "u", "step")
			if got.Type != tt.want {
				t.Errorf("Categorize() = %v, want %v", got.Type, tt.want)
			}
		})
	}
}

func TestCategorize_Nil(t *testing.T) {
	if Categorize(nil, "u", "s") != nil {
		t.Error("Categorize(nil) should be nil")
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantNil   bool
		wantType  ErrorType
		retryable bool
	}{
		{200, true, Unknown, false},
		{304, true, Unknown, false},
		{403, false, Blocked, false},
		{429, false, Blocked, false},
		{404, false, Navigation, false},
		{502, false, Network, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			got := CategorizeStatus(tt.status, "u", "list")
			if tt.wantNil {
				if got != nil {
					t.Errorf("CategorizeStatus(%d) = %v, want nil", tt.status, got)
				}
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", got.Type, tt.wantType)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.status)
			}
		})
	}
}

func TestGetErrorType(t *testing.T) {
	if got := GetErrorType(errors.New("x")); got != Unknown {
		t.Errorf("GetErrorType() = %v, want unknown", got)
	}
	if got := GetErrorType(fmt.Errorf("w: %w", NewStorageError("save", nil))); got != Storage {
		t.Errorf("GetErrorType() = %v, want storage", got)
	}
	if got := GetStatusCode(NewBlockedError("u", "s", "status", "x", 403)); got != 403 {
		t.Errorf("GetStatusCode() = %d, want 403", got)
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2.0,
		RetryableTypes: []ErrorType{Network, Navigation},
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if len(cfg.RetryableTypes) == 0 {
		t.Error("RetryableTypes should not be empty")
	}
}

func TestRetrier_Do_Success(t *testing.T) {
	r := NewDefaultRetrier()
	calls := 0

	result := r.Do(context.Background(), "list", "u", func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	if !result.Success {
		t.Error("Should succeed")
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("Attempts = %d, calls = %d, want 1", result.Attempts, calls)
	}
}

func TestRetrier_Do_RetryOnError(t *testing.T) {
	r := NewRetrier(fastRetryConfig(2))
	var attempts []int

	result := r.Do(context.Background(), "list", "u", func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return NewNetworkError("u", "list", nil)
		}
		return nil
	})

	if !result.Success {
		t.Error("Should succeed after retries")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if fmt.Sprint(attempts) != "[0 1 2]" {
		t.Errorf("attempt indexes = %v, want [0 1 2]", attempts)
	}
}

func TestRetrier_Do_MaxRetriesExceeded(t *testing.T) {
	r := NewRetrier(fastRetryConfig(2))

	result := r.Do(context.Background(), "list", "u", func(ctx context.Context, attempt int) error {
		return NewNetworkError("u", "list", nil)
	})

	if result.Success {
		t.Error("Should fail after max retries")
	}
	if result.Attempts != 3 { // 1 initial + 2 retries
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if GetErrorType(result.LastError) != Network {
		t.Errorf("LastError = %v, want network error", result.LastError)
	}
}

func TestRetrier_Do_NoRetryForNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", NewAuthError("u", "rejected")},
		{"blocked", NewBlockedError("u", "list", "dom", "x", 0)},
		{"client status", CategorizeStatus(404, "u", "detail")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetrier(fastRetryConfig(3))
			calls := 0
			result := r.Do(context.Background(), "s", "u", func(ctx context.Context, attempt int) error {
				calls++
				return tt.err
			})
			if result.Success {
				t.Error("Should fail")
			}
			if calls != 1 {
				t.Errorf("Function called %d times, want 1 (no retry)", calls)
			}
		})
	}
}

func TestRetrier_OnRetry(t *testing.T) {
	r := NewRetrier(fastRetryConfig(2))
	var hooks []int
	r.OnRetry(func(attempt int, err error, delay time.Duration) {
		hooks = append(hooks, attempt)
	})

	r.Do(context.Background(), "s", "u", func(ctx context.Context, attempt int) error {
		return NewNetworkError("u", "s", nil)
	})

	if fmt.Sprint(hooks) != "[1 2]" {
		t.Errorf("OnRetry attempts = %v, want [1 2]", hooks)
	}
}

func TestRetrier_Do_ContextCancellation(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxRetries:     5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		RetryableTypes: []ErrorType{Network},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result := r.Do(ctx, "s", "u", func(ctx context.Context, attempt int) error {
		return NewNetworkError("u", "s", nil)
	})

	if result.Success {
		t.Error("Should fail on cancellation")
	}
	if GetErrorType(result.LastError) != Cancelled {
		t.Errorf("LastError = %v, want cancelled", result.LastError)
	}
}

func TestDoWithResult(t *testing.T) {
	r := NewRetrier(fastRetryConfig(1))

	got, res := DoWithResult(context.Background(), r, "s", "u", func(ctx context.Context, attempt int) (string, error) {
		if attempt == 0 {
			return "", NewNavigationError("u", "s", "wrong page")
		}
		return "directory", nil
	})

	if !res.Success || got != "directory" {
		t.Errorf("DoWithResult() = %q, %v; want directory, success", got, res.Success)
	}
}

func TestBackoffDuration(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // Capped at max
	}

	for _, tt := range tests {
		got := BackoffDuration(tt.attempt, time.Second, 10*time.Second, 2.0)
		if got != tt.want {
			t.Errorf("BackoffDuration(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// =============================================================================
// Breaker Tests
// =============================================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
	}).WithClock(clock.now)
	return b, clock
}

func TestBreakerState_String(t *testing.T) {
	for state, want := range map[BreakerState]string{
		Closed:   "closed",
		Open:     "open",
		HalfOpen: "half-open",
	} {
		if got := state.String(); got != want {
			t.Errorf("String() = %v, want %v", got, want)
		}
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("State = %v after 2 failures, want closed", b.State())
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("State = %v after 3 failures, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker()
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	if b.State() != Closed {
		t.Errorf("State = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker()
	var transitions []string
	b.OnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.advance(61 * time.Second)

	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown")
	}
	if b.Allow() {
		t.Error("second concurrent trial admitted")
	}
	b.Success()
	if !b.Allow() {
		t.Fatal("Allow() = false after successful trial")
	}
	b.Success()

	if b.State() != Closed {
		t.Errorf("State = %v, want closed", b.State())
	}
	want := "[closed->open open->half-open half-open->closed]"
	if fmt.Sprint(transitions) != want {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreaker_ReopenOnTrialFailure(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.advance(2 * time.Minute)
	b.Allow()
	b.Failure()

	if b.State() != Open {
		t.Errorf("State = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true right after reopening")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); err != boom {
			t.Fatalf("Execute() = %v, want boom", err)
		}
	}

	err := b.Execute(func() error { return nil })
	var openErr *BreakerOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Execute() = %v, want BreakerOpenError", err)
	}
}

// Mock net.Error for testing
type mockNetError struct {
	timeout bool
}

func (e *mockNetError) Error() string   { return "mock net error" }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

var _ net.Error = (*mockNetError)(nil)
