// Package errors provides the error taxonomy used across the merchant crawler.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Config represents invalid or missing task configuration. Always fatal.
	Config
	// Network represents connection level failures (DNS, reset, refused).
	Network
	// Timeout represents a step that exceeded its deadline.
	Timeout
	// Navigation represents a page transition that did not land where expected.
	Navigation
	// Blocked represents a positive bot-detection signal from the remote site.
	Blocked
	// Challenge represents a CAPTCHA that could not be resolved automatically.
	Challenge
	// Auth represents rejected credentials.
	Auth
	// Extraction represents a row or detail page that could not be parsed.
	Extraction
	// Browser represents browser/CDP errors.
	Browser
	// Storage represents session store I/O errors.
	Storage
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Config:
		return "config"
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case Navigation:
		return "navigation"
	case Blocked:
		return "blocked"
	case Challenge:
		return "challenge"
	case Auth:
		return "auth"
	case Extraction:
		return "extraction"
	case Browser:
		return "browser"
	case Storage:
		return "storage"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Network, Timeout, Navigation, Browser:
		return true
	default:
		return false
	}
}

// CrawlError represents a categorized crawl error.
type CrawlError struct {
	Type       ErrorType
	URL        string
	Step       string
	Message    string
	Cause      error
	StatusCode int
	// Check names the detection check that fired for Blocked errors.
	Check     string
	Retryable bool
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error during %s", e.Type.String(), e.Step)
	if e.URL != "" {
		fmt.Fprintf(&b, " on %s", e.URL)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Check != "" {
		fmt.Fprintf(&b, " [check=%s]", e.Check)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target.
func (e *CrawlError) Is(target error) bool {
	t, ok := target.(*CrawlError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// NewCrawlError creates a new CrawlError.
func NewCrawlError(errType ErrorType, url, step, message string, cause error) *CrawlError {
	return &CrawlError{
		Type:      errType,
		URL:       url,
		Step:      step,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(message string) *CrawlError {
	return NewCrawlError(Config, "", "config", message, nil)
}

// NewNetworkError creates a network error.
func NewNetworkError(url, step string, cause error) *CrawlError {
	return NewCrawlError(Network, url, step, "network failure", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(url, step string, cause error) *CrawlError {
	return NewCrawlError(Timeout, url, step, "step timed out", cause)
}

// NewNavigationError creates a navigation error.
func NewNavigationError(url, step, message string) *CrawlError {
	return NewCrawlError(Navigation, url, step, message, nil)
}

// NewBlockedError creates a detection error tagged with the check that fired.
func NewBlockedError(url, step, check, signal string, statusCode int) *CrawlError {
	err := NewCrawlError(Blocked, url, step, "blocking detected: "+signal, nil)
	err.Check = check
	err.StatusCode = statusCode
	return err
}

// NewChallengeError creates a CAPTCHA error that requires a human operator.
func NewChallengeError(url, step, kind string) *CrawlError {
	return NewCrawlError(Challenge, url, step,
		fmt.Sprintf("%s challenge requires manual intervention", kind), nil)
}

// NewAuthError creates an authentication error.
func NewAuthError(url, message string) *CrawlError {
	return NewCrawlError(Auth, url, "login", message, nil)
}

// NewExtractionError creates an extraction error.
func NewExtractionError(url, step string, cause error) *CrawlError {
	return NewCrawlError(Extraction, url, step, "extraction failed", cause)
}

// NewBrowserError creates a browser error.
func NewBrowserError(url, step string, cause error) *CrawlError {
	return NewCrawlError(Browser, url, step, "browser operation failed", cause)
}

// NewStorageError creates a session store error.
func NewStorageError(step string, cause error) *CrawlError {
	return NewCrawlError(Storage, "", step, "session storage failed", cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(url, step string) *CrawlError {
	return NewCrawlError(Cancelled, url, step, "operation cancelled", nil)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, url, step string) *CrawlError {
	if err == nil {
		return nil
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(url, step)
	}

	if isTimeout(err) {
		return NewTimeoutError(url, step, err)
	}

	if isNetworkError(err) {
		return NewNetworkError(url, step, err)
	}

	return NewCrawlError(Unknown, url, step, err.Error(), err)
}

// CategorizeStatus maps a document response status onto the taxonomy.
// Statuses that do not indicate a failure return nil.
func CategorizeStatus(statusCode int, url, step string) *CrawlError {
	switch {
	case statusCode == 403 || statusCode == 429:
		return NewBlockedError(url, step, "status", fmt.Sprintf("HTTP %d", statusCode), statusCode)
	case statusCode >= 500:
		err := NewCrawlError(Network, url, step, fmt.Sprintf("server returned %d", statusCode), nil)
		err.StatusCode = statusCode
		return err
	case statusCode >= 400:
		err := NewNavigationError(url, step, fmt.Sprintf("client error %d", statusCode))
		err.StatusCode = statusCode
		err.Retryable = false
		return err
	default:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// Chromium reports navigation failures as net::ERR_* strings.
	errStr := err.Error()
	return strings.Contains(errStr, "net::ERR_") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// IsFatal reports whether the error must abort the run.
func IsFatal(err error) bool {
	return GetErrorType(err) == Config
}

// IsBlocked reports whether the error is a detection error.
func IsBlocked(err error) bool {
	return GetErrorType(err) == Blocked
}

// GetStatusCode extracts the status code from an error.
func GetStatusCode(err error) int {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.StatusCode
	}
	return 0
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type
	}
	return Unknown
}

// AsCrawlError returns the first CrawlError in err's chain.
func AsCrawlError(err error) (*CrawlError, bool) {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr, true
	}
	return nil, false
}
