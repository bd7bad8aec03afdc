package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a target matches no element.
var ErrNotFound = errors.New("element not found")

// Target identifies an element. Selector is a CSS selector; a non-empty
// Pattern (Go regexp) additionally filters by the element's visible text.
type Target struct {
	Selector string
	Pattern  string
}

// CSS targets the first element matching selector.
func CSS(selector string) Target {
	return Target{Selector: selector}
}

// Text targets elements matching selector whose text matches pattern.
func Text(selector, pattern string) Target {
	return Target{Selector: selector, Pattern: pattern}
}

func (t Target) String() string {
	if t.Pattern == "" {
		return t.Selector
	}
	return t.Selector + " ~ /" + t.Pattern + "/"
}

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X, Y float64
}

// Box is an element's bounding box in viewport coordinates.
type Box struct {
	X, Y, Width, Height float64
}

// Center returns the middle of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Cookie is a browser cookie in a backend-neutral form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// Storage holds the local and session storage of one origin.
type Storage struct {
	Origin  string            `json:"origin"`
	Local   map[string]string `json:"local,omitempty"`
	Session map[string]string `json:"session,omitempty"`
}

// Page is one browser tab inside its own context. Every method is safe to
// call on a page that has navigated away; missing elements are reported
// through the bool/error results, never by panicking.
type Page interface {
	// Navigate loads url and returns the main document's status code
	// (0 when unknown).
	Navigate(ctx context.Context, url string) (int, error)
	// Status returns the status of the most recent main document response.
	Status() int
	URL() string
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Text returns the rendered text of the body.
	Text(ctx context.Context) (string, error)

	Has(ctx context.Context, t Target) bool
	Count(ctx context.Context, t Target) int
	Attr(ctx context.Context, t Target, name string) (string, bool)
	ElementText(ctx context.Context, t Target) (string, error)
	Box(ctx context.Context, t Target) (Box, error)
	// WaitFor polls until the target exists or timeout elapses.
	WaitFor(ctx context.Context, t Target, timeout time.Duration) error

	Click(ctx context.Context, t Target) error
	Fill(ctx context.Context, t Target, value string) error
	// Select chooses the option of a <select> whose value or label equals value.
	Select(ctx context.Context, t Target, value string) error
	Press(ctx context.Context, key string) error
	MoveMouse(ctx context.Context, p Point) error
	Scroll(ctx context.Context, dx, dy float64) error
	Viewport() (width, height int)
	// Eval runs a JS function expression and returns its result as a string.
	Eval(ctx context.Context, js string, args ...interface{}) (string, error)

	// ExpectNavigation arms a wait for the next main-frame load. The returned
	// function blocks until it happens or timeout elapses.
	ExpectNavigation(ctx context.Context, timeout time.Duration) func() error
	// WaitIdle waits for network quiet. Callers treat its error as soft.
	WaitIdle(ctx context.Context, timeout time.Duration) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	CaptureStorage(ctx context.Context) (Storage, error)
	RestoreStorage(ctx context.Context, s Storage) error
	// ClearState drops cookies plus local and session storage.
	ClearState(ctx context.Context) error

	Persona() Persona
	SetPersona(ctx context.Context, p Persona) error

	Close() error
}

// Opener creates pages in fresh browser contexts.
type Opener interface {
	NewPage(ctx context.Context, p Persona) (Page, error)
}
