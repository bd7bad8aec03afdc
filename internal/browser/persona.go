package browser

import (
	"math/rand"
	"sync"
	"time"
)

// Persona is the identity a browser context presents to the portal.
type Persona struct {
	Name           string   `yaml:"name" json:"name"`
	UserAgent      string   `yaml:"user_agent" json:"user_agent"`
	Platform       string   `yaml:"platform" json:"platform"`
	AcceptLanguage string   `yaml:"accept_language" json:"accept_language"`
	Languages      []string `yaml:"languages" json:"languages"`
	Locale         string   `yaml:"locale" json:"locale"`
	Timezone       string   `yaml:"timezone" json:"timezone"`
	Width          int      `yaml:"width" json:"width"`
	Height         int      `yaml:"height" json:"height"`
}

// DefaultPersonas returns a small set of common desktop identities.
func DefaultPersonas() []Persona {
	return []Persona{
		{
			Name:           "win-chrome",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Platform:       "Win32",
			AcceptLanguage: "en-GB,en;q=0.9",
			Languages:      []string{"en-GB", "en"},
			Locale:         "en-GB",
			Timezone:       "Europe/London",
			Width:          1920,
			Height:         1080,
		},
		{
			Name:           "mac-chrome",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
			Platform:       "MacIntel",
			AcceptLanguage: "en-US,en;q=0.9",
			Languages:      []string{"en-US", "en"},
			Locale:         "en-US",
			Timezone:       "America/New_York",
			Width:          1440,
			Height:         900,
		},
		{
			Name:           "linux-chrome",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Platform:       "Linux x86_64",
			AcceptLanguage: "en-US,en;q=0.8",
			Languages:      []string{"en-US", "en"},
			Locale:         "en-US",
			Timezone:       "America/Chicago",
			Width:          1366,
			Height:         768,
		},
		{
			Name:           "win-chrome-de",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
			Platform:       "Win32",
			AcceptLanguage: "de-DE,de;q=0.9,en;q=0.7",
			Languages:      []string{"de-DE", "de", "en"},
			Locale:         "de-DE",
			Timezone:       "Europe/Berlin",
			Width:          1536,
			Height:         864,
		},
	}
}

// Rotator hands out personas at random without repeating the current one.
type Rotator struct {
	mu       sync.Mutex
	personas []Persona
	current  int
	rng      *rand.Rand
}

// NewRotator creates a rotator over personas (DefaultPersonas when empty).
func NewRotator(personas []Persona) *Rotator {
	if len(personas) == 0 {
		personas = DefaultPersonas()
	}
	return &Rotator{
		personas: personas,
		current:  -1,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Current returns the persona last handed out, or the first one.
func (r *Rotator) Current() Persona {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current < 0 {
		return r.personas[0]
	}
	return r.personas[r.current]
}

// Next picks a different persona than the current one when possible.
func (r *Rotator) Next() Persona {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.personas)
	if n == 1 {
		r.current = 0
		return r.personas[0]
	}
	idx := r.rng.Intn(n)
	if idx == r.current {
		idx = (idx + 1 + r.rng.Intn(n-1)) % n
	}
	r.current = idx
	return r.personas[idx]
}

// Len returns the number of personas in rotation.
func (r *Rotator) Len() int {
	return len(r.personas)
}
