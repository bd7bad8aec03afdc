// Package browser provides the stealth headless Chrome layer via Rod.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
)

// Launcher owns one Chromium process. Each page lives in its own incognito
// context so cookies never leak between lanes.
type Launcher struct {
	mu      sync.Mutex
	browser *rod.Browser
	launch  *launcher.Launcher
	config  Config
	closed  bool
}

// Launch starts Chromium and connects to it.
func Launch(ctx context.Context, config Config) (*Launcher, error) {
	l := launcher.New().
		Headless(config.Headless).
		NoSandbox(config.NoSandbox).
		Set("disable-blink-features", "AutomationControlled")

	if config.Bin != "" {
		l = l.Bin(config.Bin)
	}
	if config.Proxy != "" {
		l = l.Proxy(config.Proxy)
	}
	if config.UserDataDir != "" {
		l = l.UserDataDir(config.UserDataDir)
	}
	if config.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors", "true")
	}
	for name, value := range config.Flags {
		l = l.Set(flags.Flag(name), value)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	if config.Timeout > 0 {
		b = b.Timeout(config.Timeout)
	}

	return &Launcher{browser: b, launch: l, config: config}, nil
}

// NewPage opens a stealth page in a fresh incognito context and applies
// the persona before any navigation happens.
func (l *Launcher) NewPage(ctx context.Context, persona Persona) (Page, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("browser is closed")
	}
	l.mu.Unlock()

	incognito, err := l.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := stealth.Page(incognito)
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if _, err := page.EvalOnNewDocument(EvasionScript(persona)); err != nil {
		_ = page.Close()
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to inject evasion script: %w", err)
	}

	if len(l.config.BlockResources) > 0 {
		_ = proto.NetworkEnable{}.Call(page)
		_ = proto.NetworkSetBlockedURLs{Urls: l.config.BlockResources}.Call(page)
	}

	rp := newRodPage(page, incognito)
	if err := rp.SetPersona(ctx, persona); err != nil {
		_ = rp.Close()
		return nil, err
	}
	return rp, nil
}

// Close shuts the browser down.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	err := l.browser.Close()
	l.launch.Kill()
	return err
}

// applyPersona sets identity overrides on page. Emulation failures are not
// fatal except for the user agent.
func applyPersona(page *rod.Page, p Persona) error {
	if p.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      p.UserAgent,
			AcceptLanguage: p.AcceptLanguage,
			Platform:       p.Platform,
		})
		if err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	if p.Width > 0 && p.Height > 0 {
		_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             p.Width,
			Height:            p.Height,
			DeviceScaleFactor: 1,
		})
	}
	if p.Timezone != "" {
		_ = proto.EmulationSetTimezoneOverride{TimezoneID: p.Timezone}.Call(page)
	}
	if p.Locale != "" {
		_ = proto.EmulationSetLocaleOverride{Locale: p.Locale}.Call(page)
	}
	if p.AcceptLanguage != "" {
		headers := proto.NetworkHeaders{
			"Accept-Language": gson.New(p.AcceptLanguage),
		}
		_ = proto.NetworkSetExtraHTTPHeaders{Headers: headers}.Call(page)
	}
	return nil
}
