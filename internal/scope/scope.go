// Package scope decides which URLs belong to the portal and normalizes
// them for use as keys.
package scope

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Checker validates URLs against the portal's site and the rules.
type Checker struct {
	base    *url.URL
	site    string
	allowed map[string]struct{}
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewChecker creates a checker for the site of baseURL.
func NewChecker(baseURL string, rules Rules) (*Checker, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", baseURL)
	}

	c := &Checker{
		base:    parsed,
		site:    Site(parsed.Hostname()),
		allowed: make(map[string]struct{}),
	}
	for _, d := range rules.AllowedDomains {
		c.allowed[Site(strings.ToLower(d))] = struct{}{}
	}
	for _, p := range rules.IncludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", p, err)
		}
		c.include = append(c.include, re)
	}
	for _, p := range rules.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		c.exclude = append(c.exclude, re)
	}
	return c, nil
}

// Site returns the registrable domain (eTLD+1) of host. IP addresses and
// hosts the suffix list cannot split are returned unchanged.
func Site(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

// SameSite reports whether raw is on the portal's registrable domain or
// one of the allowed ones. Relative URLs are same-site.
func (c *Checker) SameSite(raw string) bool {
	u, err := c.base.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	site := Site(u.Hostname())
	if site == c.site {
		return true
	}
	_, ok := c.allowed[site]
	return ok
}

// Allowed reports whether raw may be visited: same-site, not excluded and,
// when include patterns exist, matching one of them.
func (c *Checker) Allowed(raw string) bool {
	if !c.SameSite(raw) {
		return false
	}
	abs := c.Resolve(raw)
	for _, re := range c.exclude {
		if re.MatchString(abs) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, re := range c.include {
		if re.MatchString(abs) {
			return true
		}
	}
	return false
}

// Resolve makes raw absolute against the base URL. Unparseable input is
// returned as is.
func (c *Checker) Resolve(raw string) string {
	u, err := c.base.Parse(raw)
	if err != nil {
		return raw
	}
	return u.String()
}

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment, trims a trailing slash and sorts the query.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if (parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndex(parsed.Host, ":")]
	}
	parsed.Fragment = ""
	if parsed.Path != "/" && strings.HasSuffix(parsed.Path, "/") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = parsed.Query().Encode()
	}
	return parsed.String(), nil
}
