// Package locator finds elements on pages whose markup is not under our
// control. A Chain tries strategies in order and stops at the first hit.
package locator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
)

// Strategy resolves a target on a page or reports not-found.
type Strategy interface {
	Name() string
	Locate(ctx context.Context, page browser.Page) (browser.Target, bool)
}

// Selector matches a raw CSS selector.
type Selector string

func (s Selector) Name() string { return "css:" + string(s) }

func (s Selector) Locate(ctx context.Context, page browser.Page) (browser.Target, bool) {
	t := browser.CSS(string(s))
	return t, page.Has(ctx, t)
}

// Exact matches elements whose attribute equals Value.
type Exact struct {
	Tag   string
	Attr  string
	Value string
}

func (e Exact) Name() string { return fmt.Sprintf("exact:%s[%s]", e.Tag, e.Attr) }

func (e Exact) Locate(ctx context.Context, page browser.Page) (browser.Target, bool) {
	t := browser.CSS(fmt.Sprintf(`%s[%s=%q]`, e.Tag, e.Attr, e.Value))
	return t, page.Has(ctx, t)
}

// Partial matches elements whose attribute contains Value.
type Partial struct {
	Tag   string
	Attr  string
	Value string
}

func (p Partial) Name() string { return fmt.Sprintf("partial:%s[%s]", p.Tag, p.Attr) }

func (p Partial) Locate(ctx context.Context, page browser.Page) (browser.Target, bool) {
	t := browser.CSS(fmt.Sprintf(`%s[%s*=%q]`, p.Tag, p.Attr, p.Value))
	return t, page.Has(ctx, t)
}

// VisibleText matches elements of Tag whose text matches Pattern,
// case-insensitively.
type VisibleText struct {
	Tag     string
	Pattern string
}

func (v VisibleText) Name() string { return "text:" + v.Tag }

func (v VisibleText) Locate(ctx context.Context, page browser.Page) (browser.Target, bool) {
	pattern := v.Pattern
	if !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	t := browser.Text(v.Tag, pattern)
	return t, page.Has(ctx, t)
}

// Chain is an ordered list of strategies.
type Chain []Strategy

// Match is the result of a successful lookup.
type Match struct {
	Strategy string
	Target   browser.Target
}

// First returns the target of the first strategy that finds something.
func (c Chain) First(ctx context.Context, page browser.Page) (Match, bool) {
	for _, s := range c {
		if ctx.Err() != nil {
			return Match{}, false
		}
		if t, ok := s.Locate(ctx, page); ok {
			return Match{Strategy: s.Name(), Target: t}, true
		}
	}
	return Match{}, false
}

// Has reports whether any strategy finds an element.
func (c Chain) Has(ctx context.Context, page browser.Page) bool {
	_, ok := c.First(ctx, page)
	return ok
}

// Count returns the number of elements matched by the first strategy that
// finds any.
func (c Chain) Count(ctx context.Context, page browser.Page) int {
	m, ok := c.First(ctx, page)
	if !ok {
		return 0
	}
	return page.Count(ctx, m.Target)
}

// CSS builds a chain of raw selectors.
func CSS(selectors ...string) Chain {
	c := make(Chain, 0, len(selectors))
	for _, s := range selectors {
		if s != "" {
			c = append(c, Selector(s))
		}
	}
	return c
}

// Link builds the usual exact attribute, partial attribute, visible text
// chain for an anchor.
func Link(attr, exact, partial, text string) Chain {
	var c Chain
	if exact != "" {
		c = append(c, Exact{Tag: "a", Attr: attr, Value: exact})
	}
	if partial != "" {
		c = append(c, Partial{Tag: "a", Attr: "href", Value: partial})
	}
	if text != "" {
		c = append(c, VisibleText{Tag: "a", Pattern: regexp.QuoteMeta(text)})
	}
	return c
}
