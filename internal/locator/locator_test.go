package locator

import (
	"context"
	"testing"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/browser/browsertest"
)

const fixture = `<html><body>
<a href="/reports">Reports</a>
<a href="/merchants/directory?src=nav" class="nav-link">Merchant Directory</a>
<a data-nav="offers" href="/offers">Offers</a>
<input type="email" name="login_email">
</body></html>`

func newPage() *browsertest.Page {
	p := browsertest.NewPage(browsertest.NewPortal(browsertest.PortalOptions{}), browser.Persona{})
	p.LoadHTML(browsertest.BaseURL+"/dashboard", fixture, 200)
	return p
}

func TestStrategies(t *testing.T) {
	ctx := context.Background()
	page := newPage()

	tests := []struct {
		name     string
		strategy Strategy
		found    bool
	}{
		{"css hit", Selector("input[type=email]"), true},
		{"css miss", Selector("#nope"), false},
		{"exact hit", Exact{Tag: "a", Attr: "data-nav", Value: "offers"}, true},
		{"exact miss on partial value", Exact{Tag: "a", Attr: "href", Value: "/merchants/directory"}, false},
		{"partial hit", Partial{Tag: "a", Attr: "href", Value: "/merchants/directory"}, true},
		{"text hit any case", VisibleText{Tag: "a", Pattern: "merchant directory"}, true},
		{"text miss", VisibleText{Tag: "a", Pattern: "settings"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.strategy.Locate(ctx, page)
			if ok != tt.found {
				t.Errorf("Locate() found = %v, want %v", ok, tt.found)
			}
		})
	}
}

func TestChain_FirstInOrder(t *testing.T) {
	ctx := context.Background()
	page := newPage()

	chain := Link("data-nav", "merchant-directory", "/merchants/directory", "Merchant Directory")
	m, ok := chain.First(ctx, page)
	if !ok {
		t.Fatal("First() found nothing")
	}
	if m.Strategy != "partial:a[href]" {
		t.Errorf("Strategy = %q, want partial:a[href]", m.Strategy)
	}

	// Only the text strategy can match now.
	page.LoadHTML(browsertest.BaseURL+"/dashboard", `<a href="/m">Merchant Directory</a>`, 200)
	m, ok = chain.First(ctx, page)
	if !ok || m.Strategy != "text:a" {
		t.Errorf("First() = %+v, %v; want text:a", m, ok)
	}
	if err := page.Click(ctx, m.Target); err != nil {
		t.Errorf("Click(%s) = %v", m.Target, err)
	}
}

func TestChain_Empty(t *testing.T) {
	page := newPage()
	if _, ok := (Chain{}).First(context.Background(), page); ok {
		t.Error("empty chain should find nothing")
	}
	if CSS("", "#nope").Has(context.Background(), page) {
		t.Error("Has() = true for missing selector")
	}
}

func TestChain_Count(t *testing.T) {
	page := newPage()
	if got := CSS("table tr", "a").Count(context.Background(), page); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}
