package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractDetail enriches base with the fields of its detail page. Missing
// fields are left empty; the listing fields of base are never overwritten.
func (e *Extractor) ExtractDetail(html, pageURL string, base Record) (Detail, error) {
	d := Detail{Record: base}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return d, err
	}
	u, _ := url.Parse(pageURL)

	if href, ok := doc.Find(e.Selectors.Homepage).First().Attr("href"); ok {
		d.Homepage = resolve(u, href)
	}

	doc.Find(e.Selectors.Facts).Find("dt").Each(func(_ int, dt *goquery.Selection) {
		label := strings.ToLower(CleanText(dt.Text()))
		value := CleanText(dt.NextFiltered("dd").Text())
		if value == "" {
			return
		}
		switch {
		case label == "category":
			d.Category = value
		case strings.HasSuffix(label, " id") || strings.HasSuffix(label, "identifier"):
			if d.ExternalIDs == nil {
				d.ExternalIDs = make(map[string]string)
			}
			d.ExternalIDs[idKey(label)] = value
		}
	})

	doc.Find(e.Selectors.ShippingRegions).Each(func(_ int, s *goquery.Selection) {
		if v := CleanText(s.Text()); v != "" {
			d.ShippingRegions = append(d.ShippingRegions, v)
		}
	})

	if src, ok := doc.Find(e.Selectors.Logo).First().Attr("src"); ok {
		d.LogoURL = resolve(u, src)
	}
	if src, ok := doc.Find(e.Selectors.Screenshot).First().Attr("src"); ok {
		d.ScreenshotURL = resolve(u, src)
	}

	seen := make(map[string]bool)
	doc.Find(e.Selectors.Networks).Each(func(_ int, s *goquery.Selection) {
		v := CleanText(s.Text())
		if v != "" && !seen[v] {
			seen[v] = true
			d.Networks = append(d.Networks, v)
		}
	})

	return d, nil
}

// idKey turns "Merchant ID" into "merchant_id".
func idKey(label string) string {
	return strings.ReplaceAll(strings.TrimSpace(label), " ", "_")
}
