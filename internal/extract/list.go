package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// Columns maps listing fields to cell positions. A negative index disables
// the field.
type Columns struct {
	Name          int `yaml:"name" json:"name"`
	Country       int `yaml:"country" json:"country"`
	Network       int `yaml:"network" json:"network"`
	DateAdded     int `yaml:"date_added" json:"date_added"`
	PremiumOffers int `yaml:"premium_offers" json:"premium_offers"`
}

// DefaultColumns matches the directory grid layout.
func DefaultColumns() Columns {
	return Columns{Name: 0, Country: 1, Network: 2, DateAdded: 3, PremiumOffers: 4}
}

// Selectors locate the listing grid and detail page fields.
type Selectors struct {
	Rows            string `yaml:"rows" json:"rows"`
	Cells           string `yaml:"cells" json:"cells"`
	DetailLink      string `yaml:"detail_link" json:"detail_link"`
	Homepage        string `yaml:"homepage" json:"homepage"`
	Facts           string `yaml:"facts" json:"facts"`
	ShippingRegions string `yaml:"shipping_regions" json:"shipping_regions"`
	Logo            string `yaml:"logo" json:"logo"`
	Screenshot      string `yaml:"screenshot" json:"screenshot"`
	Networks        string `yaml:"networks" json:"networks"`
}

// DefaultSelectors returns the portal's markup selectors.
func DefaultSelectors() Selectors {
	return Selectors{
		Rows:            "table#merchant-table tbody tr",
		Cells:           "td",
		DetailLink:      "a[href]",
		Homepage:        ".merchant-homepage a[href]",
		Facts:           "dl.merchant-facts",
		ShippingRegions: ".shipping-regions li",
		Logo:            "img.merchant-logo",
		Screenshot:      "img.merchant-screenshot",
		Networks:        ".network-links a",
	}
}

// Extractor parses listing and detail pages.
type Extractor struct {
	Columns   Columns
	Selectors Selectors
	Dates     DateParser
	now       func() time.Time
}

// New creates an extractor with default layout.
func New() *Extractor {
	return &Extractor{
		Columns:   DefaultColumns(),
		Selectors: DefaultSelectors(),
		Dates:     DefaultDateParser,
		now:       time.Now,
	}
}

var digits = regexp.MustCompile(`\d[\d,.]*`)

// ExtractList parses every grid row of a listing page. Rows without a usable
// name are skipped and counted as failures; a malformed document yields an
// empty result rather than an error.
func (e *Extractor) ExtractList(html, baseURL string, page int) ListResult {
	var res ListResult

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		res.RowErrors = append(res.RowErrors, RowError{Row: -1, Reason: err.Error()})
		return res
	}
	base, _ := url.Parse(baseURL)
	extractedAt := e.now()

	doc.Find(e.Selectors.Rows).Each(func(i int, row *goquery.Selection) {
		cells := row.Find(e.Selectors.Cells)
		// colspan placeholder rows ("No merchants found")
		if cells.Length() == 1 && cells.AttrOr("colspan", "") != "" {
			return
		}

		rec, reason := e.parseRow(cells, base)
		if reason != "" {
			res.Failed++
			res.RowErrors = append(res.RowErrors, RowError{Row: i, Reason: reason})
			return
		}
		rec.Page = page
		rec.ExtractedAt = extractedAt
		res.Records = append(res.Records, rec)
		res.Succeeded++
	})

	return res
}

func (e *Extractor) parseRow(cells *goquery.Selection, base *url.URL) (rec Record, reason string) {
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprintf("row parse panic: %v", r)
		}
	}()

	cell := func(idx int) *goquery.Selection {
		if idx < 0 || idx >= cells.Length() {
			return nil
		}
		return cells.Eq(idx)
	}

	nameCell := cell(e.Columns.Name)
	if nameCell == nil {
		return rec, "name cell missing"
	}
	rec.Name = CleanText(nameCell.Text())
	if rec.Name == "" {
		return rec, "empty merchant name"
	}
	if href, ok := nameCell.Find(e.Selectors.DetailLink).First().Attr("href"); ok {
		rec.DetailURL = resolve(base, href)
	}

	if c := cell(e.Columns.Country); c != nil {
		rec.Country = CleanText(c.Text())
	}
	if c := cell(e.Columns.Network); c != nil {
		rec.Network = CleanText(c.Text())
	}
	if c := cell(e.Columns.DateAdded); c != nil {
		rec.DateAdded = e.Dates.Parse(c.Text())
	}
	if c := cell(e.Columns.PremiumOffers); c != nil {
		rec.PremiumOffers = parseCount(c.Text())
	}
	return rec, ""
}

// CleanText normalizes compatibility characters and collapses whitespace.
func CleanText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func parseCount(s string) int {
	m := digits.FindString(s)
	if m == "" {
		return 0
	}
	m = strings.NewReplacer(",", "", ".", "").Replace(m)
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
