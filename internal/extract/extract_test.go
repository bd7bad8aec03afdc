package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<table id="merchant-table">
  <thead><tr><th>Merchant</th><th>Country</th><th>Network</th><th>Added</th><th>Premium</th></tr></thead>
  <tbody>
    <tr><td><a href="/merchants/101">Acme&nbsp;Outdoor  Ltd</a></td><td>United Kingdom</td><td>Awin</td><td>12/03/2024</td><td>3 offers</td></tr>
    <tr><td><a href="/merchants/102"> </a></td><td>France</td><td>CJ</td><td>01/01/2024</td><td>0</td></tr>
    <tr><td><a href="https://cdn.other/merchants/103">Ｂｅｔａ Shop</a></td><td>Germany</td><td>Rakuten</td><td>31/02/2024</td><td>1,204</td></tr>
    <tr><td>Gamma Goods</td></tr>
  </tbody>
</table></body></html>`

// =============================================================================
// List Tests
// =============================================================================

func TestExtractList(t *testing.T) {
	e := New()
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	res := e.ExtractList(listingHTML, "https://portal.example/merchants/directory?page=2", 2)

	require.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.RowErrors, 1)
	assert.Equal(t, 1, res.RowErrors[0].Row)

	acme := res.Records[0]
	assert.Equal(t, "Acme Outdoor Ltd", acme.Name)
	assert.Equal(t, "United Kingdom", acme.Country)
	assert.Equal(t, "Awin", acme.Network)
	require.NotNil(t, acme.DateAdded)
	assert.Equal(t, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC), *acme.DateAdded)
	assert.Equal(t, 3, acme.PremiumOffers)
	assert.Equal(t, "https://portal.example/merchants/101", acme.DetailURL)
	assert.Equal(t, 2, acme.Page)
	assert.Equal(t, fixed, acme.ExtractedAt)

	beta := res.Records[1]
	assert.Equal(t, "Beta Shop", beta.Name, "full-width characters are normalized")
	assert.Nil(t, beta.DateAdded, "impossible dates yield nil")
	assert.Equal(t, 1204, beta.PremiumOffers)
	assert.Equal(t, "https://cdn.other/merchants/103", beta.DetailURL)

	gamma := res.Records[2]
	assert.Equal(t, "Gamma Goods", gamma.Name)
	assert.Empty(t, gamma.DetailURL)
	assert.Empty(t, gamma.Country)
}

func TestExtractList_EveryRecordHasName(t *testing.T) {
	html := `<table id="merchant-table"><tbody>
	<tr><td></td><td>UK</td></tr>
	<tr><td>   </td><td>UK</td></tr>
	<tr><td>Real Merchant</td><td>UK</td></tr>
	</tbody></table>`

	res := New().ExtractList(html, "https://p/", 1)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	for _, r := range res.Records {
		assert.NotEmpty(t, r.Name)
	}
}

func TestExtractList_PlaceholderAndEmpty(t *testing.T) {
	html := `<table id="merchant-table"><tbody>
	<tr><td colspan="5">No merchants found</td></tr>
	</tbody></table>`

	res := New().ExtractList(html, "https://p/", 1)
	assert.Empty(t, res.Records)
	assert.Zero(t, res.Failed)

	res = New().ExtractList("", "https://p/", 1)
	assert.Empty(t, res.Records)
}

func TestExtractList_CustomColumns(t *testing.T) {
	html := `<table id="merchant-table"><tbody>
	<tr><td>DE</td><td><a href="/m/1">Delta</a></td><td>2024-02-29</td></tr>
	</tbody></table>`

	e := New()
	e.Columns = Columns{Name: 1, Country: 0, Network: -1, DateAdded: 2, PremiumOffers: -1}
	res := e.ExtractList(html, "https://p/", 1)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "Delta", rec.Name)
	assert.Equal(t, "DE", rec.Country)
	assert.Empty(t, rec.Network)
	require.NotNil(t, rec.DateAdded)
	assert.Equal(t, 29, rec.DateAdded.Day())
}

// =============================================================================
// Date Tests
// =============================================================================

func TestParseDate(t *testing.T) {
	utc := func(y int, m time.Month, d int) *time.Time {
		v := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &v
	}

	tests := []struct {
		in   string
		want *time.Time
	}{
		{"12/03/2024", utc(2024, 3, 12)},
		{"12.03.2024", utc(2024, 3, 12)},
		{"5-1-24", utc(2024, 1, 5)},
		{"03/25/2024", utc(2024, 3, 25)}, // month slot impossible, swapped
		{"2024-03-12", utc(2024, 3, 12)},
		{"12 Mar 2024", utc(2024, 3, 12)},
		{"1st September 2023", utc(2023, 9, 1)},
		{"Mar 12, 2024", utc(2024, 3, 12)},
		{"2024/03/12", utc(2024, 3, 12)},
		{"31/02/2024", nil},
		{"2024-13-01", nil},
		{"", nil},
		{"-", nil},
		{"yesterday", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseDate(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "ParseDate(%q) = %v, want %v", tt.in, got, tt.want)
		})
	}
}

func TestParseDate_MonthFirst(t *testing.T) {
	p := DateParser{DayFirst: false}
	got := p.Parse("03/12/2024")
	require.NotNil(t, got)
	assert.Equal(t, time.March, got.Month())
	assert.Equal(t, 12, got.Day())
}

func TestParseDate_DirectFallback(t *testing.T) {
	got := ParseDate("2024-03-12T08:30:00Z")
	require.NotNil(t, got)
	assert.Equal(t, 8, got.Hour())
}

// =============================================================================
// Detail Tests
// =============================================================================

const detailHTML = `<html><body>
<h1>Acme Outdoor Ltd</h1>
<img class="merchant-logo" src="/static/logos/101.png">
<img class="merchant-screenshot" src="https://cdn.example/shots/101.jpg">
<p class="merchant-homepage"><a href="https://acme-outdoor.example/">acme-outdoor.example</a></p>
<dl class="merchant-facts">
  <dt>Category</dt><dd>Sports &amp; Outdoors</dd>
  <dt>Merchant ID</dt><dd>  AW-5521 </dd>
  <dt>Advertiser Identifier</dt><dd>88231</dd>
  <dt>Notes</dt><dd>ignored</dd>
</dl>
<ul class="shipping-regions"><li>UK</li><li> EU </li><li></li></ul>
<div class="network-links"><a href="#">Awin</a><a href="#">CJ</a><a href="#">Awin</a></div>
</body></html>`

func TestExtractDetail(t *testing.T) {
	base := Record{Name: "Acme Outdoor Ltd", Network: "Awin", Page: 1}

	d, err := New().ExtractDetail(detailHTML, "https://portal.example/merchants/101", base)
	require.NoError(t, err)

	assert.Equal(t, base, d.Record)
	assert.Equal(t, "https://acme-outdoor.example/", d.Homepage)
	assert.Equal(t, "Sports & Outdoors", d.Category)
	assert.Equal(t, map[string]string{"merchant_id": "AW-5521", "advertiser_identifier": "88231"}, d.ExternalIDs)
	assert.Equal(t, []string{"UK", "EU"}, d.ShippingRegions)
	assert.Equal(t, "https://portal.example/static/logos/101.png", d.LogoURL)
	assert.Equal(t, "https://cdn.example/shots/101.jpg", d.ScreenshotURL)
	assert.Equal(t, []string{"Awin", "CJ"}, d.Networks)
}

func TestExtractDetail_Sparse(t *testing.T) {
	d, err := New().ExtractDetail("<html><body><p>Not much here</p></body></html>", "https://p/m/1", Record{Name: "X"})
	require.NoError(t, err)
	assert.Equal(t, "X", d.Name)
	assert.Empty(t, d.Homepage)
	assert.Nil(t, d.ExternalIDs)
}
