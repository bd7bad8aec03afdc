// Package extract turns rendered merchant directory pages into records.
package extract

import "time"

// Record is one row of a merchant listing page.
type Record struct {
	Name          string     `json:"name"`
	Country       string     `json:"country,omitempty"`
	Network       string     `json:"network,omitempty"`
	DateAdded     *time.Time `json:"date_added,omitempty"`
	PremiumOffers int        `json:"premium_offers"`
	DetailURL     string     `json:"detail_url,omitempty"`
	Page          int        `json:"page"`
	ExtractedAt   time.Time  `json:"extracted_at"`
}

// Detail is a listing record enriched from its detail page.
type Detail struct {
	Record
	Homepage        string            `json:"homepage,omitempty"`
	ExternalIDs     map[string]string `json:"external_ids,omitempty"`
	Category        string            `json:"category,omitempty"`
	ShippingRegions []string          `json:"shipping_regions,omitempty"`
	LogoURL         string            `json:"logo_url,omitempty"`
	ScreenshotURL   string            `json:"screenshot_url,omitempty"`
	Networks        []string          `json:"networks,omitempty"`
}

// RowError describes a listing row that was skipped.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ListResult is the outcome of extracting one listing page.
type ListResult struct {
	Records   []Record
	Succeeded int
	Failed    int
	RowErrors []RowError
}
