package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	numericDate = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2}|\d{4})$`)
	isoDate     = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`)
	namedDate   = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?\s+([A-Za-z]{3,9})\.?,?\s+(\d{4})$`)
)

// fallbackLayouts are tried when no pattern matches.
var fallbackLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"02 Jan 2006 15:04",
	"Mon, 02 Jan 2006",
	time.RFC1123,
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// DateParser parses the date-added column. DayFirst selects dd/mm/yyyy over
// mm/dd/yyyy for ambiguous numeric dates.
type DateParser struct {
	DayFirst bool
	Location *time.Location
}

// DefaultDateParser matches the portal's day-first UK formatting.
var DefaultDateParser = DateParser{DayFirst: true, Location: time.UTC}

// ParseDate parses s with DefaultDateParser.
func ParseDate(s string) *time.Time {
	return DefaultDateParser.Parse(s)
}

// Parse returns nil when s is empty or not a valid calendar date.
func (p DateParser) Parse(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return nil
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	if t, ok := p.byPattern(s, loc); ok {
		return &t
	}

	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}
	return nil
}

func (p DateParser) byPattern(s string, loc *time.Location) (time.Time, bool) {
	if m := isoDate.FindStringSubmatch(s); m != nil && len(s) == len(m[0]) {
		return build(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc)
	}
	if m := numericDate.FindStringSubmatch(s); m != nil {
		a, b, y := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if len(m[3]) == 2 {
			y += 2000
		}
		day, month := a, b
		if !p.DayFirst {
			day, month = b, a
		}
		// an impossible month in the expected slot means the other order
		if month > 12 && day <= 12 {
			day, month = month, day
		}
		return build(y, month, day, loc)
	}
	if m := namedDate.FindStringSubmatch(s); m != nil {
		key := strings.ToLower(m[2])
		if len(key) < 3 {
			return time.Time{}, false
		}
		month, ok := monthNames[key[:3]]
		if !ok {
			return time.Time{}, false
		}
		return build(atoi(m[3]), int(month), atoi(m[1]), loc)
	}
	return time.Time{}, false
}

// build rejects dates that time.Date would normalize (31/02 and friends).
func build(year, month, day int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
