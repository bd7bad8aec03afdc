package scope

// DefaultExcludePatterns keep the crawler away from links that would end
// the session or change account state.
var DefaultExcludePatterns = []string{
	`.*[?&]logout.*`,
	`.*[?&]signout.*`,
	`.*\/logout.*`,
	`.*\/signout.*`,
	`.*\/sign-out.*`,
	`.*\/delete-account.*`,
	`.*\/unsubscribe.*`,
	`.*\/reset-password.*`,
	`.*\/export.*`,
	`.*\.(pdf|zip|csv|xlsx?)$`,
}

// Rules restrict which URLs the crawler may visit.
type Rules struct {
	// AllowedDomains are extra registrable domains treated as same-site,
	// e.g. an SSO host.
	AllowedDomains  []string `yaml:"allowed_domains" json:"allowed_domains,omitempty"`
	IncludePatterns []string `yaml:"include_patterns" json:"include_patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns,omitempty"`
}

// DefaultRules returns rules with DefaultExcludePatterns applied.
func DefaultRules() Rules {
	return Rules{ExcludePatterns: append([]string(nil), DefaultExcludePatterns...)}
}
