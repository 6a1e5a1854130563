package locator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Excluded wiki namespaces (maintenance, media, listings) never hold entity pages
var excludedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^/(special|file|image|media|category|template|help|user|mediawiki|module)(_talk)?:`),
	regexp.MustCompile(`(?i)^/(talk|[a-z]+_talk):`),
	regexp.MustCompile(`(?i)^/index\.php`),
	regexp.MustCompile(`(?i)^/api\.php`),
}

// Canonicalizer turns hrefs found on pages into stable locator keys for one site.
type Canonicalizer struct {
	base *url.URL
}

// New builds a Canonicalizer for the site rooted at baseURL.
func New(baseURL string) (*Canonicalizer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	return &Canonicalizer{base: &url.URL{Scheme: u.Scheme, Host: u.Host}}, nil
}

// Canonical returns the locator for href, or false when href does not point
// at an article on this site. Locators are unescaped, site-relative paths.
func (c *Canonicalizer) Canonical(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	// Handle protocol-relative URLs
	if strings.HasPrefix(href, "//") {
		href = c.base.Scheme + ":" + href
	}

	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host != "" && !strings.EqualFold(u.Hostname(), c.base.Hostname()) {
		return "", false
	}
	// Links with a query string are edit/history/redlink views, not articles
	if u.RawQuery != "" {
		return "", false
	}
	if !strings.HasPrefix(u.Path, "/") || u.Path == "/" {
		return "", false
	}
	return u.Path, true
}

// URL returns the absolute address for a locator.
func (c *Canonicalizer) URL(locator string) string {
	u := *c.base
	u.Path = locator
	return u.String()
}

// Host returns the site host locators are relative to.
func (c *Canonicalizer) Host() string {
	return c.base.Host
}

// Article canonicalizes href and rejects excluded namespaces.
func (c *Canonicalizer) Article(href string) (string, bool) {
	loc, ok := c.Canonical(href)
	if !ok || IsExcluded(loc) {
		return "", false
	}
	return loc, true
}

// IsExcluded checks if a locator matches any excluded namespace pattern
func IsExcluded(locator string) bool {
	for _, pattern := range excludedPatterns {
		if pattern.MatchString(locator) {
			return true
		}
	}
	return false
}
