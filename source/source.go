// Package source defines the product origins the extraction core works
// against and loads them from YAML configuration.
//
// A Source is immutable after load and shared read-only by every component:
// the orchestrator expands its URL templates, the extractor keys learned
// selectors by its ID, and the health monitor keys reliability records by it.
package source

import (
	"fmt"
	"net/url"
	"strings"
)

// Source is one product origin (site or app backend).
type Source struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// RequiresRendering marks script-rendered sources: the static-fetch tier
	// is skipped and retrieval goes straight to the browser.
	RequiresRendering bool `yaml:"requires_rendering" json:"requires_rendering"`

	// HasAPI marks sources with a native search API the orchestrator can
	// call before touching any markup.
	HasAPI bool `yaml:"has_api" json:"has_api"`

	// SearchURL is the primary search URL template. The literal token
	// "{query}" is replaced with the url-escaped query.
	SearchURL string `yaml:"search_url" json:"search_url"`

	// AlternateURLs are fallback search URL templates, tried in order by the
	// rendered tier after the primary URL fails.
	AlternateURLs []string `yaml:"alternate_urls" json:"alternate_urls,omitempty"`

	// WaitSelector, when set, is a CSS selector the renderer waits for
	// before serialising the DOM.
	WaitSelector string `yaml:"wait_selector" json:"wait_selector,omitempty"`

	// BaseURL resolves relative detail/image URLs found in markup.
	// Derived from SearchURL when empty.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
}

// Expand substitutes the query into a URL template.
func (s Source) Expand(tmpl, query string) string {
	return strings.ReplaceAll(tmpl, "{query}", url.QueryEscape(query))
}

// SearchFor returns the primary search URL for a query.
func (s Source) SearchFor(query string) string {
	return s.Expand(s.SearchURL, query)
}

// ResolveURL resolves a possibly relative URL against the source's base URL.
// Invalid or empty inputs are returned unchanged.
func (s Source) ResolveURL(ref string) string {
	if ref == "" || s.BaseURL == "" {
		return ref
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func (s *Source) validate() error {
	if s.ID == "" {
		return fmt.Errorf("source: missing id")
	}
	if s.SearchURL == "" {
		return fmt.Errorf("source %s: missing search_url", s.ID)
	}
	return nil
}

func (s *Source) applyDefaults() {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.BaseURL == "" {
		if u, err := url.Parse(s.Expand(s.SearchURL, "x")); err == nil && u.Host != "" {
			s.BaseURL = u.Scheme + "://" + u.Host
		}
	}
}
