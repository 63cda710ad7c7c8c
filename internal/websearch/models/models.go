package models

import (
	"net/url"
	"strings"
	"time"
)

// Result is one web search hit: capped, ordered lists of these are the
// augmentation layer's only output.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// CacheEntry is the stored form of a query's results.
type CacheEntry struct {
	Results   []Result  `json:"results"`
	CreatedAt time.Time `json:"created_at"`
}

// Domain extracts the host for display-side web citations.
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
