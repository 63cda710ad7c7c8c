package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/derekparent/wheelhouse/internal/websearch/models"
)

// Search queries the Brave web search API.
type Search struct {
	ApiKey string
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d", url.QueryEscape(q), k)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.ApiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned %s", resp.Status)
	}
	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	allowed := func(u string) bool {
		if len(sites) == 0 {
			return true
		}
		d := models.Domain(u)
		for _, s := range sites {
			if d == s {
				return true
			}
		}
		return false
	}
	var out []models.Result
	for _, r := range raw.Web.Results {
		if len(out) >= k {
			break
		}
		if !allowed(r.URL) {
			continue
		}
		out = append(out, models.Result{Title: r.Title, URL: r.URL, Excerpt: r.Description})
	}
	return out, nil
}
