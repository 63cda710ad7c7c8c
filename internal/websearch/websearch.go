package websearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/websearch/brave"
	"github.com/derekparent/wheelhouse/internal/websearch/models"
	"github.com/derekparent/wheelhouse/internal/websearch/serper"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wheelhouse_websearch_cache_hits_total",
		Help: "Augmentation cache hits.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wheelhouse_websearch_cache_misses_total",
		Help: "Augmentation cache misses.",
	})
	webFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wheelhouse_websearch_failures_total",
		Help: "Web provider call failures by provider.",
	}, []string{"provider"})
)

// WebSearcher is one external search provider.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string) ([]models.Result, error)
}

// Provider names a configured web search backend.
type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported web search provider")
	// ErrUnavailable is the explicit signal that both providers failed
	// or none is configured; never surfaced as an empty success.
	ErrUnavailable = errors.New("web search unavailable")
)

// NewWebSearcher builds a provider client; an empty API key yields nil
// so the augmenter can hide the feature.
func NewWebSearcher(p Provider, apiKey string) (WebSearcher, error) {
	if apiKey == "" {
		return nil, nil
	}
	switch p {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// Augmenter is the user-triggered secondary retrieval: cache first,
// primary provider with a short timeout, secondary exactly once, then
// unavailable.
type Augmenter struct {
	primary    WebSearcher
	secondary  WebSearcher
	cache      Cache
	timeout    time.Duration
	maxResults int
	logger     *log.Logger
}

func keyFor(p Provider) func(cfg config.WebSearchConfig) string {
	return func(cfg config.WebSearchConfig) string {
		switch p {
		case SerperProvider:
			return cfg.SerperAPIKey
		case BraveProvider:
			return cfg.BraveAPIKey
		}
		return ""
	}
}

// NewAugmenter wires providers and cache from configuration.
func NewAugmenter(cfg config.WebSearchConfig, cache Cache, logger *log.Logger) (*Augmenter, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[WEBSEARCH] ", log.LstdFlags)
	}
	primary, err := NewWebSearcher(Provider(cfg.Primary), keyFor(Provider(cfg.Primary))(cfg))
	if err != nil {
		return nil, err
	}
	secondary, err := NewWebSearcher(Provider(cfg.Secondary), keyFor(Provider(cfg.Secondary))(cfg))
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	if cache == nil {
		ttl := cfg.CacheTTL
		if ttl == 0 {
			ttl = 24 * time.Hour
		}
		cache = NewMemoryCache(ttl)
	}
	return &Augmenter{
		primary:    primary,
		secondary:  secondary,
		cache:      cache,
		timeout:    timeout,
		maxResults: maxResults,
		logger:     logger,
	}, nil
}

// NewAugmenterWith builds an augmenter from explicit parts, used by
// tests.
func NewAugmenterWith(primary, secondary WebSearcher, cache Cache, timeout time.Duration, maxResults int) *Augmenter {
	return &Augmenter{
		primary:    primary,
		secondary:  secondary,
		cache:      cache,
		timeout:    timeout,
		maxResults: maxResults,
		logger:     log.New(log.Writer(), "[WEBSEARCH] ", log.LstdFlags),
	}
}

// Available reports whether any provider is configured; the transport
// hides the augmentation action entirely when it is false.
func (a *Augmenter) Available() bool {
	return a != nil && (a.primary != nil || a.secondary != nil)
}

// CacheKey is the stable hash of the normalized query, computed before
// any provider call.
func CacheKey(q string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(q)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Search runs the augmentation query. equipment, when present, scopes
// the query; sites restricts results to the domain allow-list.
func (a *Augmenter) Search(ctx context.Context, q, equipment string, sites []string) ([]models.Result, error) {
	if !a.Available() {
		return nil, ErrUnavailable
	}
	full := strings.TrimSpace(q)
	if equipment != "" {
		full = equipment + " " + full
	}
	key := CacheKey(full)
	if cached, ok := a.cache.Get(ctx, key); ok {
		cacheHitsTotal.Inc()
		return capResults(cached, a.maxResults), nil
	}
	cacheMissesTotal.Inc()

	results, err := a.tryProviders(ctx, full, sites)
	if err != nil {
		return nil, err
	}
	results = capResults(results, a.maxResults)
	// Rank-derived score: providers return ordered lists without one.
	for i := range results {
		results[i].Score = 1.0 / float64(i+1)
	}
	a.cache.Put(ctx, key, results)
	return results, nil
}

// tryProviders calls primary then, on failure, secondary exactly once.
// The two attempts are sequential with independent timeouts to bound
// external call volume.
func (a *Augmenter) tryProviders(ctx context.Context, q string, sites []string) ([]models.Result, error) {
	if a.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, a.timeout)
		results, err := a.primary.Discover(pctx, q, a.maxResults, sites)
		cancel()
		if err == nil {
			return results, nil
		}
		webFailuresTotal.WithLabelValues("primary").Inc()
		a.logger.Printf("primary web provider failed: %v", err)
	}
	if a.secondary != nil {
		sctx, cancel := context.WithTimeout(ctx, a.timeout)
		results, err := a.secondary.Discover(sctx, q, a.maxResults, sites)
		cancel()
		if err == nil {
			return results, nil
		}
		webFailuresTotal.WithLabelValues("secondary").Inc()
		a.logger.Printf("secondary web provider failed: %v", err)
	}
	return nil, ErrUnavailable
}

func capResults(in []models.Result, k int) []models.Result {
	if len(in) > k {
		return in[:k]
	}
	return in
}
