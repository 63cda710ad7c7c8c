package websearch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/derekparent/wheelhouse/internal/websearch/models"
)

// fakeSearcher counts calls and either fails or returns a fixed list.
type fakeSearcher struct {
	calls   int
	err     error
	results []models.Result
}

func (f *fakeSearcher) Discover(ctx context.Context, q string, k int, sites []string) ([]models.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func fixedResults(n int) []models.Result {
	out := make([]models.Result, n)
	for i := range out {
		out[i] = models.Result{Title: "r", URL: "https://example.com", Excerpt: "e"}
	}
	return out
}

func TestCacheKeyNormalization(t *testing.T) {
	a := CacheKey("  Valve   LASH c18 ")
	b := CacheKey("valve lash c18")
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
	if CacheKey("valve lash") == CacheKey("oil filter") {
		t.Error("distinct queries should not collide")
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(a))
	}
}

func TestSearchCacheHitSkipsProviders(t *testing.T) {
	primary := &fakeSearcher{results: fixedResults(2)}
	a := NewAugmenterWith(primary, nil, NewMemoryCache(time.Hour), time.Second, 5)

	if _, err := a.Search(context.Background(), "valve lash", "", nil); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := a.Search(context.Background(), "  Valve  LASH ", "", nil); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("provider called %d times, want 1: second query must come from cache", primary.calls)
	}
}

func TestSearchEquipmentScopesCacheKey(t *testing.T) {
	primary := &fakeSearcher{results: fixedResults(1)}
	a := NewAugmenterWith(primary, nil, NewMemoryCache(time.Hour), time.Second, 5)

	if _, err := a.Search(context.Background(), "valve lash", "C18", nil); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := a.Search(context.Background(), "valve lash", "", nil); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("different equipment scope must not share cache entries, got %d calls", primary.calls)
	}
}

func TestSearchFallsBackToSecondaryOnce(t *testing.T) {
	primary := &fakeSearcher{err: errors.New("quota exceeded")}
	secondary := &fakeSearcher{results: fixedResults(3)}
	a := NewAugmenterWith(primary, secondary, NewMemoryCache(time.Hour), time.Second, 5)

	results, err := a.Search(context.Background(), "surging under load", "", nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d/%d, want exactly one each", primary.calls, secondary.calls)
	}
	if len(results) != 3 {
		t.Errorf("expected secondary's results, got %d", len(results))
	}
}

func TestSearchBothProvidersFailIsUnavailable(t *testing.T) {
	primary := &fakeSearcher{err: errors.New("down")}
	secondary := &fakeSearcher{err: errors.New("also down")}
	a := NewAugmenterWith(primary, secondary, NewMemoryCache(time.Hour), time.Second, 5)

	_, err := a.Search(context.Background(), "anything", "", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d/%d, want exactly one each", primary.calls, secondary.calls)
	}
	// A failure is never cached; the next attempt tries again.
	a.Search(context.Background(), "anything", "", nil)
	if primary.calls != 2 {
		t.Errorf("failed lookups must not populate the cache, got %d calls", primary.calls)
	}
}

func TestSearchCapsAndScoresResults(t *testing.T) {
	primary := &fakeSearcher{results: fixedResults(10)}
	a := NewAugmenterWith(primary, nil, NewMemoryCache(time.Hour), time.Second, 3)

	results, err := a.Search(context.Background(), "q", "", nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected cap at 3, got %d", len(results))
	}
	if results[0].Score != 1.0 || results[1].Score != 0.5 {
		t.Errorf("rank-derived scores wrong: %v, %v", results[0].Score, results[1].Score)
	}
}

func TestAvailable(t *testing.T) {
	if (&Augmenter{}).Available() {
		t.Error("no providers configured should report unavailable")
	}
	var nilAug *Augmenter
	if nilAug.Available() {
		t.Error("nil augmenter should report unavailable")
	}
	a := NewAugmenterWith(&fakeSearcher{}, nil, NewMemoryCache(time.Hour), time.Second, 5)
	if !a.Available() {
		t.Error("configured primary should report available")
	}
}

func TestSearchUnavailableWhenNoProviders(t *testing.T) {
	a := NewAugmenterWith(nil, nil, NewMemoryCache(time.Hour), time.Second, 5)
	if _, err := a.Search(context.Background(), "q", "", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
