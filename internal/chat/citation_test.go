package chat

import "testing"

func TestParseCitationsVariants(t *testing.T) {
	cases := []struct {
		in    string
		doc   string
		start int
		end   int
	}{
		{"see [SEBP4732, p.46] for the spec", "SEBP4732", 46, 46},
		{"see (SEBP4732, p. 46) for the spec", "SEBP4732", 46, 46},
		{"see [SEBP4732, pp.45-47]", "SEBP4732", 45, 47},
		{"see [SEBP4732, page 46]", "SEBP4732", 46, 46},
		{"see [SEBP4732; p.46]", "SEBP4732", 46, 46},
		{"see [SEBP4732 p.46]", "SEBP4732", 46, 46},
		{"range with en dash [OM3512B, p.12–14]", "OM3512B", 12, 14},
	}
	for _, tc := range cases {
		got := ParseCitations(tc.in)
		if len(got) != 1 {
			t.Errorf("%q: expected 1 citation, got %d", tc.in, len(got))
			continue
		}
		c := got[0]
		if c.DocID != tc.doc || c.PageStart != tc.start || c.PageEnd != tc.end {
			t.Errorf("%q: got %s p.%d-%d", tc.in, c.DocID, c.PageStart, c.PageEnd)
		}
	}
}

func TestParseCitationsOrderAndMultiple(t *testing.T) {
	text := "Start at [A-100, p.3], then [B-200, p.7-9]."
	got := ParseCitations(text)
	if len(got) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(got))
	}
	if got[0].DocID != "A-100" || got[1].DocID != "B-200" {
		t.Errorf("order wrong: %s, %s", got[0].DocID, got[1].DocID)
	}
}

func TestParseCitationsIgnoresNonCitations(t *testing.T) {
	for _, text := range []string{
		"the result (about 4 bar) is fine",
		"matrix [1][2] indexing",
		"inverted range [DOC, p.9-3]",
		"no citation here at all",
	} {
		if got := ParseCitations(text); len(got) != 0 {
			// Inverted ranges degrade to the start page rather than
			// vanishing.
			if text == "inverted range [DOC, p.9-3]" {
				if len(got) != 1 || got[0].PageStart != 9 || got[0].PageEnd != 9 {
					t.Errorf("%q: want start page only, got %+v", text, got)
				}
				continue
			}
			t.Errorf("%q: expected no citations, got %+v", text, got)
		}
	}
}

func TestParseCitationsRangeCap(t *testing.T) {
	got := ParseCitations("[DOC, p.1-500]")
	if len(got) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(got))
	}
	if got[0].PageEnd != 1 {
		t.Errorf("oversized range should collapse to the start page, got end %d", got[0].PageEnd)
	}
}

func TestCitationPages(t *testing.T) {
	c := Citation{DocID: "D", PageStart: 4, PageEnd: 6}
	got := c.Pages()
	if len(got) != 3 || got[0] != 4 || got[2] != 6 {
		t.Errorf("Pages() = %v", got)
	}
}

func TestNormalizeCitation(t *testing.T) {
	cases := map[string]string{
		"(SEBP4732, p. 46)":   "[SEBP4732, p.46]",
		"[SEBP4732, pp.45-47]": "[SEBP4732, p.45-47]",
		"[SEBP4732, page 46]":  "[SEBP4732, p.46]",
		// Canonical forms pass through unchanged.
		"[SEBP4732, p.46]":    "[SEBP4732, p.46]",
		"[SEBP4732, p.45-47]": "[SEBP4732, p.45-47]",
		// Non-citations are untouched.
		"(about 4 bar)": "(about 4 bar)",
		"[1]":           "[1]",
	}
	for in, want := range cases {
		if got := NormalizeCitation(in); got != want {
			t.Errorf("NormalizeCitation(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeCitationIdempotent(t *testing.T) {
	in := "(SEBP4732, pp. 45–47)"
	once := NormalizeCitation(in)
	twice := NormalizeCitation(once)
	if once != twice {
		t.Errorf("not idempotent: %q then %q", once, twice)
	}
}

func TestResolveExact(t *testing.T) {
	r := NewResolver([]string{"SEBP4732-C18", "OM3512B"})
	got, ok := r.Resolve(Citation{DocID: "om3512b"}, nil)
	if !ok || got != "OM3512B" {
		t.Errorf("exact case-insensitive match failed: %q, %v", got, ok)
	}
}

func TestResolvePrefix(t *testing.T) {
	r := NewResolver([]string{"SEBP4732-C18", "OM3512B"})
	got, ok := r.Resolve(Citation{DocID: "SEBP4732"}, nil)
	if !ok || got != "SEBP4732-C18" {
		t.Errorf("prefix match failed: %q, %v", got, ok)
	}
}

func TestResolvePrefixTooShort(t *testing.T) {
	r := NewResolver([]string{"SEBP4732-C18"})
	if _, ok := r.Resolve(Citation{DocID: "SE"}, nil); ok {
		t.Error("two-char prefix should not bind")
	}
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	r := NewResolver([]string{"SEBP4732-C18", "SEBP4789-C32"})

	// No session signal: the binding would be a guess.
	if _, ok := r.Resolve(Citation{DocID: "SEBP47"}, nil); ok {
		t.Error("ambiguous prefix with no recency signal should fail")
	}

	// The most recently cited candidate wins.
	got, ok := r.Resolve(Citation{DocID: "SEBP47"}, []string{"SEBP4789-C32", "SEBP4732-C18"})
	if !ok || got != "SEBP4789-C32" {
		t.Errorf("recency tie-break failed: %q, %v", got, ok)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := NewResolver([]string{"SEBP4732-C18"})
	if _, ok := r.Resolve(Citation{DocID: "XYZ999"}, nil); ok {
		t.Error("unknown identifier should not resolve")
	}
}
