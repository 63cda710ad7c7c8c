package search

import (
	"regexp"
	"strings"

	"github.com/derekparent/wheelhouse/config"
)

// Prepared is the expanded form of a raw user query.
type Prepared struct {
	// Terms are the normalized keywords after stop-word removal plus
	// single-word synonym expansions.
	Terms []string
	// Phrases are separately weighted phrase clauses: quoted spans,
	// multi-word synonym expansions and the cleaned query itself when
	// short enough to act as one.
	Phrases []string
	// Disjunctive marks that terms should be OR-joined.
	Disjunctive bool
	// Phrase is the cleaned original wording, used for the verbatim
	// match boost.
	Phrase string
	// Procedural marks "how do I"-style phrasing.
	Procedural bool
	// SuggestedEquipment is an equipment identifier spotted in the
	// query when no explicit filter was supplied. It is surfaced as a
	// suggestion only, never applied silently.
	SuggestedEquipment string
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true,
	"for": true, "from": true, "how": true, "i": true, "in": true,
	"is": true, "it": true, "my": true, "of": true, "on": true, "or": true,
	"should": true, "that": true, "the": true, "this": true, "to": true,
	"what": true, "when": true, "where": true, "which": true, "why": true,
	"with": true, "you": true,
}

var (
	quotedPattern     = regexp.MustCompile(`"([^"]{2,80})"`)
	tokenPattern      = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9.-]*`)
	equipmentPattern  = regexp.MustCompile(`\b([A-Z]{1,4}-?\d{2,4}[A-Z]?|\d{4}[A-Z])\b`)
	proceduralPattern = regexp.MustCompile(`(?i)\b(how (do|to|can|should)|procedure|steps?\b|adjust|replace|install|remove|calibrat|walk me through)`)
)

// Prepare expands a raw query into an optimized search expression.
// equipmentFilter is the explicit filter supplied with the request; it
// suppresses the equipment suggestion.
func Prepare(raw string, equipmentFilter string, cfg config.SearchConfig) Prepared {
	p := Prepared{Procedural: proceduralPattern.MatchString(raw)}

	for _, m := range quotedPattern.FindAllStringSubmatch(raw, -1) {
		p.Phrases = append(p.Phrases, strings.ToLower(strings.TrimSpace(m[1])))
	}

	var terms []string
	for _, tok := range tokenPattern.FindAllString(raw, -1) {
		t := strings.ToLower(tok)
		if stopWords[t] || len(t) == 1 {
			continue
		}
		terms = append(terms, t)
	}
	p.Phrase = strings.Join(terms, " ")

	// Synonym and acronym expansion from the configured table. The
	// table maps a canonical token to its alternatives in either
	// direction; multi-word alternatives become phrase clauses.
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		seen[t] = true
	}
	expanded := append([]string(nil), terms...)
	for _, t := range terms {
		for _, alt := range expandTerm(t, cfg.Synonyms) {
			if strings.Contains(alt, " ") {
				p.Phrases = append(p.Phrases, alt)
				continue
			}
			if !seen[alt] {
				seen[alt] = true
				expanded = append(expanded, alt)
			}
		}
	}
	p.Terms = expanded

	threshold := cfg.DisjunctionThreshold
	if threshold <= 0 {
		threshold = 4
	}
	// Strict AND over noisy OCR text produces too many empty result
	// sets once the query grows past a few meaningful terms.
	p.Disjunctive = len(terms) > threshold

	// A short cleaned query doubles as a phrase clause of its own.
	if n := len(terms); n >= 2 && n <= 4 {
		p.Phrases = append(p.Phrases, p.Phrase)
	}

	if equipmentFilter == "" {
		if m := equipmentPattern.FindString(raw); m != "" {
			p.SuggestedEquipment = m
		}
	}
	return p
}

func expandTerm(term string, table map[string][]string) []string {
	if table == nil {
		return nil
	}
	if alts, ok := table[term]; ok {
		return lowerTrim(alts)
	}
	// Reverse lookup: the term may itself be a listed alternative.
	for canon, alts := range table {
		for _, alt := range alts {
			if strings.EqualFold(alt, term) {
				out := []string{strings.ToLower(canon)}
				for _, other := range alts {
					if !strings.EqualFold(other, term) {
						out = append(out, strings.ToLower(other))
					}
				}
				return out
			}
		}
	}
	return nil
}

func lowerTrim(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
