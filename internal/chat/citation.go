package chat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Citation is a parsed reference extracted from assistant text. It is
// recomputed from message text on each turn, never stored.
type Citation struct {
	DocID     string
	PageStart int
	PageEnd   int
	// Raw is the text the citation was parsed from.
	Raw string
}

// Pages expands the citation's page range.
func (c Citation) Pages() []int {
	end := c.PageEnd
	if end < c.PageStart {
		end = c.PageStart
	}
	out := make([]int, 0, end-c.PageStart+1)
	for p := c.PageStart; p <= end; p++ {
		out = append(out, p)
	}
	return out
}

// String renders the canonical wire form: [doc, p.N] or [doc, p.N-M].
func (c Citation) String() string {
	if c.PageEnd > c.PageStart {
		return fmt.Sprintf("[%s, p.%d-%d]", c.DocID, c.PageStart, c.PageEnd)
	}
	return fmt.Sprintf("[%s, p.%d]", c.DocID, c.PageStart)
}

// citationPattern tolerates the punctuation variants models emit:
// brackets or parentheses, "p."/"pp."/"page", en/em dash ranges.
var citationPattern = regexp.MustCompile(
	`[\[(]\s*([A-Za-z0-9][A-Za-z0-9._/-]{0,62})(?:\s*[,;]\s*|\s+)(?:pp?\.?\s*|pages?\s+)(\d{1,5})(?:\s*[-–—]\s*(\d{1,5}))?\s*[\])]`)

// ParseCitations extracts every parsable citation from assistant text,
// in order of appearance. Page ranges are capped at a sane width so a
// garbled range cannot trigger a huge fetch.
func ParseCitations(text string) []Citation {
	var out []Citation
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		start, err := strconv.Atoi(m[2])
		if err != nil || start <= 0 {
			continue
		}
		end := start
		if m[3] != "" {
			if v, err := strconv.Atoi(m[3]); err == nil && v >= start && v-start <= 20 {
				end = v
			}
		}
		out = append(out, Citation{DocID: m[1], PageStart: start, PageEnd: end, Raw: m[0]})
	}
	return out
}

// NormalizeCitation rewrites a single candidate span into canonical
// bracket form. Unparsable spans come back unchanged, so the operation
// is idempotent on canonical text and harmless on plain prose.
func NormalizeCitation(span string) string {
	m := citationPattern.FindStringSubmatch(span)
	if m == nil || m[0] != span {
		return span
	}
	cs := ParseCitations(span)
	if len(cs) != 1 {
		return span
	}
	return cs[0].String()
}

// minResolvePrefix bounds how short an abbreviated identifier may be
// and still bind by prefix; anything shorter is too ambiguous.
const minResolvePrefix = 3

// Resolver maps model-abbreviated document identifiers onto the known
// set from the index. Exact match first, then a bounded prefix match,
// never an unbounded substring search.
type Resolver struct {
	known []string
}

func NewResolver(knownDocIDs []string) *Resolver {
	return &Resolver{known: knownDocIDs}
}

// Resolve binds one citation to a known document id. recentDocs is the
// session's cited document ids, most recent first; it breaks prefix
// ties in favor of the most recently cited document.
func (r *Resolver) Resolve(c Citation, recentDocs []string) (string, bool) {
	cited := strings.ToLower(c.DocID)
	for _, id := range r.known {
		if strings.ToLower(id) == cited {
			return id, true
		}
	}
	if len(cited) < minResolvePrefix {
		return "", false
	}
	var candidates []string
	for _, id := range r.known {
		if strings.HasPrefix(strings.ToLower(id), cited) {
			candidates = append(candidates, id)
		}
	}
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}
	// Several documents share the prefix: the most recently cited one
	// in this session wins; with no session signal the binding would
	// be a guess, so fail.
	for _, recent := range recentDocs {
		for _, cand := range candidates {
			if strings.EqualFold(cand, recent) {
				return cand, true
			}
		}
	}
	return "", false
}
