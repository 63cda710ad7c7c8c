package chat

import (
	"regexp"
	"strconv"
)

// Mode is the per-turn conversation mode. It is recomputed every turn
// from the prior assistant message and the new user message, never
// stored.
type Mode string

const (
	ModeTriage   Mode = "triage"
	ModeDeepDive Mode = "deep_dive"
)

// deepDivePatterns match follow-up phrasings that ask for a walkthrough
// of already-cited material rather than a new search.
var deepDivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btell me more\b`),
	regexp.MustCompile(`(?i)\bwalk me through\b`),
	regexp.MustCompile(`(?i)\bexplain (that|this|it)\b`),
	regexp.MustCompile(`(?i)\bbreak (it|that|this) down\b`),
	regexp.MustCompile(`(?i)\bgo (deeper|into detail)\b`),
	regexp.MustCompile(`(?i)\bmore detail\b`),
	regexp.MustCompile(`(?i)\belaborate\b`),
	regexp.MustCompile(`(?i)\bfull (page|text|procedure)\b`),
	regexp.MustCompile(`(?i)\bread (me )?(that|the) page\b`),
}

var explicitPagePattern = regexp.MustCompile(`(?i)\b(?:page|p\.?)\s*(\d{1,5})\b`)

// Intent is the classified follow-up intent of a user message.
type Intent struct {
	DeepDive bool
	// ExplicitPage is the page number named in the message, 0 when the
	// phrasing was vague.
	ExplicitPage int
}

// DetectIntent classifies the new user message. A deep-dive still
// requires a citation in the prior assistant message; that check
// belongs to the orchestrator, which sees the session.
func DetectIntent(userMsg string) Intent {
	var in Intent
	if m := explicitPagePattern.FindStringSubmatch(userMsg); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			in.ExplicitPage = v
			in.DeepDive = true
		}
	}
	if !in.DeepDive {
		for _, p := range deepDivePatterns {
			if p.MatchString(userMsg) {
				in.DeepDive = true
				break
			}
		}
	}
	return in
}
