package search

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/index"
)

var searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wheelhouse_searches_total",
	Help: "Manual index searches by outcome.",
}, []string{"outcome"})

// Result is one ranked search hit. Ephemeral, derived per query.
type Result struct {
	Page    index.Page `json:"page"`
	Score   float64    `json:"score"`
	Snippet string     `json:"snippet"`
	// Boosts lists the boost factors applied, for explainability.
	Boosts []string `json:"boosts,omitempty"`
}

// Engine runs prepared queries against the index and applies the
// weighted boost pipeline.
type Engine struct {
	Idx    *index.Index
	Cfg    config.SearchConfig
	Logger *log.Logger
}

func NewEngine(idx *index.Index, cfg config.SearchConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Engine{Idx: idx, Cfg: cfg, Logger: logger}
}

// Search prepares the raw query, runs the base match and reranks. A
// strict pass that comes back empty is retried once with the
// disjunctive expansion before an empty result is returned.
func (e *Engine) Search(ctx context.Context, raw string, filters index.Filters, limit int, authorityBoost bool) ([]Result, Prepared, error) {
	if limit <= 0 {
		limit = e.Cfg.DefaultLimit
	}
	if limit <= 0 {
		limit = 8
	}
	prep := Prepare(raw, filters.Equipment, e.Cfg)

	hits, err := e.Idx.Query(ctx, prep.Terms, prep.Phrases, prep.Disjunctive, filters, limit)
	if err != nil {
		return nil, prep, err
	}
	if len(hits) == 0 && !prep.Disjunctive {
		hits, err = e.Idx.Query(ctx, prep.Terms, prep.Phrases, true, filters, limit)
		if err != nil {
			return nil, prep, err
		}
	}
	if len(hits) == 0 {
		searchesTotal.WithLabelValues("empty").Inc()
		return nil, prep, nil
	}
	searchesTotal.WithLabelValues("hit").Inc()

	results := e.Rerank(hits, prep, authorityBoost)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, prep, nil
}

// Rerank applies the boost pipeline to a candidate set. Deterministic
// for a fixed candidate order and flags; ties keep the original match
// rank via the stable sort.
func (e *Engine) Rerank(hits []index.Hit, prep Prepared, authorityBoost bool) []Result {
	phraseBoost := e.Cfg.PhraseBoost
	if phraseBoost == 0 {
		phraseBoost = 1.5
	}
	tagBoost := e.Cfg.TagBoost
	if tagBoost == 0 {
		tagBoost = 0.2
	}
	tagCap := e.Cfg.TagBoostCap
	if tagCap == 0 {
		tagCap = 0.6
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		score := h.Score
		var boosts []string

		if prep.Phrase != "" && strings.Contains(strings.ToLower(h.Page.Text), prep.Phrase) {
			score *= phraseBoost
			boosts = append(boosts, "phrase")
		}

		if prep.Procedural {
			if coef, ok := e.Cfg.DocTypeWeights[h.Page.DocType]; ok && coef > 0 {
				score *= coef
				boosts = append(boosts, "doctype")
			}
		}

		if bonus := tagBonus(prep.Terms, h.Page.Topics, tagBoost, tagCap); bonus > 0 {
			score *= 1 + bonus
			boosts = append(boosts, "topic")
		}

		if authorityBoost {
			switch h.Page.Authority {
			case index.AuthorityPrimary:
				score *= 1.5
				boosts = append(boosts, "authority")
			case index.AuthorityMention:
				score *= 0.7
				boosts = append(boosts, "authority")
			}
		}

		results = append(results, Result{Page: h.Page, Score: score, Snippet: h.Snippet, Boosts: boosts})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func tagBonus(terms, topics []string, per, limit float64) float64 {
	if len(terms) == 0 || len(topics) == 0 {
		return 0
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[strings.ToLower(t)] = true
	}
	bonus := 0.0
	for _, t := range terms {
		if set[t] {
			bonus += per
		}
	}
	if bonus > limit {
		bonus = limit
	}
	return bonus
}
