package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/index"
	"github.com/derekparent/wheelhouse/internal/search"
	"github.com/derekparent/wheelhouse/internal/session"
	"github.com/derekparent/wheelhouse/models"
	"github.com/derekparent/wheelhouse/provider"
	wsmodels "github.com/derekparent/wheelhouse/internal/websearch/models"
)

var (
	chatTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wheelhouse_chat_turns_total",
		Help: "Chat turns by mode.",
	}, []string{"mode"})
	providerFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wheelhouse_llm_failures_total",
		Help: "LLM provider calls that failed after retries.",
	})
)

// ErrNoGroundedAnswer is returned when augmentation is requested before
// any manual-grounded answer exists in the session.
var ErrNoGroundedAnswer = errors.New("no grounded answer to augment")

// SessionStore is the slice of the session store the orchestrator
// needs; *session.Store satisfies it.
type SessionStore interface {
	EnsureSession(ctx context.Context, id, owner string) (string, error)
	AppendMessage(ctx context.Context, sessionID, role, content string) (string, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]session.Message, error)
	LastAssistantMessage(ctx context.Context, sessionID string) (string, error)
}

// TurnRequest is one incoming user turn.
type TurnRequest struct {
	SessionID string
	Owner     string
	Query     string
	Equipment string
	Limit     int
}

// Source is one resolved reference extracted from the final reply,
// carried on the terminal stream event.
type Source struct {
	DocID     string `json:"document"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	Ref       string `json:"ref"`
}

// TurnResult is the finalized outcome of a streamed turn.
type TurnResult struct {
	SessionID          string   `json:"session_id"`
	Mode               Mode     `json:"mode"`
	Reply              string   `json:"-"`
	Sources            []Source `json:"sources"`
	SuggestedEquipment string   `json:"suggested_equipment,omitempty"`
}

// Orchestrator runs the per-turn state machine: triage by default,
// deep-dive when the previous assistant message carries citations and
// the new message asks for them.
type Orchestrator struct {
	Engine   *search.Engine
	Idx      *index.Index
	Sessions SessionStore
	LLM      provider.Provider
	Builder  ContextBuilder
	Cfg      config.LLMConfig
	Search   config.SearchConfig
	Logger   *log.Logger
}

func NewOrchestrator(engine *search.Engine, idx *index.Index, sessions SessionStore, llm provider.Provider, cfg *config.Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		Engine:   engine,
		Idx:      idx,
		Sessions: sessions,
		LLM:      llm,
		Builder: ContextBuilder{
			Budget:        cfg.LLM.TokenBudget,
			ContextShare:  cfg.LLM.ContextShare,
			HistoryShare:  cfg.LLM.HistoryShare,
			HistoryWindow: cfg.LLM.HistoryWindow,
		},
		Cfg:    cfg.LLM,
		Search: cfg.Search,
		Logger: logger,
	}
}

// Turn processes one user message, streaming normalized tokens through
// emit. The returned result carries the finalized session id and the
// extracted source list for the terminal event.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest, emit func(string) error) (*TurnResult, error) {
	sessionID, err := o.Sessions.EnsureSession(ctx, req.SessionID, req.Owner)
	if err != nil {
		return nil, err
	}
	res := &TurnResult{SessionID: sessionID, Mode: ModeTriage}

	history, err := o.Sessions.RecentMessages(ctx, sessionID, o.Builder.HistoryWindow)
	if err != nil {
		return nil, err
	}
	lastAssistant, err := o.Sessions.LastAssistantMessage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := o.Sessions.AppendMessage(ctx, sessionID, "user", req.Query); err != nil {
		return nil, err
	}

	// The mode is recomputed every turn from the prior assistant
	// message and the new query; it is never stored.
	var pages []index.Page
	intent := DetectIntent(req.Query)
	if intent.DeepDive {
		pages = o.resolveDeepDive(ctx, lastAssistant, intent)
	}

	var greq models.GenerationRequest
	if len(pages) > 0 {
		res.Mode = ModeDeepDive
		greq = o.Builder.BuildDeepDive(pages, history, req.Query)
	} else {
		results, prep, err := o.Engine.Search(ctx, req.Query, index.Filters{Equipment: req.Equipment}, req.Limit, o.Search.AuthorityBoost)
		if err != nil {
			return nil, err
		}
		res.SuggestedEquipment = prep.SuggestedEquipment
		if len(results) == 0 {
			// Fail explicit: state the absence instead of letting the
			// model answer without grounding.
			if err := emit(absenceReply); err != nil {
				return nil, err
			}
			res.Reply = absenceReply
			if _, err := o.Sessions.AppendMessage(ctx, sessionID, "assistant", absenceReply); err != nil {
				return nil, err
			}
			chatTurnsTotal.WithLabelValues("no_results").Inc()
			return res, nil
		}
		greq = o.Builder.BuildTriage(results, history, req.Query)
	}
	chatTurnsTotal.WithLabelValues(string(res.Mode)).Inc()

	reply, err := o.streamReply(ctx, greq, emit)
	if err != nil {
		return nil, err
	}
	res.Reply = reply

	if _, err := o.Sessions.AppendMessage(ctx, sessionID, "assistant", reply); err != nil {
		return nil, err
	}
	res.Sources = o.extractSources(ctx, reply)
	return res, nil
}

// Synthesize runs the dedicated augmentation turn comparing web
// findings against the session's last grounded answer.
func (o *Orchestrator) Synthesize(ctx context.Context, sessionID, owner, query string, web []wsmodels.Result, emit func(string) error) (*TurnResult, error) {
	sessionID, err := o.Sessions.EnsureSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	grounded, err := o.Sessions.LastAssistantMessage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// An assistant message without a resolvable citation (the absence
	// reply, say) is not a grounded answer to compare web findings
	// against.
	if strings.TrimSpace(grounded) == "" || len(o.extractSources(ctx, grounded)) == 0 {
		return nil, ErrNoGroundedAnswer
	}

	var sb strings.Builder
	for _, r := range web {
		fmt.Fprintf(&sb, "- (web: %s) %s: %s\n  %s\n", wsmodels.Domain(r.URL), r.Title, r.Excerpt, r.URL)
	}
	greq := o.Builder.BuildSynthesis(grounded, sb.String(), query)

	if _, err := o.Sessions.AppendMessage(ctx, sessionID, "user", query); err != nil {
		return nil, err
	}
	reply, err := o.streamReply(ctx, greq, emit)
	if err != nil {
		return nil, err
	}
	if _, err := o.Sessions.AppendMessage(ctx, sessionID, "assistant", reply); err != nil {
		return nil, err
	}
	chatTurnsTotal.WithLabelValues("synthesis").Inc()
	return &TurnResult{SessionID: sessionID, Mode: ModeTriage, Reply: reply, Sources: o.extractSources(ctx, reply)}, nil
}

// resolveDeepDive maps the prior assistant message's citations onto
// index pages. Every failure path returns nil, which falls the turn
// closed back to triage.
func (o *Orchestrator) resolveDeepDive(ctx context.Context, lastAssistant string, intent Intent) []index.Page {
	citations := ParseCitations(lastAssistant)
	if len(citations) == 0 {
		return nil
	}
	known, err := o.Idx.DocIDs(ctx)
	if err != nil {
		o.Logger.Printf("deep-dive: doc id enumeration failed: %v", err)
		return nil
	}
	resolver := NewResolver(known)

	// Most recently cited first, for prefix tie-breaks.
	recent := make([]string, 0, len(citations))
	for i := len(citations) - 1; i >= 0; i-- {
		recent = append(recent, citations[i].DocID)
	}

	type pageRef struct {
		doc  string
		page int
	}
	var refs []pageRef
	seen := map[pageRef]bool{}
	for _, c := range citations {
		docID, ok := resolver.Resolve(c, recent)
		if !ok {
			continue
		}
		for _, p := range c.Pages() {
			ref := pageRef{doc: docID, page: p}
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	if intent.ExplicitPage > 0 {
		// An explicit page must be among the previously cited pages;
		// anything else would be a guess.
		var match *pageRef
		for i := range refs {
			if refs[i].page == intent.ExplicitPage {
				match = &refs[i]
				break
			}
		}
		if match == nil {
			return nil
		}
		refs = []pageRef{*match}
	} else if len(refs) > 3 {
		// Vague follow-up: up to 3 most-recently-cited pages, kept in
		// citation order.
		refs = refs[len(refs)-3:]
	}

	byDoc := map[string][]int{}
	var docOrder []string
	for _, r := range refs {
		if _, ok := byDoc[r.doc]; !ok {
			docOrder = append(docOrder, r.doc)
		}
		byDoc[r.doc] = append(byDoc[r.doc], r.page)
	}
	var pages []index.Page
	for _, doc := range docOrder {
		got, err := o.Idx.FullText(ctx, doc, byDoc[doc])
		if err != nil {
			o.Logger.Printf("deep-dive: full text fetch %s failed: %v", doc, err)
			return nil
		}
		pages = append(pages, got...)
	}
	return pages
}

// streamReply drives the provider stream through the citation
// normalizer and out via emit. Only rate-limit-class failures are
// retried, with exponential backoff, and only before any token has
// been emitted.
func (o *Orchestrator) streamReply(ctx context.Context, greq models.GenerationRequest, emit func(string) error) (string, error) {
	if o.LLM == nil {
		return "", provider.ErrNotConfigured
	}

	attempts := o.Cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var ch <-chan models.Chunk
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		ch, err = o.LLM.Stream(ctx, greq)
		if err == nil {
			break
		}
		var rle *models.RateLimitError
		if !errors.As(err, &rle) || attempt == attempts-1 {
			providerFailuresTotal.Inc()
			return "", fmt.Errorf("llm generation: %w", err)
		}
		wait := rle.RetryAfter
		if wait == 0 {
			wait = 500 * time.Millisecond << attempt
		}
		o.Logger.Printf("llm rate limited, retrying in %s (attempt %d/%d)", wait, attempt+1, attempts)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	var norm StreamNormalizer
	var reply strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			providerFailuresTotal.Inc()
			return "", fmt.Errorf("llm stream: %w", chunk.Err)
		}
		out := norm.Feed(chunk.Delta)
		if out != "" {
			if err := emit(out); err != nil {
				return "", err
			}
			reply.WriteString(out)
		}
	}
	if tail := norm.Flush(); tail != "" {
		if err := emit(tail); err != nil {
			return "", err
		}
		reply.WriteString(tail)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return reply.String(), nil
}

// extractSources resolves the final reply's citations into the source
// list for the terminal event. Unresolvable citations are dropped.
func (o *Orchestrator) extractSources(ctx context.Context, reply string) []Source {
	citations := ParseCitations(reply)
	if len(citations) == 0 {
		return nil
	}
	known, err := o.Idx.DocIDs(ctx)
	if err != nil {
		o.Logger.Printf("source extraction: doc id enumeration failed: %v", err)
		return nil
	}
	resolver := NewResolver(known)
	recent := make([]string, 0, len(citations))
	for i := len(citations) - 1; i >= 0; i-- {
		recent = append(recent, citations[i].DocID)
	}

	var out []Source
	seen := map[string]bool{}
	for _, c := range citations {
		docID, ok := resolver.Resolve(c, recent)
		if !ok {
			continue
		}
		resolved := Citation{DocID: docID, PageStart: c.PageStart, PageEnd: c.PageEnd}
		key := resolved.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Source{DocID: docID, PageStart: c.PageStart, PageEnd: c.PageEnd, Ref: key})
	}
	return out
}
