package chat

import (
	"fmt"
	"strings"

	"github.com/derekparent/wheelhouse/internal/index"
	"github.com/derekparent/wheelhouse/internal/search"
	"github.com/derekparent/wheelhouse/internal/session"
	"github.com/derekparent/wheelhouse/models"
)

const triageSystemPrompt = `You are a marine engineering troubleshooting assistant. Answer only from
the MANUAL EXCERPTS below. Cite every claim with the excerpt's citation
marker, exactly as given, in the form [document, p.N]. If the excerpts
do not cover the question, say so plainly. Never invent a technical
specification, tolerance, torque value or part number that is not in the
excerpts.`

const deepDiveSystemPrompt = `You are a marine engineering troubleshooting assistant. Below is the
COMPLETE SOURCE TEXT of manual pages the user asked about. Walk the user
through this material step by step, grounding everything you say in it
and preserving the citation markers in the form [document, p.N]. Never
invent a technical specification that is not on these pages.`

const synthesisSystemPrompt = `You are a marine engineering troubleshooting assistant. The user already
received a manual-grounded answer, repeated below. Compare it against
the WEB FINDINGS that follow. Note agreement, contradictions and field
experience the manuals lack. Cite manual material as [document, p.N] and
web material as (web: domain). Never present a web claim as if it came
from the manual.`

const absenceReply = `I could not find anything in the indexed manuals matching that question.
Try rephrasing with the equipment model or the exact component name, or
check whether the relevant manual has been indexed.`

// estimateTokens is the usual ~4-chars-per-token heuristic; exact
// counts are not needed to keep prompts inside the budget.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// ContextBuilder assembles model context under a fixed token budget:
// fixed system instructions, retrieved context (largest share), a
// bounded window of recent history, then the current query.
type ContextBuilder struct {
	Budget        int
	ContextShare  float64
	HistoryShare  float64
	HistoryWindow int
}

func (b ContextBuilder) budget() int {
	if b.Budget <= 0 {
		return 8000
	}
	return b.Budget
}

func (b ContextBuilder) contextBudget() int {
	share := b.ContextShare
	if share <= 0 || share >= 1 {
		share = 0.6
	}
	return int(float64(b.budget()) * share)
}

func (b ContextBuilder) historyBudget() int {
	share := b.HistoryShare
	if share <= 0 || share >= 1 {
		share = 0.2
	}
	return int(float64(b.budget()) * share)
}

// BuildTriage assembles top-N snippets with per-snippet citation
// markers.
func (b ContextBuilder) BuildTriage(results []search.Result, history []session.Message, query string) models.GenerationRequest {
	var sb strings.Builder
	sb.WriteString("MANUAL EXCERPTS:\n")
	used := estimateTokens(sb.String())
	limit := b.contextBudget()
	for _, r := range results {
		entry := fmt.Sprintf("\n--- [%s, p.%d] (%s, %s)\n%s\n",
			r.Page.DocID, r.Page.PageNum, r.Page.DocType, r.Page.Authority, r.Snippet)
		cost := estimateTokens(entry)
		if used+cost > limit {
			break
		}
		sb.WriteString(entry)
		used += cost
	}
	return models.GenerationRequest{
		System:  triageSystemPrompt,
		Context: sb.String(),
		History: b.trimHistory(history),
		Query:   query,
	}
}

// BuildDeepDive assembles full page text for the resolved pages,
// labeled as complete source text.
func (b ContextBuilder) BuildDeepDive(pages []index.Page, history []session.Message, query string) models.GenerationRequest {
	var sb strings.Builder
	sb.WriteString("COMPLETE SOURCE TEXT:\n")
	used := estimateTokens(sb.String())
	limit := b.contextBudget()
	for _, p := range pages {
		entry := fmt.Sprintf("\n=== [%s, p.%d] (full page)\n%s\n", p.DocID, p.PageNum, p.Text)
		cost := estimateTokens(entry)
		if used+cost > limit {
			break
		}
		sb.WriteString(entry)
		used += cost
	}
	return models.GenerationRequest{
		System:  deepDiveSystemPrompt,
		Context: sb.String(),
		History: b.trimHistory(history),
		Query:   query,
	}
}

// BuildSynthesis assembles the dedicated web augmentation turn.
func (b ContextBuilder) BuildSynthesis(groundedAnswer string, webContext string, query string) models.GenerationRequest {
	var sb strings.Builder
	sb.WriteString("MANUAL-GROUNDED ANSWER:\n")
	sb.WriteString(groundedAnswer)
	sb.WriteString("\n\nWEB FINDINGS:\n")
	sb.WriteString(webContext)
	return models.GenerationRequest{
		System:  synthesisSystemPrompt,
		Context: sb.String(),
		Query:   query,
	}
}

// trimHistory keeps the most recent messages that fit the history
// budget and window.
func (b ContextBuilder) trimHistory(history []session.Message) []models.ChatMessage {
	window := b.HistoryWindow
	if window <= 0 {
		window = 8
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	limit := b.historyBudget()
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateTokens(history[i].Content)
		if used+cost > limit {
			break
		}
		used += cost
		start = i
	}
	out := make([]models.ChatMessage, 0, len(history)-start)
	for _, m := range history[start:] {
		out = append(out, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
