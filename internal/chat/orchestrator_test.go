package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/index"
	"github.com/derekparent/wheelhouse/internal/search"
	"github.com/derekparent/wheelhouse/internal/session"
	"github.com/derekparent/wheelhouse/models"
	wsmodels "github.com/derekparent/wheelhouse/internal/websearch/models"
)

// memSessions is an in-memory SessionStore for orchestrator tests.
type memSessions struct {
	id   string
	msgs []session.Message
}

func (s *memSessions) EnsureSession(ctx context.Context, id, owner string) (string, error) {
	if id != "" {
		return id, nil
	}
	if s.id == "" {
		s.id = "sess-test"
	}
	return s.id, nil
}

func (s *memSessions) AppendMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	s.msgs = append(s.msgs, session.Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Now()})
	return "msg", nil
}

func (s *memSessions) RecentMessages(ctx context.Context, sessionID string, limit int) ([]session.Message, error) {
	if limit > 0 && len(s.msgs) > limit {
		return s.msgs[len(s.msgs)-limit:], nil
	}
	return s.msgs, nil
}

func (s *memSessions) LastAssistantMessage(ctx context.Context, sessionID string) (string, error) {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Role == "assistant" {
			return s.msgs[i].Content, nil
		}
	}
	return "", nil
}

// scriptedLLM streams a fixed reply and records every request it saw.
type scriptedLLM struct {
	reply    string
	failures []error
	reqs     []models.GenerationRequest
}

func (l *scriptedLLM) Stream(ctx context.Context, req models.GenerationRequest) (<-chan models.Chunk, error) {
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return nil, err
	}
	l.reqs = append(l.reqs, req)
	ch := make(chan models.Chunk, len(l.reply))
	// Single-rune deltas exercise the stream normalizer's buffering.
	for _, r := range l.reply {
		ch <- models.Chunk{Delta: string(r)}
	}
	close(ch)
	return ch, nil
}

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.NewMemOnly()
	if err != nil {
		t.Fatalf("NewMemOnly: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	err = idx.AddBatch([]index.Page{
		{DocID: "SEBP4732-C18", PageNum: 45,
			Text:      "Valve lash adjustment procedure for the C18 engine.",
			Equipment: []string{"C18"}, DocType: "service-manual", Authority: index.AuthorityPrimary},
		{DocID: "SEBP4732-C18", PageNum: 46,
			Text:      "Valve lash specification. Inlet 0.38 mm, exhaust 0.64 mm.",
			Equipment: []string{"C18"}, DocType: "service-manual", Authority: index.AuthorityPrimary},
		{DocID: "OM3512B", PageNum: 12,
			Text:      "Oil filter replacement intervals for the 3512B.",
			Equipment: []string{"3512B"}, DocType: "operation-manual", Authority: index.AuthoritySecondary},
	})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	return idx
}

func testOrchestrator(t *testing.T, llm *scriptedLLM) (*Orchestrator, *memSessions) {
	t.Helper()
	idx := testIndex(t)
	cfg := &config.Config{}
	cfg.Search.DefaultLimit = 8
	cfg.Search.DisjunctionThreshold = 4
	cfg.LLM.TokenBudget = 8000
	cfg.LLM.HistoryWindow = 8
	sessions := &memSessions{}
	engine := search.NewEngine(idx, cfg.Search, nil)
	return NewOrchestrator(engine, idx, sessions, llm, cfg, nil), sessions
}

func collectEmit(sb *strings.Builder) func(string) error {
	return func(s string) error {
		sb.WriteString(s)
		return nil
	}
}

func TestTurnTriageStreamsNormalizedReply(t *testing.T) {
	llm := &scriptedLLM{reply: "Check the lash per (SEBP4732-C18, p. 45)."}
	o, sessions := testOrchestrator(t, llm)

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{Owner: "chief", Query: "valve lash adjustment"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != ModeTriage {
		t.Errorf("mode = %s, want triage", res.Mode)
	}
	want := "Check the lash per [SEBP4732-C18, p.45]."
	if out.String() != want {
		t.Errorf("streamed %q, want %q", out.String(), want)
	}
	if res.Reply != want {
		t.Errorf("stored reply %q", res.Reply)
	}
	if len(res.Sources) != 1 || res.Sources[0].DocID != "SEBP4732-C18" || res.Sources[0].PageStart != 45 {
		t.Errorf("sources = %+v", res.Sources)
	}
	// Both turns persisted, assistant text in normalized form.
	last, _ := sessions.LastAssistantMessage(context.Background(), res.SessionID)
	if last != want {
		t.Errorf("persisted assistant message %q", last)
	}
	if len(llm.reqs) != 1 || !strings.Contains(llm.reqs[0].Context, "MANUAL EXCERPTS") {
		t.Errorf("triage context not built: %+v", llm.reqs)
	}
}

func TestTurnNoResultsEmitsAbsenceWithoutLLM(t *testing.T) {
	llm := &scriptedLLM{reply: "should never be used"}
	o, sessions := testOrchestrator(t, llm)

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{Owner: "chief", Query: "zzz qqq xxx"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(llm.reqs) != 0 {
		t.Error("model must not be called with zero search results")
	}
	if !strings.Contains(out.String(), "could not find anything") {
		t.Errorf("absence reply not streamed: %q", out.String())
	}
	if res.Sources != nil {
		t.Errorf("no sources expected, got %+v", res.Sources)
	}
	last, _ := sessions.LastAssistantMessage(context.Background(), res.SessionID)
	if last != absenceReply {
		t.Error("absence reply should be persisted like any assistant turn")
	}
}

func TestTurnDeepDiveFetchesOnlyCitedPages(t *testing.T) {
	llm := &scriptedLLM{reply: "Step by step: torque then measure [SEBP4732-C18, p.46]."}
	o, sessions := testOrchestrator(t, llm)

	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "user", Content: "valve lash spec"},
		{SessionID: "s1", Role: "assistant", Content: "The spec is on [SEBP4732-C18, p.46]."},
	}

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{SessionID: "s1", Owner: "chief", Query: "tell me more"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != ModeDeepDive {
		t.Fatalf("mode = %s, want deep_dive", res.Mode)
	}
	ctxText := llm.reqs[0].Context
	if !strings.Contains(ctxText, "COMPLETE SOURCE TEXT") {
		t.Error("deep-dive should carry full source text")
	}
	if !strings.Contains(ctxText, "0.38 mm") {
		t.Error("cited page 46 text missing from context")
	}
	if strings.Contains(ctxText, "p.45") {
		t.Error("page 45 was never cited and must not be fetched")
	}
}

func TestTurnDeepDiveAbbreviatedDocResolves(t *testing.T) {
	llm := &scriptedLLM{reply: "As the page shows [SEBP4732-C18, p.46]."}
	o, sessions := testOrchestrator(t, llm)

	// The model abbreviated the document id in its earlier citation.
	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "assistant", Content: "See [SEBP4732, p.46]."},
	}

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{SessionID: "s1", Owner: "chief", Query: "walk me through it"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != ModeDeepDive {
		t.Fatalf("mode = %s, want deep_dive", res.Mode)
	}
	if !strings.Contains(llm.reqs[0].Context, "0.38 mm") {
		t.Error("prefix-resolved page text missing")
	}
}

func TestTurnExplicitPageOutsideCitedSetFallsBackToTriage(t *testing.T) {
	llm := &scriptedLLM{reply: "Triage answer [SEBP4732-C18, p.45]."}
	o, sessions := testOrchestrator(t, llm)

	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "assistant", Content: "See [SEBP4732-C18, p.46]."},
	}

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{SessionID: "s1", Owner: "chief", Query: "show me page 99 about valve lash"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != ModeTriage {
		t.Errorf("uncited explicit page must fall back to triage, got %s", res.Mode)
	}
	if !strings.Contains(llm.reqs[0].Context, "MANUAL EXCERPTS") {
		t.Error("fallback turn should run a fresh search")
	}
}

func TestTurnDeepDivePhrasingWithoutPriorCitationStaysTriage(t *testing.T) {
	llm := &scriptedLLM{reply: "Grounded answer [OM3512B, p.12]."}
	o, sessions := testOrchestrator(t, llm)

	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "assistant", Content: "No citations in this one."},
	}

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{SessionID: "s1", Owner: "chief", Query: "tell me more about oil filters"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Mode != ModeTriage {
		t.Errorf("no prior citation means triage, got %s", res.Mode)
	}
}

func TestTurnEquipmentSuggestionSurfaced(t *testing.T) {
	llm := &scriptedLLM{reply: "See [SEBP4732-C18, p.45]."}
	o, _ := testOrchestrator(t, llm)

	var out strings.Builder
	res, err := o.Turn(context.Background(), TurnRequest{Owner: "chief", Query: "valve lash C18"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.SuggestedEquipment != "C18" {
		t.Errorf("suggested equipment = %q, want C18", res.SuggestedEquipment)
	}
}

func TestStreamReplyRetriesOnlyRateLimits(t *testing.T) {
	llm := &scriptedLLM{
		reply:    "ok",
		failures: []error{&models.RateLimitError{RetryAfter: time.Millisecond}},
	}
	o, _ := testOrchestrator(t, llm)
	o.Cfg.MaxRetries = 2

	var out strings.Builder
	reply, err := o.streamReply(context.Background(), models.GenerationRequest{Query: "q"}, collectEmit(&out))
	if err != nil {
		t.Fatalf("streamReply: %v", err)
	}
	if reply != "ok" {
		t.Errorf("reply = %q", reply)
	}

	// Any other failure class is terminal on the first attempt.
	llm2 := &scriptedLLM{reply: "never", failures: []error{errors.New("boom")}}
	o2, _ := testOrchestrator(t, llm2)
	o2.Cfg.MaxRetries = 2
	if _, err := o2.streamReply(context.Background(), models.GenerationRequest{Query: "q"}, collectEmit(&out)); err == nil {
		t.Fatal("expected terminal error")
	}
	if len(llm2.reqs) != 0 {
		t.Error("non-rate-limit failure must not be retried")
	}
}

func TestSynthesizeRequiresGroundedAnswer(t *testing.T) {
	llm := &scriptedLLM{reply: "comparison"}
	o, sessions := testOrchestrator(t, llm)

	emit := func(string) error { return nil }

	// Empty session: nothing to ground against.
	_, err := o.Synthesize(context.Background(), "", "chief", "any updates?", nil, emit)
	if !errors.Is(err, ErrNoGroundedAnswer) {
		t.Fatalf("empty session: expected ErrNoGroundedAnswer, got %v", err)
	}

	// An absence reply carries no citations and is not a grounded
	// answer either.
	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "assistant", Content: absenceReply},
	}
	_, err = o.Synthesize(context.Background(), "s1", "chief", "any updates?", nil, emit)
	if !errors.Is(err, ErrNoGroundedAnswer) {
		t.Fatalf("absence reply: expected ErrNoGroundedAnswer, got %v", err)
	}

	// Neither is one whose only citation resolves to no known document.
	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "assistant", Content: "See [XYZ999, p.4]."},
	}
	_, err = o.Synthesize(context.Background(), "s1", "chief", "any updates?", nil, emit)
	if !errors.Is(err, ErrNoGroundedAnswer) {
		t.Fatalf("unresolvable citation: expected ErrNoGroundedAnswer, got %v", err)
	}
	if len(llm.reqs) != 0 {
		t.Fatal("ungrounded sessions must never reach the model")
	}
}

func TestSynthesizeBuildsWebContext(t *testing.T) {
	llm := &scriptedLLM{reply: "The forum thread agrees with the manual."}
	o, sessions := testOrchestrator(t, llm)
	sessions.msgs = []session.Message{
		{SessionID: "s1", Role: "assistant", Content: "Grounded [SEBP4732-C18, p.46]."},
	}

	web := []wsmodels.Result{{
		Title: "C18 valve lash tips", URL: "https://www.boatdiesel.com/c18-lash", Excerpt: "Field experience thread.",
	}}
	var out strings.Builder
	res, err := o.Synthesize(context.Background(), "s1", "chief", "anything newer online?", web, collectEmit(&out))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	ctxText := llm.reqs[0].Context
	for _, want := range []string{"MANUAL-GROUNDED ANSWER", "WEB FINDINGS", "(web: boatdiesel.com)", "C18 valve lash tips"} {
		if !strings.Contains(ctxText, want) {
			t.Errorf("synthesis context missing %q:\n%s", want, ctxText)
		}
	}
	if res.Reply != llm.reply {
		t.Errorf("reply = %q", res.Reply)
	}
}
