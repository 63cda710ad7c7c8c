package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"
)

// Authority levels as stored on indexed pages.
const (
	AuthorityPrimary   = "primary"
	AuthoritySecondary = "secondary"
	AuthorityMention   = "mention"
)

// Page is an immutable indexed text unit: one page of one manual.
// Pages are written by the ingestion pipeline; this package only reads
// them back (plus a Add used by the loader command and tests).
type Page struct {
	DocID     string   `json:"doc_id"`
	PageNum   int      `json:"page_num"`
	Text      string   `json:"text"`
	Equipment []string `json:"equipment"`
	DocType   string   `json:"doc_type"`
	Authority string   `json:"authority"`
	Topics    []string `json:"topics"`
}

// Hit is a single full-text match with the base score assigned by the
// index. Boosting happens downstream in the ranking engine.
type Hit struct {
	Page    Page
	Score   float64
	Snippet string
	// Rank is the position in the original match order; the ranking
	// engine uses it for stable tie-breaks.
	Rank int
}

// Filters restricts a query to matching tag values. Empty fields are
// ignored.
type Filters struct {
	Equipment string
	DocType   string
}

// Index wraps a bleve index of manual pages.
type Index struct {
	b bleve.Index
}

func pageID(docID string, page int) string {
	return fmt.Sprintf("%s#%04d", docID, page)
}

func buildMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	pm := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Store = true
	pm.AddFieldMappingsAt("text", text)

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name
	kw.Store = true
	for _, f := range []string{"doc_id", "doc_type", "authority", "equipment", "topics"} {
		pm.AddFieldMappingsAt(f, kw)
	}

	num := bleve.NewNumericFieldMapping()
	num.Store = true
	pm.AddFieldMappingsAt("page_num", num)

	im.DefaultMapping = pm
	return im
}

// Open opens an existing on-disk index produced by ingestion.
func Open(path string) (*Index, error) {
	b, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{b: b}, nil
}

// Create builds a new empty on-disk index with the page mapping.
func Create(path string) (*Index, error) {
	b, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create index %s: %w", path, err)
	}
	return &Index{b: b}, nil
}

// NewMemOnly builds an in-memory index, used by the loader and tests.
func NewMemOnly() (*Index, error) {
	b, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{b: b}, nil
}

func (idx *Index) Close() error { return idx.b.Close() }

// Add indexes a single page.
func (idx *Index) Add(p Page) error {
	return idx.b.Index(pageID(p.DocID, p.PageNum), pageDoc(p))
}

// AddBatch indexes pages in one batch, used by the loader command.
func (idx *Index) AddBatch(pages []Page) error {
	batch := idx.b.NewBatch()
	for _, p := range pages {
		if err := batch.Index(pageID(p.DocID, p.PageNum), pageDoc(p)); err != nil {
			return err
		}
	}
	return idx.b.Batch(batch)
}

// pageDoc flattens a Page into a map so bleve indexes the lowercase
// field names the mapping expects.
func pageDoc(p Page) map[string]interface{} {
	return map[string]interface{}{
		"doc_id":    p.DocID,
		"page_num":  p.PageNum,
		"text":      p.Text,
		"equipment": lowerAll(p.Equipment),
		"doc_type":  strings.ToLower(p.DocType),
		"authority": strings.ToLower(p.Authority),
		"topics":    lowerAll(p.Topics),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Query runs the base full-text match. terms are matched against page
// text with the given operator; phrases, when present, are OR-ed in as
// additional clauses so exact wording still matches after OR fallback.
// Zero hits is a normal empty return.
func (idx *Index) Query(ctx context.Context, terms []string, phrases []string, disjunctive bool, filters Filters, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	var clauses []query.Query
	if len(terms) > 0 {
		mq := bleve.NewMatchQuery(strings.Join(terms, " "))
		mq.SetField("text")
		if disjunctive {
			mq.SetOperator(query.MatchQueryOperatorOr)
		} else {
			mq.SetOperator(query.MatchQueryOperatorAnd)
		}
		clauses = append(clauses, mq)
	}
	for _, ph := range phrases {
		pq := bleve.NewMatchPhraseQuery(ph)
		pq.SetField("text")
		clauses = append(clauses, pq)
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	base := query.Query(bleve.NewDisjunctionQuery(clauses...))

	bq := bleve.NewBooleanQuery()
	bq.AddMust(base)
	if filters.Equipment != "" {
		tq := bleve.NewTermQuery(strings.ToLower(filters.Equipment))
		tq.SetField("equipment")
		bq.AddMust(tq)
	}
	if filters.DocType != "" {
		tq := bleve.NewTermQuery(strings.ToLower(filters.DocType))
		tq.SetField("doc_type")
		bq.AddMust(tq)
	}

	req := bleve.NewSearchRequestOptions(bq, limit*3, 0, false)
	req.Fields = []string{"*"}
	req.Highlight = bleve.NewHighlightWithStyle("html")

	res, err := idx.b.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for i, h := range res.Hits {
		p := pageFromFields(h.Fields)
		snip := ""
		if frags, ok := h.Fragments["text"]; ok && len(frags) > 0 {
			snip = stripMarks(frags[0])
		}
		if snip == "" {
			snip = excerpt(p.Text)
		}
		hits = append(hits, Hit{Page: p, Score: h.Score, Snippet: snip, Rank: i + 1})
	}
	return hits, nil
}

// FullText fetches the complete stored text for the given pages of one
// document, in the order requested. Missing pages are skipped.
func (idx *Index) FullText(ctx context.Context, docID string, pages []int) ([]Page, error) {
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, pageID(docID, p))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery(ids), len(ids), 0, false)
	req.Fields = []string{"*"}
	res, err := idx.b.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("full text fetch %s: %w", docID, err)
	}

	byID := make(map[string]Page, len(res.Hits))
	for _, h := range res.Hits {
		byID[h.ID] = pageFromFields(h.Fields)
	}
	out := make([]Page, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DocIDs enumerates the known document identifiers via a term facet.
// Citation resolution matches abbreviated references against this set.
func (idx *Index) DocIDs(ctx context.Context) ([]string, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 0, 0, false)
	req.AddFacet("docs", bleve.NewFacetRequest("doc_id", 1000))
	res, err := idx.b.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("doc id facet: %w", err)
	}
	fr, ok := res.Facets["docs"]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(fr.Terms))
	for _, t := range fr.Terms {
		ids = append(ids, t.Term)
	}
	sort.Strings(ids)
	return ids, nil
}

func pageFromFields(fields map[string]interface{}) Page {
	return Page{
		DocID:     fieldStr(fields["doc_id"]),
		PageNum:   fieldInt(fields["page_num"]),
		Text:      fieldStr(fields["text"]),
		Equipment: fieldStrs(fields["equipment"]),
		DocType:   fieldStr(fields["doc_type"]),
		Authority: fieldStr(fields["authority"]),
		Topics:    fieldStrs(fields["topics"]),
	}
}

func fieldStr(v interface{}) string {
	s, _ := v.(string)
	return s
}

func fieldInt(v interface{}) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

// Stored array fields come back as a bare value when the page carried a
// single element.
func fieldStrs(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stripMarks(s string) string {
	s = strings.ReplaceAll(s, "<mark>", "")
	s = strings.ReplaceAll(s, "</mark>", "")
	return strings.TrimSpace(s)
}

func excerpt(s string) string {
	if len(s) <= 300 {
		return s
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	cut := 300
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
