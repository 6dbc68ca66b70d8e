// Package sparse implements full-text retrieval over the document store's
// FTS5 mirror. Queries are preprocessed into a safe phrase-quoted MATCH
// expression and raw bm25 ranks are min-max normalized to [0,1].
package sparse

import (
	"context"
	"strings"
	"unicode"

	"github.com/liliang-cn/livingmemory/pkg/core"
)

// Hit is a single sparse retrieval result. Score is min-max normalized
// across the returned set: 1.0 is the best match, 0.0 the worst.
type Hit struct {
	ID    int64
	Score float64
}

// Config controls retrieval behavior.
type Config struct {
	// Enabled gates all searches; a disabled retriever returns empty results.
	Enabled bool
	// UseCJKSegmenter splits runs of Han codepoints into overlapping bigrams
	// before matching. Without it CJK runs are matched as single tokens.
	UseCJKSegmenter bool
	// BM25K1 and BM25B are the ranking constants. SQLite's built-in bm25()
	// fixes them at 1.2 and 0.75; other values are reported at startup.
	BM25K1 float64
	BM25B  float64
	Logger core.Logger
}

// DefaultConfig returns the retriever defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		UseCJKSegmenter: true,
		BM25K1:          1.2,
		BM25B:           0.75,
	}
}

// Retriever runs BM25 queries against the full-text mirror maintained by
// the document store. It never owns the index: inserts, updates and deletes
// flow through the store's triggers, so the mirror tracks the documents
// table without any bookkeeping here.
type Retriever struct {
	store      *core.DocStore
	logger     core.Logger
	enabled    bool
	segmentCJK bool
}

// New creates a Retriever over the given document store.
func New(store *core.DocStore, cfg Config) *Retriever {
	logger := cfg.Logger
	if logger == nil {
		logger = store.Logger()
	}
	if cfg.BM25K1 != 0 && cfg.BM25K1 != 1.2 || cfg.BM25B != 0 && cfg.BM25B != 0.75 {
		logger.Warn("bm25 constants differ from the built-in ranker (k1=1.2, b=0.75); configured values are advisory",
			"k1", cfg.BM25K1, "b", cfg.BM25B)
	}
	return &Retriever{
		store:      store,
		logger:     logger,
		enabled:    cfg.Enabled,
		segmentCJK: cfg.UseCJKSegmenter,
	}
}

// Enabled reports whether searches will run.
func (r *Retriever) Enabled() bool {
	return r.enabled
}

// Search runs a full-text query and returns up to limit hits with scores
// normalized to [0,1]. Ranking failures never propagate: syntax errors,
// unmatchable queries and storage errors are logged and yield an empty
// result so the caller's other retrieval channels stay usable.
func (r *Retriever) Search(ctx context.Context, query string, limit int, filters core.Filters) []Hit {
	if !r.enabled {
		r.logger.Debug("sparse retriever disabled, returning empty result")
		return nil
	}

	match := BuildMatch(query, r.segmentCJK)
	if match == "" {
		r.logger.Debug("query empty after preprocessing", "query", query)
		return nil
	}

	raw, err := r.store.MatchFTS(ctx, match, limit, filters)
	if err != nil {
		r.logger.Warn("sparse search failed", "query", query, "match", match, "error", err)
		return nil
	}
	return normalize(raw)
}

// Rebuild regenerates the full-text mirror from the documents table.
func (r *Retriever) Rebuild(ctx context.Context) error {
	if !r.enabled {
		r.logger.Warn("sparse retriever disabled, skipping rebuild")
		return nil
	}
	return r.store.RebuildFTS(ctx)
}

// ==========================================
// Query preprocessing
// ==========================================

// BuildMatch turns a raw user query into a safe FTS5 MATCH expression.
// Every token is phrase-quoted, which neutralizes the query language's
// operators (AND, OR, NOT, NEAR) and special characters; `*` and `^` are
// stripped outright since they act even inside token boundaries. Returns ""
// when nothing searchable remains.
func BuildMatch(query string, segmentCJK bool) string {
	tokens := Tokenize(query, segmentCJK)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		// FTS5 escape rule: a literal double quote is written twice.
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " ")
}

// Tokenize splits a query on whitespace and, when segmentCJK is set, breaks
// runs of Han codepoints into overlapping bigrams (the search-mode fallback
// segmenter). A lone Han codepoint stays a single token.
func Tokenize(query string, segmentCJK bool) []string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '*' || r == '^' {
			return ' '
		}
		return r
	}, strings.TrimSpace(query))

	fields := strings.Fields(cleaned)
	if !segmentCJK {
		return fields
	}

	var tokens []string
	for _, f := range fields {
		tokens = append(tokens, segmentField(f)...)
	}
	return tokens
}

// segmentField splits a single whitespace-delimited field into Han runs and
// non-Han segments, bigramming the former and passing the latter through.
func segmentField(field string) []string {
	var (
		tokens []string
		run    []rune
		other  []rune
	)
	flushRun := func() {
		if len(run) > 0 {
			tokens = append(tokens, hanBigrams(run)...)
			run = run[:0]
		}
	}
	flushOther := func() {
		if len(other) > 0 {
			tokens = append(tokens, string(other))
			other = other[:0]
		}
	}
	for _, r := range field {
		if unicode.Is(unicode.Han, r) {
			flushOther()
			run = append(run, r)
		} else {
			flushRun()
			other = append(other, r)
		}
	}
	flushRun()
	flushOther()
	return tokens
}

func hanBigrams(run []rune) []string {
	if len(run) == 1 {
		return []string{string(run)}
	}
	grams := make([]string, 0, len(run)-1)
	for i := 0; i+1 < len(run); i++ {
		grams = append(grams, string(run[i:i+2]))
	}
	return grams
}

// ==========================================
// Score normalization
// ==========================================

// normalize converts raw bm25 ranks (negative-better) into [0,1] scores
// (higher-better) by min-max over the returned set. A single hit, or a set
// of identical ranks, scores 1.0.
func normalize(raw []core.FTSHit) []Hit {
	if len(raw) == 0 {
		return nil
	}
	minRank, maxRank := raw[0].Rank, raw[0].Rank
	for _, h := range raw[1:] {
		if h.Rank < minRank {
			minRank = h.Rank
		}
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}

	hits := make([]Hit, len(raw))
	span := maxRank - minRank
	for i, h := range raw {
		score := 1.0
		if span != 0 {
			score = (maxRank - h.Rank) / span
		}
		hits[i] = Hit{ID: h.ID, Score: score}
	}
	return hits
}
