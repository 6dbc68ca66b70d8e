// Package fusion merges dense (vector similarity) and sparse (BM25) result
// lists into a single ranking. Nine strategies share one Fuser interface;
// all of them are pure functions over the two input lists, so the recall
// engine can swap strategies at runtime without touching retrieval.
package fusion

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

// Strategy names accepted by New and the parameter registry.
const (
	StrategyRRF         = "rrf"
	StrategyHybridRRF   = "hybrid_rrf"
	StrategyWeighted    = "weighted"
	StrategyConvex      = "convex"
	StrategyInterleave  = "interleave"
	StrategyRankFusion  = "rank_fusion"
	StrategyScoreFusion = "score_fusion"
	StrategyCascade     = "cascade"
	StrategyAdaptive    = "adaptive"
)

// Candidate is one scored hit from a retrieval channel, ordered best-first.
// Score is cosine similarity for the dense channel and the normalized BM25
// score for the sparse channel. ContentLen (in runes) feeds the diversity
// bonus of hybrid_rrf; zero is a valid length.
type Candidate struct {
	ID         int64
	Score      float64
	ContentLen int
}

// Fused is one merged hit. DenseRank and SparseRank are 1-based positions in
// the respective input list, 0 when the id was absent from that channel.
// DenseScore and SparseScore are the channel scores as the strategy saw them
// (normalized first for the score-combining strategies).
type Fused struct {
	ID          int64
	DenseScore  float64
	SparseScore float64
	DenseRank   int
	SparseRank  int
	FinalScore  float64
}

// QueryType classifies a query for the adaptive strategies.
type QueryType string

// Query classes produced by Analyze.
const (
	QueryKeyword  QueryType = "keyword"
	QuerySemantic QueryType = "semantic"
	QueryMixed    QueryType = "mixed"
)

// QueryInfo captures deterministic features of the query string. The zero
// value (Type "") means "not analyzed" and disables query-dependent tuning.
type QueryInfo struct {
	Type        QueryType
	Length      int // runes
	WordCount   int
	IsKeyword   bool // an interrogative marker is present
	HasEntities bool // an entity marker (colon, possessive) is present
}

// Fuser merges a dense and a sparse result list into at most k entries.
type Fuser interface {
	Name() string
	Fuse(dense, sparse []Candidate, k int, q QueryInfo) []Fused
}

// New builds the Fuser selected by cfg.Strategy with its parameters.
func New(cfg config.FusionConfig) (Fuser, error) {
	switch cfg.Strategy {
	case StrategyRRF:
		return &rrfFuser{k: float64(cfg.RRFK)}, nil
	case StrategyHybridRRF:
		return &hybridRRFFuser{k: float64(cfg.RRFK), bonus: cfg.DiversityBonus}, nil
	case StrategyWeighted:
		return &weightedFuser{wd: cfg.DenseWeight, ws: cfg.SparseWeight}, nil
	case StrategyConvex:
		return &convexFuser{lambda: cfg.ConvexLambda}, nil
	case StrategyInterleave:
		return &interleaveFuser{ratio: cfg.InterleaveRatio}, nil
	case StrategyRankFusion:
		return &rankFuser{wd: cfg.DenseWeight, ws: cfg.SparseWeight, bias: cfg.RankBiasFactor}, nil
	case StrategyScoreFusion:
		return &scoreFuser{wd: cfg.DenseWeight, ws: cfg.SparseWeight}, nil
	case StrategyCascade:
		return &cascadeFuser{}, nil
	case StrategyAdaptive:
		return &adaptiveFuser{rrf: rrfFuser{k: float64(cfg.RRFK)}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown fusion strategy %q", core.ErrInvalidConfig, cfg.Strategy)
	}
}

// Strategies returns the known strategy names in display order.
func Strategies() []string {
	return []string{
		StrategyRRF, StrategyHybridRRF, StrategyWeighted, StrategyConvex,
		StrategyInterleave, StrategyRankFusion, StrategyScoreFusion,
		StrategyCascade, StrategyAdaptive,
	}
}

// ==========================================
// Query analysis
// ==========================================

// interrogatives mark keyword-style questions; matched case-insensitively
// as substrings so inflections like "what's" still count.
var interrogatives = []string{
	"是", "什么", "哪里", "谁", "什么时候",
	"how", "what", "where", "when", "who",
}

// entityMarkers suggest the query names a specific thing.
var entityMarkers = []string{":", "：", "的", "'s"}

// Analyze derives QueryInfo from a query string. Classification: keyword
// when an interrogative is present and the query is at most five words;
// semantic when an entity marker is present or the query exceeds 100 runes;
// mixed otherwise.
func Analyze(query string) QueryInfo {
	lower := strings.ToLower(query)
	isKeyword := false
	for _, m := range interrogatives {
		if strings.Contains(lower, m) {
			isKeyword = true
			break
		}
	}
	hasEntities := false
	for _, m := range entityMarkers {
		if strings.Contains(query, m) {
			hasEntities = true
			break
		}
	}

	length := utf8.RuneCountInString(query)
	words := len(strings.Fields(query))

	qt := QueryMixed
	switch {
	case isKeyword && words <= 5:
		qt = QueryKeyword
	case hasEntities || length > 100:
		qt = QuerySemantic
	}

	return QueryInfo{
		Type:        qt,
		Length:      length,
		WordCount:   words,
		IsKeyword:   isKeyword,
		HasEntities: hasEntities,
	}
}

// ==========================================
// Shared plumbing
// ==========================================

// mergeChannels unions both lists into Fused entries carrying the raw
// channel scores and 1-based ranks. The returned slice is in first-seen
// order (dense first), which makes the later stable sort deterministic.
func mergeChannels(dense, sparse []Candidate) ([]*Fused, map[int64]*Fused) {
	byID := make(map[int64]*Fused, len(dense)+len(sparse))
	out := make([]*Fused, 0, len(dense)+len(sparse))
	for i, c := range dense {
		f := &Fused{ID: c.ID, DenseScore: c.Score, DenseRank: i + 1}
		byID[c.ID] = f
		out = append(out, f)
	}
	for i, c := range sparse {
		if f, ok := byID[c.ID]; ok {
			f.SparseScore = c.Score
			f.SparseRank = i + 1
			continue
		}
		f := &Fused{ID: c.ID, SparseScore: c.Score, SparseRank: i + 1}
		byID[c.ID] = f
		out = append(out, f)
	}
	return out, byID
}

// normalizeScores min-max normalizes a channel to [0,1], best-first order
// preserved. A list of identical scores maps to all 1.0.
func normalizeScores(list []Candidate) []Candidate {
	if len(list) == 0 {
		return nil
	}
	minS, maxS := list[0].Score, list[0].Score
	for _, c := range list[1:] {
		if c.Score < minS {
			minS = c.Score
		}
		if c.Score > maxS {
			maxS = c.Score
		}
	}

	norm := make([]Candidate, len(list))
	span := maxS - minS
	for i, c := range list {
		s := 1.0
		if span != 0 {
			s = (c.Score - minS) / span
		}
		norm[i] = Candidate{ID: c.ID, Score: s, ContentLen: c.ContentLen}
	}
	return norm
}

// sortAndTrim orders merged entries by FinalScore descending (stable, so
// ties keep first-seen order) and keeps at most k.
func sortAndTrim(out []*Fused, k int) []Fused {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinalScore > out[j].FinalScore
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	res := make([]Fused, len(out))
	for i, f := range out {
		res[i] = *f
	}
	return res
}
